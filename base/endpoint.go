// Package base implements the stack runtime: the Base Endpoint state
// machine that drives exactly one Lower Layer and zero-or-one Filter,
// translating between the two and the user-facing event callback.
package base

import (
	"sync"
	"time"

	"github.com/joeycumines/gosio"
	"github.com/joeycumines/gosio/bridge"
	"github.com/joeycumines/gosio/filter"
	"github.com/joeycumines/gosio/internal/osfuncs"
	"github.com/joeycumines/gosio/ll"
	"github.com/joeycumines/gosio/oob"
)

// State is the Base Endpoint's position in its open/close state machine.
type State int

const (
	StateClosed State = iota
	StateWaitingOpenClear
	StateInLLOpen
	StateInFilterOpen
	StateIOOpenPending
	StateIOOpen
	StateCloseWaitDrain
	StateInFilterClose
	StateInLLClose
	StateInClosedNotify
	StateClosedError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateWaitingOpenClear:
		return "waiting_open_clear"
	case StateInLLOpen:
		return "in_ll_open"
	case StateInFilterOpen:
		return "in_filter_open"
	case StateIOOpenPending:
		return "io_open_pending"
	case StateIOOpen:
		return "io_open"
	case StateCloseWaitDrain:
		return "close_wait_drain"
	case StateInFilterClose:
		return "in_filter_close"
	case StateInLLClose:
		return "in_ll_close"
	case StateInClosedNotify:
		return "in_closed_notify"
	case StateClosedError:
		return "closed_error"
	default:
		return "unknown"
	}
}

// DefaultHandshakeTimeout bounds the overall filter open handshake (the
// TryConnect retries plus intervening data hops, from entering
// StateInFilterOpen to CheckOpenDone) when SetHandshakeTimeout hasn't
// overridden it.
const DefaultHandshakeTimeout = 30 * time.Second

// Endpoint is the Base Endpoint: the concrete implementation of
// gosio.Endpoint, ll.Handler (receiving LL up-calls) and filter.Endpoint
// (the narrow surface a Filter drives to request recalculation/timers).
//
// e.mu serializes the paths that drive the filter: user-goroutine calls
// (Write, Close, the SetXCallbackEnable/Control accessors, and the filter
// Setup/handshake half of Open) and the event-loop goroutine's up-calls
// (HandleRead, HandleWriteReady, the filter timeout) all hold it across the
// actual filter/LL drive, not just around the state read. A Filter's own
// methods other than Free are therefore never invoked concurrently with
// each other or with Write. Open's calls to the lower layer's SetCallback
// and Open, GetRAddr/RemoteID, and Free's final filter/LL Free run without
// it. The lock is dropped only around the single point a user callback is
// actually invoked (deliverUserRead and the inline EventWriteReady call in
// drainOOBAndFilterLocked), per the no-callback-under-lock rule.
type Endpoint struct {
	funcs osfuncs.Funcs
	log   osfuncs.Logger
	ll    ll.LowerLayer
	filt  filter.Filter

	mu    sync.Mutex
	state State
	refs  int
	freed bool

	cb gosio.EventCallback

	noFilter bool // set by OpenNochild: skip filter negotiation even if filt != nil

	openDone  func(error)
	closeDone func(error)

	readEnable  bool
	writeEnable bool

	errDelivered bool

	deadline *time.Time

	handshakeTimeout  time.Duration
	handshakeDeadline time.Time

	// timer is guarded by timerMu, not mu: a Filter may call SetTimer
	// synchronously from within a Filter method the base itself invoked
	// under mu (e.g. Timeout, LLWrite), so SetTimer must never try to
	// re-acquire mu.
	timerMu sync.Mutex
	timer   osfuncs.Timer

	oobQueue *oob.Queue
}

// New builds an Endpoint around lower and an optional filt (nil for a raw
// passthrough endpoint), starting CLOSED.
func New(funcs osfuncs.Funcs, lower ll.LowerLayer, filt filter.Filter, cb gosio.EventCallback, log osfuncs.Logger) *Endpoint {
	return &Endpoint{
		funcs:    funcs,
		log:      log,
		ll:       lower,
		filt:     filt,
		cb:       cb,
		refs:     1,
		state:    StateClosed,
		deadline: new(time.Time),
		oobQueue: oob.New(),
	}
}

// NewOverEndpoint layers a new Endpoint (with its own filt) on top of an
// already-allocated child gosio.Endpoint, using package bridge to adapt the
// child into a LowerLayer.
func NewOverEndpoint(funcs osfuncs.Funcs, child gosio.Endpoint, filt filter.Filter, cb gosio.EventCallback, log osfuncs.Logger) *Endpoint {
	br := bridge.New()
	ep := New(funcs, br, filt, cb, log)
	br.SetChild(child)
	return ep
}

// SetHandshakeTimeout overrides the ceiling on the filter open handshake
// before Open/ServerOpen fails with gosio.ErrTimedOut. Call before Open; d
// <= 0 restores DefaultHandshakeTimeout. Must not be called concurrently
// with Open.
func (e *Endpoint) SetHandshakeTimeout(d time.Duration) {
	e.mu.Lock()
	e.handshakeTimeout = d
	e.mu.Unlock()
}

// --- gosio.Endpoint ---

func (e *Endpoint) Open(done func(err error)) error {
	return e.open(done, false)
}

func (e *Endpoint) OpenNochild(done func(err error)) error {
	return e.open(done, true)
}

func (e *Endpoint) open(done func(err error), nochild bool) error {
	e.mu.Lock()
	if e.state != StateClosed {
		e.mu.Unlock()
		return gosio.ErrNotReady
	}
	e.openDone = done
	e.noFilter = nochild
	e.errDelivered = false
	e.state = StateInLLOpen
	e.mu.Unlock()

	e.ll.SetCallback(e)
	err := e.ll.Open(e.llOpenDone)
	switch err {
	case nil:
		e.llOpenDone(nil)
		return nil
	case ll.ErrInProgress:
		return gosio.ErrInProgress
	default:
		e.mu.Lock()
		e.state = StateClosed
		d := e.openDone
		e.openDone = nil
		e.mu.Unlock()
		if d != nil {
			e.funcs.RunDeferred(func() { d(err) })
		}
		return err
	}
}

// ServerOpen is the server-side construction path: the lower layer is
// already connected (e.g. an accepted socket), so it skips straight to
// filter negotiation instead of opening the transport.
func (e *Endpoint) ServerOpen(done func(err error)) error {
	e.mu.Lock()
	if e.state != StateClosed {
		e.mu.Unlock()
		return gosio.ErrNotReady
	}
	e.openDone = done
	e.noFilter = false
	e.errDelivered = false
	e.state = StateIOOpenPending
	e.mu.Unlock()

	e.ll.SetCallback(e)

	if e.filt == nil {
		e.finishOpen()
		return gosio.ErrInProgress
	}

	e.mu.Lock()
	e.state = StateInFilterOpen
	e.armHandshakeDeadlineLocked()
	setupErr := e.filt.Setup(e)
	e.mu.Unlock()

	if setupErr != nil {
		e.failOpen(setupErr)
		return setupErr
	}
	e.driveConnect()
	return gosio.ErrInProgress
}

// llOpenDone is the LL's open-completion up-call. The state guard makes the
// close-races-open ordering robust for any LowerLayer, not just one (like
// fdll) that happens to abandon its stored callback across a Close.
func (e *Endpoint) llOpenDone(err error) {
	e.mu.Lock()
	if e.state != StateInLLOpen {
		e.mu.Unlock()
		return
	}

	if err != nil {
		e.state = StateClosed
		d := e.openDone
		e.openDone = nil
		e.mu.Unlock()
		if d != nil {
			d(err)
		}
		return
	}

	if e.filt == nil || e.noFilter {
		e.finishOpenLocked()
		e.mu.Unlock()
		return
	}

	e.state = StateInFilterOpen
	e.armHandshakeDeadlineLocked()
	setupErr := e.filt.Setup(e)
	e.mu.Unlock()

	if setupErr != nil {
		e.failOpen(setupErr)
		return
	}
	e.driveConnect()
}

func (e *Endpoint) armHandshakeDeadlineLocked() {
	timeout := e.handshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	e.handshakeDeadline = time.Now().Add(timeout)
}

func (e *Endpoint) driveConnect() {
	e.mu.Lock()
	e.driveConnectLocked()
	e.mu.Unlock()
}

func (e *Endpoint) driveConnectLocked() {
	if e.state != StateInFilterOpen {
		return
	}
	if !e.handshakeDeadline.IsZero() && !time.Now().Before(e.handshakeDeadline) {
		e.failOpenLocked(gosio.ErrTimedOut)
		return
	}

	dl := e.deadline
	res, err := e.filt.TryConnect(dl)
	if err != nil {
		e.failOpenLocked(err)
		return
	}

	switch res {
	case filter.Done:
		if err := e.filt.CheckOpenDone(); err != nil {
			e.failOpenLocked(err)
			return
		}
		e.state = StateIOOpenPending
		e.finishOpenLocked()
	case filter.InProgress:
		e.recalcEnablesLocked()
	case filter.RetryLater:
		e.deadline = dl
		e.armOpenTimerLocked(dl)
		e.recalcEnablesLocked()
	}
}

// finishOpenLocked transitions to open. Caller holds mu throughout; the
// eventual open-done notification is handed to the deferred runner, which
// only ever invokes it after the current call stack (and every Unlock along
// it) has fully unwound, so scheduling it here is safe even under the lock.
func (e *Endpoint) finishOpenLocked() {
	e.state = StateIOOpen
	e.handshakeDeadline = time.Time{}
	d := e.openDone
	e.openDone = nil

	e.recalcEnablesLocked()
	if d != nil {
		e.funcs.RunDeferred(func() { d(nil) })
	}
}

func (e *Endpoint) finishOpen() {
	e.mu.Lock()
	e.finishOpenLocked()
	e.mu.Unlock()
}

func (e *Endpoint) failOpenLocked(err error) {
	d := e.openDone
	e.openDone = nil
	e.handshakeDeadline = time.Time{}

	e.ll.Disable()
	if e.filt != nil {
		e.filt.Cleanup()
	}
	e.state = StateClosed

	if d != nil {
		e.funcs.RunDeferred(func() { d(err) })
	}
}

func (e *Endpoint) failOpen(err error) {
	e.mu.Lock()
	e.failOpenLocked(err)
	e.mu.Unlock()
}

func (e *Endpoint) Close(done func(err error)) error {
	e.mu.Lock()
	switch e.state {
	case StateClosed, StateClosedError:
		e.mu.Unlock()
		return gosio.ErrNotReady
	case StateCloseWaitDrain, StateInFilterClose, StateInLLClose, StateInClosedNotify, StateWaitingOpenClear:
		e.mu.Unlock()
		return gosio.ErrInProgress
	}

	od := e.openDone
	e.openDone = nil
	e.closeDone = done
	e.state = StateCloseWaitDrain

	if od != nil {
		e.funcs.RunDeferred(func() { od(gosio.ErrCancelled) })
	}
	e.beginFilterCloseLocked()
	e.mu.Unlock()
	return gosio.ErrInProgress
}

func (e *Endpoint) beginFilterCloseLocked() {
	if e.filt == nil {
		e.beginLLCloseLocked()
		return
	}
	e.state = StateInFilterClose
	e.driveDisconnectLocked()
}

func (e *Endpoint) driveDisconnect() {
	e.mu.Lock()
	e.driveDisconnectLocked()
	e.mu.Unlock()
}

func (e *Endpoint) driveDisconnectLocked() {
	if e.state != StateInFilterClose {
		return
	}
	dl := e.deadline

	res, err := e.filt.TryDisconnect(dl)
	if err != nil {
		e.beginLLCloseLocked()
		return
	}
	switch res {
	case filter.Done:
		e.beginLLCloseLocked()
	case filter.InProgress:
		e.recalcEnablesLocked()
	case filter.RetryLater:
		e.deadline = dl
		e.armCloseTimerLocked(dl)
		e.recalcEnablesLocked()
	}
}

func (e *Endpoint) beginLLCloseLocked() {
	e.state = StateInLLClose
	err := e.ll.Close(e.llCloseDone)
	switch err {
	case nil:
		e.llCloseDoneLocked(nil)
	case ll.ErrInProgress:
	default:
		e.llCloseDoneLocked(err)
	}
}

func (e *Endpoint) llCloseDone(err error) {
	e.mu.Lock()
	e.llCloseDoneLocked(err)
	e.mu.Unlock()
}

func (e *Endpoint) llCloseDoneLocked(err error) {
	if e.filt != nil {
		e.filt.Cleanup()
	}

	d := e.closeDone
	e.closeDone = nil
	if err != nil {
		e.state = StateClosedError
	} else {
		e.state = StateClosed
	}

	if d != nil {
		e.funcs.RunDeferred(func() { d(err) })
	}
}

// Free releases the caller's reference. It is safe to call more than once;
// a redundant call only logs gosio.ErrInUse instead of re-running teardown.
func (e *Endpoint) Free() {
	e.mu.Lock()
	if e.freed {
		e.mu.Unlock()
		if e.log != nil {
			e.log.Log(osfuncs.LogWarn, "base: endpoint Free called more than once", "err", gosio.ErrInUse)
		}
		return
	}
	e.refs--
	state := e.state
	refs := e.refs
	if refs <= 0 {
		e.freed = true
	}
	e.mu.Unlock()

	if state != StateClosed && state != StateClosedError {
		_ = e.Close(nil)
	}
	if refs <= 0 {
		if e.filt != nil {
			e.filt.Free()
		}
		e.ll.Free()
	}
}

func (e *Endpoint) Write(sg [][]byte, aux []string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIOOpen {
		return 0, gosio.ErrNotReady
	}

	for _, a := range aux {
		if a == gosio.AuxOOB {
			n := 0
			for _, b := range sg {
				n += len(b)
			}
			e.oobQueue.Enqueue(sg, nil)
			e.ll.SetWriteCallbackEnable(true)
			return n, nil
		}
	}

	emit := func(p []byte, a []string) (int, error) {
		return e.ll.WriteSG([][]byte{p}, a)
	}

	var total int
	for _, b := range sg {
		var n int
		var err error
		if e.filt != nil {
			n, err = e.filt.ULWrite(b, aux, emit)
		} else {
			n, err = e.ll.WriteSG([][]byte{b}, aux)
		}
		total += n
		if err != nil {
			return total, err
		}
		if n < len(b) {
			break
		}
	}

	e.recalcEnablesLocked()
	return total, nil
}

func (e *Endpoint) SetReadCallbackEnable(enable bool) {
	e.mu.Lock()
	e.readEnable = enable
	e.recalcEnablesLocked()
	e.mu.Unlock()
}

func (e *Endpoint) SetWriteCallbackEnable(enable bool) {
	e.mu.Lock()
	e.writeEnable = enable
	e.recalcEnablesLocked()
	e.mu.Unlock()
}

func (e *Endpoint) Control(depth int, get bool, option string, buf []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if depth <= 0 {
		switch option {
		case "raddr":
			return []byte(e.ll.RAddrToString()), nil
		}
		return nil, gosio.ErrNotSupported
	}
	if depth == 1 && e.filt != nil {
		return e.filt.Control(get, option, buf)
	}
	return e.ll.Control(get, option, buf)
}

func (e *Endpoint) AllocChannel(args map[string]string, cb gosio.EventCallback) (gosio.Endpoint, error) {
	e.mu.Lock()
	if e.filt == nil {
		e.mu.Unlock()
		return nil, gosio.ErrNotSupported
	}
	childFilt, err := e.filt.OpenChannel(args)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	// A channel shares the parent's transport: the child filter itself
	// demultiplexes by channel id over the same LowerLayer.
	child := New(e.funcs, e.ll, childFilt, cb, e.log)
	return child, nil
}

func (e *Endpoint) GetRAddr() []byte { return e.ll.GetRAddr() }
func (e *Endpoint) RemoteID() string { return e.ll.RemoteID() }

// --- ll.Handler ---

func (e *Endpoint) HandleRead(err error, buf []byte, aux []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil && len(buf) > 0 {
		// The lower layer can report buffered bytes alongside a terminal
		// error (e.g. data that arrived before the peer closed); deliver
		// the data first so it isn't silently dropped, then raise the
		// error.
		consumed := e.handleReadDataLocked(buf, aux)
		e.handleLLErrorLocked(err)
		return consumed
	}
	if err != nil {
		return e.handleLLErrorLocked(err)
	}
	return e.handleReadDataLocked(buf, aux)
}

func (e *Endpoint) handleReadDataLocked(buf []byte, aux []string) int {
	switch e.state {
	case StateInFilterOpen:
		return e.filterLLWriteLocked(buf, aux, e.driveConnectLocked)
	case StateInFilterClose:
		return e.filterLLWriteLocked(buf, aux, e.driveDisconnectLocked)
	case StateIOOpen, StateCloseWaitDrain:
		if e.filt != nil {
			return e.filterLLWriteLocked(buf, aux, e.recalcEnablesLocked)
		}
		return e.deliverUserRead(nil, buf, aux)
	default:
		return 0
	}
}

func (e *Endpoint) filterLLWriteLocked(buf []byte, aux []string, after func()) int {
	emit := func(p []byte, a []string) (int, error) {
		return e.deliverUserRead(nil, p, a), nil
	}
	n, err := e.filt.LLWrite(buf, aux, emit)
	if err != nil {
		e.handleLLErrorLocked(err)
		return n
	}
	if after != nil {
		after()
	}
	return n
}

func (e *Endpoint) handleLLErrorLocked(err error) int {
	switch e.state {
	case StateInLLOpen, StateInFilterOpen:
		e.failOpenLocked(err)
		return 0
	case StateInFilterClose, StateInLLClose, StateCloseWaitDrain:
		return 0
	default:
		if e.errDelivered {
			return 0
		}
		e.errDelivered = true
		return e.deliverUserRead(err, nil, nil)
	}
}

// deliverUserRead invokes the user's EventRead callback. Caller holds mu; it
// is dropped for the callback's duration (no user callback runs under the
// lock) and re-acquired before returning.
func (e *Endpoint) deliverUserRead(err error, buf []byte, aux []string) int {
	if e.cb == nil {
		return 0
	}
	e.mu.Unlock()
	n := e.cb(e, gosio.EventRead, err, buf, aux)
	e.mu.Lock()
	return n
}

func (e *Endpoint) HandleWriteReady() {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateInFilterOpen:
		e.drainFilterULLocked(e.driveConnectLocked)
	case StateInFilterClose:
		e.drainFilterULLocked(e.driveDisconnectLocked)
	case StateIOOpen, StateCloseWaitDrain:
		e.drainOOBAndFilterLocked()
	}
}

func (e *Endpoint) drainFilterULLocked(after func()) {
	emit := func(p []byte, a []string) (int, error) {
		return e.ll.WriteSG([][]byte{p}, a)
	}
	_, err := e.filt.ULWrite(nil, nil, emit)
	if err != nil {
		e.handleLLErrorLocked(err)
		return
	}
	if after != nil {
		after()
	}
}

func (e *Endpoint) drainOOBAndFilterLocked() {
	if !e.oobQueue.Empty() {
		emit := func(p []byte) (int, error) {
			return e.ll.WriteSG([][]byte{p}, []string{gosio.AuxOOB})
		}
		if !e.oobQueue.Drain(emit) {
			return
		}
	}

	if e.filt != nil {
		emit := func(p []byte, a []string) (int, error) {
			return e.ll.WriteSG([][]byte{p}, a)
		}
		if _, err := e.filt.ULWrite(nil, nil, emit); err != nil {
			e.handleLLErrorLocked(err)
			return
		}
	}

	if e.writeEnable && e.cb != nil {
		e.mu.Unlock()
		e.cb(e, gosio.EventWriteReady, nil, nil, nil)
		e.mu.Lock()
	}
	e.recalcEnablesLocked()
}

// --- filter.Endpoint ---

// RecalcEnables implements filter.Endpoint. A Filter may call this either
// reentrantly, from within a Filter method the base itself is invoking
// under mu (e.g. Timeout, LLWrite — see filters/ratelimit), or from an
// unrelated goroutine the filter spawned on its own with no lock held at
// all (see filters/tlsfilter's handshake and read-loop goroutines).
// Routing through the deferred runner makes both safe: it never runs
// synchronously/reentrantly, so it can't deadlock against a mu the caller
// already holds, and its own locking is unconditionally correct for a
// caller holding nothing.
func (e *Endpoint) RecalcEnables() {
	e.funcs.RunDeferred(func() {
		e.mu.Lock()
		e.recalcEnablesLocked()
		e.mu.Unlock()
	})
}

// SetTimer implements filter.Endpoint. It touches only timer/timerMu (never
// mu), for the same reentrancy reason as RecalcEnables: a Filter may call
// this synchronously from within a method the base invoked under mu.
func (e *Endpoint) SetTimer(d time.Duration) {
	e.timerMu.Lock()
	t := e.timer
	if t == nil {
		t = e.funcs.NewTimer(e.onFilterTimeout)
		e.timer = t
	}
	e.timerMu.Unlock()

	if d > 0 {
		t.Start(d)
	} else {
		t.Stop(nil)
	}
}

// armOpenTimerLocked arms the filter-requested retry timer, clamped to the
// overall handshake deadline so a filter that keeps writing back a distant
// RetryLater deadline can't defeat the ceiling.
func (e *Endpoint) armOpenTimerLocked(dl *time.Time) {
	if dl == nil {
		return
	}
	effective := *dl
	if !e.handshakeDeadline.IsZero() && e.handshakeDeadline.Before(effective) {
		effective = e.handshakeDeadline
	}
	e.SetTimer(dueIn(effective))
}

// armCloseTimerLocked arms the filter-requested retry timer during
// disconnect, unclamped: there's no overall close ceiling analogous to the
// open handshake's.
func (e *Endpoint) armCloseTimerLocked(dl *time.Time) {
	if dl == nil {
		return
	}
	e.SetTimer(dueIn(*dl))
}

func dueIn(t time.Time) time.Duration {
	d := time.Until(t)
	if d < 0 {
		return 0
	}
	return d
}

func (e *Endpoint) onFilterTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFilterTimeoutLocked()
}

func (e *Endpoint) onFilterTimeoutLocked() {
	state := e.state
	if e.filt != nil {
		e.filt.Timeout()
	}

	switch state {
	case StateInFilterOpen:
		e.driveConnectLocked()
	case StateInFilterClose:
		e.driveDisconnectLocked()
	default:
		e.recalcEnablesLocked()
	}
}

// recalcEnablesLocked is the data hop: it re-derives the lower layer's
// read/write enables from filter readiness, OOB queue state, and user
// intent, pushing any already-decoded filter output to the user along the
// way. Caller holds mu; it is transiently dropped and re-acquired whenever
// a buffered read is delivered to the user callback.
func (e *Endpoint) recalcEnablesLocked() {
	switch e.state {
	case StateClosed, StateClosedError, StateInLLOpen, StateInLLClose, StateInClosedNotify, StateWaitingOpenClear:
		return
	}

	readEnable := true
	writeEnable := e.writeEnable

	if e.filt != nil {
		if e.filt.LLWritePending() {
			writeEnable = true
		}
		if e.filt.LLReadNeeded() {
			readEnable = true
		}
		if e.filt.ULReadPending() {
			emit := func(p []byte, a []string) (int, error) {
				return e.deliverUserRead(nil, p, a), nil
			}
			if _, err := e.filt.LLWrite(nil, nil, emit); err != nil {
				e.handleLLErrorLocked(err)
			}
		}
	}

	if !e.oobQueue.Empty() {
		writeEnable = true
	}

	if !e.readEnable && e.state == StateIOOpen && (e.filt == nil || !e.filt.LLReadNeeded()) {
		readEnable = false
	}

	e.ll.SetReadCallbackEnable(readEnable)
	e.ll.SetWriteCallbackEnable(writeEnable)
}
