// Package fdll implements the FD Lower Layer: a ll.LowerLayer over any
// readable/writable OS handle, with buffered reads, deferred-callback
// delivery to preserve non-reentrancy, and safe, pollable teardown.
package fdll

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/gosio"
	"github.com/joeycumines/gosio/internal/osfuncs"
	"github.com/joeycumines/gosio/ll"
)

// State is the FD Lower Layer's state machine position.
type State int

const (
	Closed State = iota
	InOpen
	Open
	InClose
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case InOpen:
		return "in_open"
	case Open:
		return "open"
	case InClose:
		return "in_close"
	default:
		return "unknown"
	}
}

// CheckCloseState distinguishes the first CheckClose call from subsequent
// polls.
type CheckCloseState int

const (
	CheckCloseStart CheckCloseState = iota
	CheckCloseDone
)

// Driver supplies the handle-specific behavior an FDLL needs beyond plain
// read/write/close: connect completion, connect retry (e.g. happy-eyeballs
// style fallback), a drained-close poll, and a custom read/write path for
// transports that can't use plain read(2)/write(2) (datagram sockets that
// need peer addresses, special ioctls, etc). Every hook is optional; a
// Driver may implement any subset, detected via type assertion.
type Driver any

// ReadReadyHook lets a driver perform the actual read itself, placing
// bytes into buf and returning how many it produced.
type ReadReadyHook interface {
	ReadReady(fd int, buf []byte) (n int, err error)
}

// WriteReadyHook lets a driver handle write-ready itself instead of the
// default up-call-to-handler behavior (used by connection-oriented
// protocols layered on a datagram socket).
type WriteReadyHook interface {
	WriteReady(fd int) error
}

// CheckOpenHook marks a driver as "connecting": Open enables write/except
// readiness and waits for completion instead of calling done synchronously.
type CheckOpenHook interface {
	CheckOpen(fd int) error
}

// RetryOpenHook lets a driver replace the handle and retry after a failed
// connect attempt (the old handle is closed and unregistered first).
type RetryOpenHook interface {
	RetryOpen(oldFD int) (newFD int, err error)
}

// CheckCloseHook lets a driver require a drained-close poll before the
// handle is actually closed (e.g. waiting for queued writes to flush).
type CheckCloseHook interface {
	CheckClose(state CheckCloseState) (done bool, pollAfter time.Duration, err error)
}

// ControlHook lets a driver answer Control calls the FDLL itself doesn't
// know about.
type ControlHook interface {
	Control(get bool, option string, buf []byte) ([]byte, error)
}

// RAddrHook supplies remote-address information for transports where it is
// meaningful.
type RAddrHook interface {
	RAddrToString() string
	GetRAddr() []byte
	RemoteID() string
}

// FDLL is the FD Lower Layer.
type FDLL struct {
	funcs  osfuncs.Funcs
	log    osfuncs.Logger
	driver Driver

	mu         sync.Mutex
	fd         int
	watcher    osfuncs.Watcher
	state      State
	writeOnly  bool
	rbuf       []byte
	rlen, rpos int
	handler    ll.Handler
	openDone   ll.OpenDone
	closeDone  ll.CloseDone

	userReadEnable  bool
	userWriteEnable bool
	eof             bool

	closeTimer osfuncs.Timer
	freed      bool
}

// New creates an FDLL around fd. readBufSize of 0 makes it write-only: read
// is never armed and reads never happen.
func New(funcs osfuncs.Funcs, fd int, driver Driver, readBufSize int, log osfuncs.Logger) *FDLL {
	if log == nil {
		log = osfuncs.Logger(discardLogger{})
	}
	return &FDLL{
		funcs:     funcs,
		fd:        fd,
		driver:    driver,
		rbuf:      make([]byte, readBufSize),
		writeOnly: readBufSize == 0,
		log:       log,
	}
}

type discardLogger struct{}

func (discardLogger) Log(osfuncs.LogLevel, string, ...any) {}

// --- ll.LowerLayer ---

func (f *FDLL) SetCallback(h ll.Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *FDLL) Open(done ll.OpenDone) error {
	f.mu.Lock()
	if f.state != Closed {
		f.mu.Unlock()
		return gosio.ErrNotReady
	}
	f.openDone = done
	fd := f.fd
	f.mu.Unlock()

	w, err := f.funcs.SetFD(fd, f)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.watcher = w
	_, connecting := f.driver.(CheckOpenHook)
	if connecting {
		f.state = InOpen
	} else {
		f.state = Open
	}
	f.mu.Unlock()

	if connecting {
		w.SetWriteEnable(true)
		w.SetExceptEnable(true)
		return ll.ErrInProgress
	}

	f.funcs.RunDeferred(func() {
		if done != nil {
			done(nil)
		}
	})
	return nil
}

func (f *FDLL) WriteSG(sg [][]byte, aux []string) (int, error) {
	f.mu.Lock()
	if f.state != Open {
		f.mu.Unlock()
		return 0, gosio.ErrNotReady
	}
	fd := f.fd
	f.mu.Unlock()

	total := 0
	for _, b := range sg {
		n, err := unix.Write(fd, b)
		if n > 0 {
			total += n
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return total, nil
			}
			return total, err
		}
		if n < len(b) {
			// short write: stop here and let the caller see WriteReady
			// before offering more, rather than spinning on EAGAIN.
			return total, nil
		}
	}
	return total, nil
}

func (f *FDLL) RAddrToString() string {
	if h, ok := f.driver.(RAddrHook); ok {
		return h.RAddrToString()
	}
	return ""
}

func (f *FDLL) GetRAddr() []byte {
	if h, ok := f.driver.(RAddrHook); ok {
		return h.GetRAddr()
	}
	return nil
}

func (f *FDLL) RemoteID() string {
	if h, ok := f.driver.(RAddrHook); ok {
		return h.RemoteID()
	}
	return ""
}

func (f *FDLL) Control(get bool, option string, buf []byte) ([]byte, error) {
	if h, ok := f.driver.(ControlHook); ok {
		return h.Control(get, option, buf)
	}
	return nil, ll.ErrNotSupported
}

func (f *FDLL) SetReadCallbackEnable(enable bool) {
	f.mu.Lock()
	f.userReadEnable = enable
	hasBuffered := f.rlen > f.rpos
	f.mu.Unlock()

	f.reconcileRead()
	if enable && hasBuffered {
		f.funcs.RunDeferred(func() { f.deliver(nil) })
	}
}

func (f *FDLL) SetWriteCallbackEnable(enable bool) {
	f.mu.Lock()
	f.userWriteEnable = enable
	w := f.watcher
	state := f.state
	f.mu.Unlock()
	if w != nil && state == Open {
		w.SetWriteEnable(enable)
	}
}

func (f *FDLL) Close(done ll.CloseDone) error {
	f.mu.Lock()
	switch f.state {
	case Closed:
		f.mu.Unlock()
		return gosio.ErrNotReady
	case InClose:
		f.mu.Unlock()
		return gosio.ErrInProgress
	}
	f.state = InClose
	f.closeDone = done
	w := f.watcher
	f.mu.Unlock()

	if w != nil {
		w.ClearFD()
	} else {
		f.finishCleared()
	}
	return ll.ErrInProgress
}

func (f *FDLL) Disable() {
	f.mu.Lock()
	if f.state == Closed {
		f.mu.Unlock()
		return
	}
	fd := f.fd
	w := f.watcher
	f.state = Closed
	f.mu.Unlock()

	if w != nil {
		w.ClearFD()
	}
	_ = unix.Close(fd)
}

func (f *FDLL) Free() {
	f.mu.Lock()
	already := f.freed
	f.freed = true
	f.mu.Unlock()
	if already {
		f.log.Log(osfuncs.LogWarn, "fdll: Free called more than once", "err", gosio.ErrInUse)
		return
	}
}

// --- osfuncs.FDHandler ---

func (f *FDLL) ReadReady() {
	f.mu.Lock()
	if f.state != Open || f.writeOnly {
		f.mu.Unlock()
		return
	}
	f.watcher.SetReadEnable(false)
	fd := f.fd
	driver := f.driver
	free := f.rbuf[f.rlen:]
	f.mu.Unlock()

	var n int
	var err error
	if hook, ok := driver.(ReadReadyHook); ok {
		n, err = hook.ReadReady(fd, free)
	} else {
		n, err = unix.Read(fd, free)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			n, err = 0, nil
		case err == nil && n == 0:
			// A zero-byte, error-free result from a plain stream read means
			// the peer closed its write side. Under level-triggered epoll,
			// EPOLLIN stays asserted forever on a closed peer, so this must
			// be surfaced as a read error rather than silently re-armed,
			// which would busy-loop the event-loop goroutine.
			err = gosio.ErrRemoteClose
		}
	}

	f.mu.Lock()
	if n > 0 {
		f.rlen += n
	}
	if err == gosio.ErrRemoteClose {
		f.eof = true
	}
	f.mu.Unlock()

	f.deliver(err)
}

func (f *FDLL) WriteReady() {
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()

	switch state {
	case InOpen:
		f.completeOpen()
	case Open:
		if hook, ok := f.driver.(WriteReadyHook); ok {
			_ = hook.WriteReady(f.fd)
			return
		}
		f.mu.Lock()
		h := f.handler
		f.mu.Unlock()
		if h != nil {
			h.HandleWriteReady()
		}
	}
}

func (f *FDLL) ExceptReady() {
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()
	if state == InOpen {
		f.completeOpen()
	}
}

func (f *FDLL) Cleared() {
	f.finishCleared()
}

// --- internal machinery ---

// deliver offers any buffered-but-unconsumed bytes (or a non-nil ioErr) to
// the handler, then re-arms read according to what was consumed. A zero
// bytes-consumed response with read still enabled is re-offered through the
// deferred runner rather than retried inline, so a stalled consumer can
// never spin the event-loop goroutine.
func (f *FDLL) deliver(ioErr error) {
	f.mu.Lock()
	if f.state != Open {
		f.mu.Unlock()
		return
	}
	data := f.rbuf[f.rpos:f.rlen]
	handler := f.handler
	f.mu.Unlock()

	if ioErr == nil && len(data) == 0 {
		f.reconcileRead()
		return
	}
	if handler == nil {
		f.reconcileRead()
		return
	}

	consumed := handler.HandleRead(ioErr, data, nil)

	f.mu.Lock()
	if consumed > 0 {
		f.rpos += consumed
		if f.rpos >= f.rlen {
			f.rpos, f.rlen = 0, 0
		}
	}
	remaining := f.rlen > f.rpos
	wantsRead := f.userReadEnable
	f.mu.Unlock()

	if remaining && wantsRead {
		f.funcs.RunDeferred(func() { f.deliver(nil) })
		return
	}
	f.reconcileRead()
}

func (f *FDLL) reconcileRead() {
	f.mu.Lock()
	enable := f.state == Open && !f.writeOnly && !f.eof && f.userReadEnable && f.rlen < len(f.rbuf)
	w := f.watcher
	f.mu.Unlock()
	if w != nil {
		w.SetReadEnable(enable)
	}
}

func (f *FDLL) completeOpen() {
	var err error
	if hook, ok := f.driver.(CheckOpenHook); ok {
		err = hook.CheckOpen(f.fd)
	}

	if err != nil {
		if rh, ok := f.driver.(RetryOpenHook); ok {
			f.mu.Lock()
			oldFD := f.fd
			oldWatcher := f.watcher
			f.mu.Unlock()

			newFD, rerr := rh.RetryOpen(oldFD)
			if rerr == nil {
				if oldWatcher != nil {
					oldWatcher.ClearFD()
				}
				_ = unix.Close(oldFD)

				w, werr := f.funcs.SetFD(newFD, f)
				if werr == nil {
					f.mu.Lock()
					f.fd = newFD
					f.watcher = w
					f.mu.Unlock()
					w.SetWriteEnable(true)
					w.SetExceptEnable(true)
					return
				}
				err = werr
			} else {
				err = rerr
			}
		}
	}

	f.mu.Lock()
	w := f.watcher
	if err != nil {
		f.state = Closed
	} else {
		f.state = Open
	}
	done := f.openDone
	f.openDone = nil
	f.mu.Unlock()

	if w != nil {
		w.SetWriteEnable(false)
		w.SetExceptEnable(false)
	}
	f.funcs.RunDeferred(func() {
		if done != nil {
			done(err)
		}
	})
}

func (f *FDLL) finishCleared() {
	if hook, ok := f.driver.(CheckCloseHook); ok {
		done, wait, _ := hook.CheckClose(CheckCloseStart)
		if !done {
			f.scheduleCheckClosePoll(wait)
			return
		}
	}
	f.completeClose()
}

func (f *FDLL) scheduleCheckClosePoll(wait time.Duration) {
	f.mu.Lock()
	if f.closeTimer == nil {
		f.closeTimer = f.funcs.NewTimer(f.pollCheckClose)
	}
	t := f.closeTimer
	f.mu.Unlock()
	t.Start(wait)
}

func (f *FDLL) pollCheckClose() {
	hook, ok := f.driver.(CheckCloseHook)
	if !ok {
		f.completeClose()
		return
	}
	done, wait, _ := hook.CheckClose(CheckCloseDone)
	if done {
		f.completeClose()
		return
	}
	f.scheduleCheckClosePoll(wait)
}

func (f *FDLL) completeClose() {
	f.mu.Lock()
	fd := f.fd
	f.state = Closed
	done := f.closeDone
	f.closeDone = nil
	f.mu.Unlock()

	_ = unix.Close(fd)

	f.funcs.RunDeferred(func() {
		if done != nil {
			done(nil)
		}
	})
}
