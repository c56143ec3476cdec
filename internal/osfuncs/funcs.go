package osfuncs

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/gosio"
)

// funcs is the default Funcs implementation: one background goroutine plays
// the role of "the event loop thread" the stack runtime design assumes,
// driving an epoll/kqueue poller (sysPoller, adapted per-platform from the
// event-loop poller this package is modeled on), a timer min-heap, and a
// deferred-task queue. A self-pipe wakes the poller whenever a watcher,
// timer, or deferred task is submitted from another goroutine.
type funcs struct {
	poller *sysPoller
	wakeR  int
	wakeW  int

	mu       sync.Mutex
	watchers map[int]*watcher
	deferred []func()
	timers   timerHeap
	closed   bool

	log Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Funcs backed by a dedicated epoll/kqueue event-loop
// goroutine. log may be nil, in which case diagnostics are discarded.
func New(log Logger) (Funcs, error) {
	p, err := newSysPoller()
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		_ = p.close()
		return nil, err
	}
	_ = unix.SetNonblock(fds[0], true)
	_ = unix.SetNonblock(fds[1], true)

	if log == nil {
		log = discardLogger{}
	}

	f := &funcs{
		poller:   p,
		wakeR:    fds[0],
		wakeW:    fds[1],
		watchers: make(map[int]*watcher),
		log:      log,
		done:     make(chan struct{}),
	}
	if err := p.add(f.wakeR, true, false, false); err != nil {
		_ = p.close()
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, err
	}

	f.wg.Add(1)
	go f.run()
	return f, nil
}

func (f *funcs) wake() {
	var b [1]byte
	_, _ = unix.Write(f.wakeW, b[:])
}

func (f *funcs) run() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		default:
		}

		timeout := f.nextTimeout()
		if err := f.poller.wait(timeout, f.dispatch); err != nil {
			f.log.Log(LogError, "osfuncs: poll error", "err", err)
		}
		f.runDueTimers()
		f.drainDeferred()
	}
}

func (f *funcs) dispatch(fd int, r, w, e bool) {
	if fd == f.wakeR {
		var buf [64]byte
		for {
			n, err := unix.Read(f.wakeR, buf[:])
			if n <= 0 || err != nil {
				break
			}
		}
		return
	}

	f.mu.Lock()
	wt := f.watchers[fd]
	f.mu.Unlock()
	if wt == nil {
		return
	}

	wt.mu.Lock()
	cleared := wt.cleared || wt.clearing
	doRead := r && wt.read
	doWrite := w && wt.write
	doExcept := e && wt.except
	wt.mu.Unlock()
	if cleared {
		return
	}
	if doRead {
		wt.handler.ReadReady()
	}
	if doWrite {
		wt.handler.WriteReady()
	}
	if doExcept {
		wt.handler.ExceptReady()
	}
}

func (f *funcs) drainDeferred() {
	f.mu.Lock()
	if len(f.deferred) == 0 {
		f.mu.Unlock()
		return
	}
	batch := f.deferred
	f.deferred = nil
	f.mu.Unlock()
	for _, task := range batch {
		task()
	}
}

// --- Funcs interface ---

func (f *funcs) NewLock() Lock { return &mutexLock{} }

func (f *funcs) Alloc(size int) []byte { return make([]byte, size) }

func (f *funcs) Log() Logger { return f.log }

func (f *funcs) RunDeferred(task func()) {
	f.mu.Lock()
	f.deferred = append(f.deferred, task)
	f.mu.Unlock()
	f.wake()
}

var errClosed = errors.New("osfuncs: funcs closed")

func (f *funcs) SetFD(fd int, handler FDHandler) (Watcher, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errClosed
	}
	if _, exists := f.watchers[fd]; exists {
		f.mu.Unlock()
		return nil, errors.New("osfuncs: fd already registered")
	}
	wt := &watcher{f: f, fd: fd, handler: handler}
	f.watchers[fd] = wt
	f.mu.Unlock()

	if err := f.poller.add(fd, false, false, false); err != nil {
		f.mu.Lock()
		delete(f.watchers, fd)
		f.mu.Unlock()
		return nil, err
	}
	return wt, nil
}

func (f *funcs) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	close(f.done)
	f.wake()
	f.wg.Wait()
	_ = f.poller.remove(f.wakeR)
	_ = unix.Close(f.wakeR)
	_ = unix.Close(f.wakeW)
	return f.poller.close()
}

// --- watcher ---

type watcher struct {
	f      *funcs
	fd     int
	handler FDHandler

	mu                  sync.Mutex
	read, write, except bool
	clearing, cleared   bool
}

func (w *watcher) reconcile() {
	w.mu.Lock()
	r, wr, e := w.read, w.write, w.except
	clearing := w.clearing
	w.mu.Unlock()
	if clearing {
		return
	}
	_ = w.f.poller.modify(w.fd, r, wr, e)
	w.f.wake()
}

func (w *watcher) SetReadEnable(enable bool) {
	w.mu.Lock()
	w.read = enable
	w.mu.Unlock()
	w.reconcile()
}

func (w *watcher) SetWriteEnable(enable bool) {
	w.mu.Lock()
	w.write = enable
	w.mu.Unlock()
	w.reconcile()
}

func (w *watcher) SetExceptEnable(enable bool) {
	w.mu.Lock()
	w.except = enable
	w.mu.Unlock()
	w.reconcile()
}

func (w *watcher) ClearFD() {
	w.mu.Lock()
	if w.clearing || w.cleared {
		w.mu.Unlock()
		w.f.log.Log(LogWarn, "osfuncs: ClearFD called more than once", "fd", w.fd, "err", gosio.ErrInUse)
		return
	}
	w.clearing = true
	w.mu.Unlock()

	w.f.mu.Lock()
	delete(w.f.watchers, w.fd)
	w.f.mu.Unlock()
	_ = w.f.poller.remove(w.fd)

	w.f.RunDeferred(func() {
		w.mu.Lock()
		w.cleared = true
		w.mu.Unlock()
		w.handler.Cleared()
	})
}

// --- timers ---

type timerHandle struct {
	f       *funcs
	expired func()

	mu     sync.Mutex
	firing bool
	active bool // present in the heap
}

type timerEntry struct {
	deadline time.Time
	handle   *timerHandle
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (f *funcs) NewTimer(expired func()) Timer {
	return &timerHandle{f: f, expired: expired}
}

func (h *timerHandle) Start(d time.Duration) {
	f := h.f
	f.mu.Lock()
	f.removeTimerLocked(h)
	h.active = true
	heap.Push(&f.timers, &timerEntry{deadline: time.Now().Add(d), handle: h})
	f.mu.Unlock()
	f.wake()
}

func (h *timerHandle) Stop(done func(StopResult)) {
	f := h.f
	f.mu.Lock()
	removed := f.removeTimerLocked(h)
	f.mu.Unlock()

	h.mu.Lock()
	firing := h.firing
	h.mu.Unlock()

	res := StopResult{AlreadyFiring: !removed && firing}
	if done != nil {
		f.RunDeferred(func() { done(res) })
	}
}

// removeTimerLocked removes h's entry from the heap if present. Caller holds f.mu.
func (f *funcs) removeTimerLocked(h *timerHandle) bool {
	for i, e := range f.timers {
		if e.handle == h {
			heap.Remove(&f.timers, i)
			h.active = false
			return true
		}
	}
	return false
}

func (f *funcs) nextTimeout() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.timers) == 0 {
		return -1
	}
	d := time.Until(f.timers[0].deadline)
	if d < 0 {
		return 0
	}
	return d
}

func (f *funcs) runDueTimers() {
	now := time.Now()
	var due []*timerHandle
	f.mu.Lock()
	for len(f.timers) > 0 && !f.timers[0].deadline.After(now) {
		e := heap.Pop(&f.timers).(*timerEntry)
		e.handle.active = false
		due = append(due, e.handle)
	}
	f.mu.Unlock()

	for _, h := range due {
		h.mu.Lock()
		h.firing = true
		h.mu.Unlock()

		h.expired()

		h.mu.Lock()
		h.firing = false
		h.mu.Unlock()
	}
}

// --- lock ---

type mutexLock struct{ mu sync.Mutex }

func (m *mutexLock) Lock()   { m.mu.Lock() }
func (m *mutexLock) Unlock() { m.mu.Unlock() }

// --- logger ---

type discardLogger struct{}

func (discardLogger) Log(LogLevel, string, ...any) {}
