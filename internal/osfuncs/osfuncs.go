// Package osfuncs is the consumed interface described in the core design as
// "OS-Funcs": the thin surface the stack runtime needs from whatever event
// loop hosts it. It supplies locks, FD watching with synchronous clearance
// confirmation, one-shot timers with stop-with-done semantics, a deferred
// runner that breaks reentrancy, allocation, and structured logging.
//
// gosio ships exactly one implementation, returned by New, built directly on
// epoll/kqueue via golang.org/x/sys/unix plus a background goroutine that
// plays the role of "the event loop thread" referenced throughout the stack
// runtime design. Hosting applications that already run their own reactor
// may supply an alternative implementation of Funcs instead.
package osfuncs

import "time"

// FDEvent enumerates the up-calls a Watcher delivers.
type FDEvent int

const (
	FDRead FDEvent = iota
	FDWrite
	FDExcept
	// FDCleared fires exactly once, after ClearFD has been called and every
	// in-flight up-call for the FD has unwound. No further up-call for that
	// FD occurs afterward.
	FDCleared
)

// FDHandler receives up-calls for a watched file descriptor. Methods are
// invoked on the Funcs' event-loop goroutine, never concurrently with each
// other for the same FD.
type FDHandler interface {
	ReadReady()
	WriteReady()
	ExceptReady()
	Cleared()
}

// Watcher is a single registered file descriptor. Enable toggles may be
// called from any goroutine; they take effect before the next poll.
type Watcher interface {
	SetReadEnable(enable bool)
	SetWriteEnable(enable bool)
	SetExceptEnable(enable bool)
	// ClearFD disarms all three enables and arranges for a single Cleared
	// up-call once no callback for this FD is in flight. It is idempotent.
	ClearFD()
}

// StopResult reports whether a timer was already in the middle of firing
// when Stop was requested.
type StopResult struct {
	AlreadyFiring bool
}

// Timer is a one-shot, restartable timer.
type Timer interface {
	// Start arms (or re-arms) the timer to fire after d.
	Start(d time.Duration)
	// Stop disarms the timer. done is invoked (possibly asynchronously, from
	// the event-loop goroutine) reporting whether the expiry callback was
	// already running when Stop was called.
	Stop(done func(StopResult))
}

// Lock is a plain mutual-exclusion lock, briefly held, never across a
// blocking I/O operation or a user callback.
type Lock interface {
	Lock()
	Unlock()
}

// LogLevel mirrors the handful of severities the stack runtime emits.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Logger is the structured logger the core uses for diagnostics. It is kept
// deliberately minimal; concrete implementations adapt a real structured
// logging library (gosio's default adapts logiface).
type Logger interface {
	Log(level LogLevel, msg string, kv ...any)
}

// Funcs is the full OS-Funcs surface consumed by the stack runtime.
type Funcs interface {
	NewLock() Lock

	// SetFD registers fd for watching and returns a Watcher. All three
	// enables start disabled.
	SetFD(fd int, handler FDHandler) (Watcher, error)

	// NewTimer creates a stopped timer; expired runs on the event-loop
	// goroutine when the timer fires.
	NewTimer(expired func()) Timer

	// RunDeferred schedules f to run on the event-loop goroutine, even when
	// called from that goroutine itself (it never runs synchronously/
	// reentrantly from inside RunDeferred).
	RunDeferred(f func())

	Alloc(size int) []byte

	Log() Logger

	// Close shuts down the background goroutine and releases the poller.
	// Watchers and timers created from this Funcs become invalid.
	Close() error
}
