// Package filter defines the pluggable protocol-layer contract the stack
// runtime (package base) drives. A Filter is a stateful translator between
// an upper-layer (user-facing) byte stream and a lower-layer (transport)
// byte stream: TLS, message framing, multiplexing, telnet option
// negotiation, certificate auth, and rate limiting are all filters.
package filter

import (
	"errors"
	"time"
)

// Result is the tri-state outcome of TryConnect/TryDisconnect.
type Result int

const (
	// Done reports that the operation completed.
	Done Result = iota
	// InProgress reports that the caller should retry as soon as any I/O
	// happens on the lower layer (no timer needed).
	InProgress
	// RetryLater reports that the caller should retry on I/O or once the
	// deadline written back via the *time.Time argument elapses.
	RetryLater
)

// ErrNotSupported is returned by Control when a filter has no handler for
// the requested option.
var ErrNotSupported = errors.New("filter: not supported")

// Emitter is the low-level sink a filter drains into: ULWrite drains into
// the lower layer's write path (ll_emit_fn in the design), LLWrite drains
// into the user-facing read callback (ul_emit_fn). It returns the number of
// bytes it consumed/accepted and an error.
type Emitter func(p []byte, aux []string) (n int, err error)

// Endpoint is the minimal surface a Filter's base-callback needs from the
// owning endpoint: requesting an enable-recalculation pass and starting or
// stopping the filter's timer. Implemented by base.Endpoint; kept here as
// a narrow interface so filters don't import package base.
type Endpoint interface {
	// RecalcEnables asks the base to re-derive LL read/write enables and
	// drain any now-pending filter output.
	RecalcEnables()
	// SetTimer arms (d>0) or disarms (d<=0) the filter's single timer.
	SetTimer(d time.Duration)
}

// Filter is the full contract described by the stack runtime design.
// Every method is synchronous, non-blocking, and is only ever called by
// the base while the owning endpoint's lock is held, except Free, which the
// base calls after releasing the lock once the last reference is gone.
type Filter interface {
	// TryConnect drives the handshake loop. deadline is read/write: the
	// filter may write back a new deadline when returning RetryLater.
	TryConnect(deadline *time.Time) (Result, error)
	// TryDisconnect drives a graceful shutdown (e.g. TLS close_notify).
	TryDisconnect(deadline *time.Time) (Result, error)

	// ULWrite accepts user bytes bound for the lower layer. If p is empty
	// it instead drains any internally buffered output into emit (the LL's
	// write path). Returns bytes of p consumed.
	ULWrite(p []byte, aux []string, emit Emitter) (n int, err error)
	// LLWrite accepts bytes arriving from the lower layer. If p is empty it
	// instead drains any internally buffered output into emit (the user
	// read callback). Returns bytes of p consumed.
	LLWrite(p []byte, aux []string, emit Emitter) (n int, err error)

	// ULReadPending reports whether there is decoded data waiting to be
	// pushed to the user.
	ULReadPending() bool
	// LLWritePending reports whether there is encoded data waiting to be
	// written to the transport.
	LLWritePending() bool
	// LLReadNeeded reports whether the transport must supply more input
	// before the filter can make progress.
	LLReadNeeded() bool

	// CheckOpenDone is the final gate after TryConnect succeeds; a non-nil
	// error aborts the open.
	CheckOpenDone() error

	// Timeout is invoked when the filter's requested timer fires.
	Timeout()
	// Setup is called once, before the handshake begins, with the narrow
	// Endpoint surface the filter may use to request enable recalculation
	// and timers.
	Setup(ep Endpoint) error
	// Cleanup releases handshake-scoped state once the endpoint is closed.
	Cleanup()
	// Free releases all filter state. Called at most once.
	Free()

	// Control implements get/set of filter-specific options. buf is both
	// input and output.
	Control(get bool, option string, buf []byte) ([]byte, error)
	// OpenChannel requests a filter-multiplexed sub-channel, for filters
	// that support it (e.g. mux). Returns ErrNotSupported otherwise.
	OpenChannel(args map[string]string) (Filter, error)
}
