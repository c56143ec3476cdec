// Package ll defines the pluggable transport contract ("Lower Layer")
// driven by the stack runtime in package base. Concrete transports (TCP,
// UDP, serial, stdio, subprocess, or another endpoint via package bridge)
// all satisfy this interface.
package ll

import "errors"

// ErrNotSupported is returned by Control when a lower layer has no
// implementation for the requested option.
var ErrNotSupported = errors.New("ll: not supported")

// Event is the shape of an up-call delivered to a Handler.
type Event int

const (
	// Read reports that data is available; Err may be non-nil (e.g.
	// REMCLOSE), Buf/Aux carry the payload and metadata.
	Read Event = iota
	// WriteReady reports that the transport can accept more writes.
	WriteReady
)

// Handler receives up-calls from a LowerLayer. Implemented by package base
// (the Base Endpoint) and, internally, by transport/stdio's read and write
// sides; package bridge's filter-as-LL adapter is a LowerLayer, not a Handler.
type Handler interface {
	// HandleRead delivers a Read event. Returns the number of bytes of buf
	// consumed; the remainder is re-offered on the next delivery.
	HandleRead(err error, buf []byte, aux []string) (consumed int)
	// HandleWriteReady delivers a WriteReady event.
	HandleWriteReady()
}

// OpenDone and CloseDone are the completion callbacks for asynchronous
// open/close.
type OpenDone func(err error)
type CloseDone func(err error)

// LowerLayer is the transport abstraction at the bottom of an endpoint's
// filter stack.
type LowerLayer interface {
	// SetCallback installs the up-call handler. Called once, before Open.
	SetCallback(h Handler)

	// WriteSG writes a scatter-gather buffer list tagged with aux metadata,
	// returning the number of bytes accepted. Never blocks.
	WriteSG(sg [][]byte, aux []string) (n int, err error)

	RAddrToString() string
	GetRAddr() []byte
	RemoteID() string

	// Open begins opening the transport. If it completes synchronously it
	// returns nil; an implementation may still report that completion to
	// done later, never from inside Open (fdll does so through the deferred
	// runner), so a caller must ignore a done that follows a nil return.
	// If it returns ErrInProgress, done fires exactly once later; any other
	// error means the open failed and done is not called.
	Open(done OpenDone) error
	// Close begins closing the transport. It returns nil when closing
	// completed synchronously, in which case done is not called; if it
	// returns ErrInProgress, done fires exactly once later.
	Close(done CloseDone) error

	SetReadCallbackEnable(enable bool)
	SetWriteCallbackEnable(enable bool)

	Control(get bool, option string, buf []byte) ([]byte, error)
	// Disable forces an immediate, non-graceful teardown: no more up-calls
	// will be delivered and the transport must not be used again.
	Disable()
	// Free releases the lower layer. Called at most once; the base calls it
	// from its own final Free, which may happen while a Close the base
	// started is still completing.
	Free()
}

// ErrInProgress is returned by Open/Close when completion is asynchronous.
var ErrInProgress = errors.New("ll: operation in progress")
