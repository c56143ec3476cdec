package gosio

import "errors"

// Error kinds the stack distinguishes and surfaces upward (see §7 of the
// design). Allocation and argument errors are returned synchronously and
// never leave an endpoint partially initialized; I/O errors are always
// delivered through the read event, never thrown into the middle of a
// write path.
var (
	// ErrNotSupported is returned immediately when a filter or lower layer
	// lacks the requested capability.
	ErrNotSupported = errors.New("gosio: not supported")
	// ErrInvalidArgument is returned immediately for a malformed call.
	ErrInvalidArgument = errors.New("gosio: invalid argument")
	// ErrNotReady is returned immediately for close when not open, or open
	// when already open or opening.
	ErrNotReady = errors.New("gosio: not ready")
	// ErrInUse marks a second Free or a second removal of the same watch.
	// Free and Watcher.ClearFD have no error return, so it is reported
	// through the logger rather than returned.
	ErrInUse = errors.New("gosio: in use")
	// ErrInProgress is returned from Open/Close to report that completion
	// will be asynchronous, followed by the relevant done callback.
	ErrInProgress = errors.New("gosio: operation in progress")
	// ErrRemoteClose reports that the peer closed the connection. The
	// endpoint remains open, from the user's point of view, until the user
	// calls Close.
	ErrRemoteClose = errors.New("gosio: remote end closed the connection")
	// ErrTimedOut reports that a handshake deadline elapsed.
	ErrTimedOut = errors.New("gosio: timed out")
	// ErrCancelled reports that Close raced an in-progress Open.
	ErrCancelled = errors.New("gosio: open cancelled by close")
)
