package gosio

// EventType enumerates the events an Endpoint delivers to its EventCallback.
type EventType int

const (
	// EventRead delivers received data, or a non-nil Err (e.g.
	// ErrRemoteClose) when the transport signalled an error.
	EventRead EventType = iota
	// EventWriteReady reports that Write is likely to accept more bytes.
	// Only delivered while write-callback-enable is on.
	EventWriteReady
	// EventNewChannel reports a filter-multiplexed sub-channel arriving
	// (e.g. from a mux filter). Aux carries channel metadata.
	EventNewChannel
	// EventAuthBegin and the other domain events below are surfaced by
	// specific filters (certauth, telnet) and carry filter-specific
	// payloads in Buf/Aux.
	EventAuthBegin
	EventSerialSignal
)

// AuxOOB is the well-known aux tag marking out-of-band traffic.
const AuxOOB = "oob"

// EventCallback is the user-facing event sink for an Endpoint.
//
// For EventRead, the return value is the number of bytes of buf consumed
// (ignored for every other event type, where returning 0 is conventional).
type EventCallback func(ep Endpoint, event EventType, err error, buf []byte, aux []string) (consumed int)

// Endpoint is the opaque, user-facing, reference-counted I/O handle: the
// unit of Open/Close/Read/Write. It is implemented by *base.Endpoint;
// declared here, in the root package, so application code and filters can
// refer to "an endpoint" without importing package base.
type Endpoint interface {
	// Open begins the open sequence (LL open, then filter setup, handshake,
	// CheckOpenDone). done fires exactly once; Open returns ErrInProgress
	// when completion is asynchronous.
	Open(done func(err error)) error
	// OpenNochild is like Open but never installs a filter even if one is
	// configured, used for servers that hand off an already-negotiated
	// child endpoint.
	OpenNochild(done func(err error)) error
	// Close begins the close sequence (filter TryDisconnect, LL close,
	// filter Cleanup). done fires exactly once.
	Close(done func(err error)) error
	// Free releases the caller's reference. An open endpoint is implicitly
	// closed first. The last release destroys the endpoint.
	Free()

	// Write accepts bytes for transmission, returning the number of bytes
	// of sg accepted; it returns ErrNotReady before the endpoint is open.
	Write(sg [][]byte, aux []string) (int, error)

	SetReadCallbackEnable(enable bool)
	SetWriteCallbackEnable(enable bool)

	// Control implements get/set of endpoint, filter, or LL options,
	// addressed by depth (0 = endpoint, 1 = outermost filter, ...).
	Control(depth int, get bool, option string, buf []byte) ([]byte, error)

	// AllocChannel requests a new filter-multiplexed sub-channel.
	AllocChannel(args map[string]string, cb EventCallback) (Endpoint, error)

	GetRAddr() []byte
	RemoteID() string
}
