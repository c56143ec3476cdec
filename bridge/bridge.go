// Package bridge lets a fully negotiated Endpoint serve as the Lower Layer
// beneath another Endpoint, so one protocol stack can be layered on top of
// another (e.g. an endpoint speaking a framing protocol sitting on top of
// an already-open TLS endpoint).
package bridge

import (
	"github.com/joeycumines/gosio"
	"github.com/joeycumines/gosio/ll"
)

// LL adapts a child gosio.Endpoint into an ll.LowerLayer. Construct with
// New, wire the child with SetChild, and pass LL.EventCallback as the
// child's event callback so up-calls reach the outer endpoint's Handler.
type LL struct {
	child   gosio.Endpoint
	handler ll.Handler
}

// New returns an LL with no child set yet.
func New() *LL {
	return &LL{}
}

// SetChild installs the child endpoint this LL wraps. Must be called
// before Open.
func (b *LL) SetChild(child gosio.Endpoint) {
	b.child = child
}

// EventCallback is the child endpoint's EventCallback: it translates the
// child's events into ll.Handler up-calls for whatever sits above this
// bridge.
func (b *LL) EventCallback(ep gosio.Endpoint, event gosio.EventType, err error, buf []byte, aux []string) int {
	if b.handler == nil {
		return 0
	}
	switch event {
	case gosio.EventRead:
		return b.handler.HandleRead(err, buf, aux)
	case gosio.EventWriteReady:
		b.handler.HandleWriteReady()
	}
	return 0
}

func (b *LL) SetCallback(h ll.Handler) {
	b.handler = h
}

func (b *LL) WriteSG(sg [][]byte, aux []string) (int, error) {
	return b.child.Write(sg, aux)
}

func (b *LL) RAddrToString() string { return "" }
func (b *LL) GetRAddr() []byte      { return b.child.GetRAddr() }
func (b *LL) RemoteID() string      { return b.child.RemoteID() }

func (b *LL) Open(done ll.OpenDone) error {
	err := b.child.Open(func(err error) {
		if done != nil {
			done(err)
		}
	})
	switch err {
	case nil:
		return nil
	case gosio.ErrInProgress:
		return ll.ErrInProgress
	default:
		return err
	}
}

func (b *LL) Close(done ll.CloseDone) error {
	err := b.child.Close(func(err error) {
		if done != nil {
			done(err)
		}
	})
	switch err {
	case nil:
		return nil
	case gosio.ErrInProgress:
		return ll.ErrInProgress
	default:
		return err
	}
}

func (b *LL) SetReadCallbackEnable(enable bool) { b.child.SetReadCallbackEnable(enable) }

func (b *LL) SetWriteCallbackEnable(enable bool) { b.child.SetWriteCallbackEnable(enable) }

func (b *LL) Control(get bool, option string, buf []byte) ([]byte, error) {
	return b.child.Control(1, get, option, buf)
}

// Disable releases the child via Free. gosio.Endpoint has no hard-abort
// operation, so a child that is still open is closed through its normal
// Close sequence.
func (b *LL) Disable() {
	b.child.Free()
}

func (b *LL) Free() {
	b.child.Free()
}
