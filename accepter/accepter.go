// Package accepter implements the server-side counterpart to an Endpoint:
// a minimal, symmetric contract (startup, shutdown, callback-enable,
// control) that delivers newly accepted connections as a raw LowerLayer
// plus optional Filter, leaving endpoint construction (and the choice of
// EventCallback) to the caller.
package accepter

import (
	"sync"

	"github.com/joeycumines/gosio"
	"github.com/joeycumines/gosio/filter"
	"github.com/joeycumines/gosio/ll"
)

// Driver is implemented by a concrete transport listener (TCP, Unix
// socket, a pre-connected pipe pair, ...). Accepter handles
// callback-enable bookkeeping uniformly; Driver only knows how to listen.
type Driver interface {
	// Startup begins listening. The driver must call Accepter.Deliver for
	// each accepted connection from then on.
	Startup() error
	// Shutdown stops listening; done fires exactly once.
	Shutdown(done func(err error)) error
	Control(get bool, option string, buf []byte) ([]byte, error)
	Free()
}

// NewConnCallback receives a freshly accepted connection. It owns lower
// and filt from this point and is responsible for constructing (and
// opening) an endpoint around them with whatever EventCallback it wants.
type NewConnCallback func(lower ll.LowerLayer, filt filter.Filter)

// Accepter is the accepter runtime, parameterized by a transport-specific
// Driver.
type Accepter struct {
	driver Driver
	cb     NewConnCallback

	mu       sync.Mutex
	started  bool
	enabled  bool
	shutDone func(error)
}

// New returns an Accepter over driver, delivering accepted connections to
// cb whenever callbacks are enabled.
func New(driver Driver, cb NewConnCallback) *Accepter {
	return &Accepter{driver: driver, cb: cb}
}

// Startup begins listening, with callbacks enabled by default.
func (a *Accepter) Startup() error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return gosio.ErrNotReady
	}
	a.started = true
	a.enabled = true
	a.mu.Unlock()
	return a.driver.Startup()
}

// Shutdown stops listening. done fires exactly once.
func (a *Accepter) Shutdown(done func(err error)) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return gosio.ErrNotReady
	}
	a.started = false
	a.enabled = false
	a.shutDone = done
	a.mu.Unlock()

	return a.driver.Shutdown(func(err error) {
		a.mu.Lock()
		d := a.shutDone
		a.shutDone = nil
		a.mu.Unlock()
		if d != nil {
			d(err)
		}
	})
}

// SetCallbackEnable toggles whether new connections are delivered to cb;
// while disabled, accepted connections are dropped immediately.
func (a *Accepter) SetCallbackEnable(enable bool, done func()) {
	a.mu.Lock()
	a.enabled = enable
	a.mu.Unlock()
	if done != nil {
		done()
	}
}

func (a *Accepter) Control(get bool, option string, buf []byte) ([]byte, error) {
	return a.driver.Control(get, option, buf)
}

func (a *Accepter) Free() {
	a.driver.Free()
}

// Deliver is called by the Driver for each newly accepted connection. If
// callbacks are currently disabled the connection is torn down immediately
// instead of being handed to cb.
func (a *Accepter) Deliver(lower ll.LowerLayer, filt filter.Filter) {
	a.mu.Lock()
	enabled := a.enabled
	a.mu.Unlock()

	if !enabled {
		lower.Disable()
		lower.Free()
		if filt != nil {
			filt.Free()
		}
		return
	}
	a.cb(lower, filt)
}
