// Package certauth adds peer certificate authorization on top of an inner
// Filter (normally filters/tlsfilter): once the inner filter's handshake
// completes, it asks the inner filter's Control("peer-certificates") for
// the peer's DER certificate data (the TLS filter returns the leaf that
// crypto/tls has already verified under its own config), parses it with
// x509.ParseCertificates and checks the first certificate against a
// caller-supplied policy before allowing TryConnect to succeed. This filter
// performs no chain verification of its own. Grounded on crypto/x509's
// certificate parsing — there is no third-party alternative in the example
// pack for certificate handling.
package certauth

import (
	"crypto/x509"
	"time"

	"github.com/joeycumines/gosio"
	"github.com/joeycumines/gosio/filter"
)

// PolicyFunc decides whether a verified leaf certificate is authorized.
type PolicyFunc func(leaf *x509.Certificate) error

// Filter gates TryConnect completion on a peer-certificate policy check.
type Filter struct {
	inner  filter.Filter
	policy PolicyFunc

	checked bool
	authErr error
}

// New wraps inner (typically a filters/tlsfilter.Filter) with a
// certificate authorization policy.
func New(inner filter.Filter, policy PolicyFunc) *Filter {
	return &Filter{inner: inner, policy: policy}
}

func (f *Filter) Setup(ep filter.Endpoint) error { return f.inner.Setup(ep) }
func (f *Filter) Cleanup()                       { f.inner.Cleanup() }
func (f *Filter) Free()                          { f.inner.Free() }
func (f *Filter) Timeout()                        { f.inner.Timeout() }

func (f *Filter) TryConnect(deadline *time.Time) (filter.Result, error) {
	res, err := f.inner.TryConnect(deadline)
	if err != nil || res != filter.Done {
		return res, err
	}
	if !f.checked {
		f.checked = true
		f.authErr = f.checkPeer()
	}
	if f.authErr != nil {
		return filter.Done, f.authErr
	}
	return filter.Done, nil
}

func (f *Filter) checkPeer() error {
	raw, err := f.inner.Control(true, "peer-certificates", nil)
	if err != nil {
		return err
	}
	certs, err := x509.ParseCertificates(raw)
	if err != nil || len(certs) == 0 {
		return gosio.ErrInvalidArgument
	}
	if f.policy == nil {
		return nil
	}
	return f.policy(certs[0])
}

func (f *Filter) TryDisconnect(deadline *time.Time) (filter.Result, error) {
	return f.inner.TryDisconnect(deadline)
}

func (f *Filter) CheckOpenDone() error {
	if err := f.inner.CheckOpenDone(); err != nil {
		return err
	}
	return f.authErr
}

func (f *Filter) ULWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	return f.inner.ULWrite(p, aux, emit)
}

func (f *Filter) LLWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	return f.inner.LLWrite(p, aux, emit)
}

func (f *Filter) ULReadPending() bool  { return f.inner.ULReadPending() }
func (f *Filter) LLWritePending() bool { return f.inner.LLWritePending() }
func (f *Filter) LLReadNeeded() bool   { return f.inner.LLReadNeeded() }

func (f *Filter) Control(get bool, option string, buf []byte) ([]byte, error) {
	return f.inner.Control(get, option, buf)
}

func (f *Filter) OpenChannel(args map[string]string) (filter.Filter, error) {
	return f.inner.OpenChannel(args)
}
