// Package tlsfilter wraps crypto/tls as a Filter. crypto/tls only exposes a
// blocking net.Conn-shaped API, so this filter bridges it to the
// synchronous, non-blocking Filter contract with an internal pipeConn (a
// minimal net.Conn backed by byte queues) plus two background goroutines:
// one drives tls.Conn.Handshake, the other drains tls.Conn.Read into a
// buffer that LLWrite/recalc hand to the user. No third-party TLS library
// in the example pack offers a non-blocking record layer, so this is one
// of the few components grounded on the standard library by necessity
// (see the design notes for the justification).
package tlsfilter

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/joeycumines/gosio/filter"
)

// Filter is a TLS Filter. Build with NewClient or NewServer.
type Filter struct {
	conf   *tls.Config
	server bool

	wire    *pipeConn
	tlsConn *tls.Conn
	ep      filter.Endpoint

	mu               sync.Mutex
	started          bool
	done             bool
	hsErr            error
	readLoopStarted  bool
	closeStarted     bool
	appBuf           bytes.Buffer
}

// NewClient returns a client-side TLS Filter.
func NewClient(conf *tls.Config) *Filter {
	return &Filter{conf: conf}
}

// NewServer returns a server-side TLS Filter.
func NewServer(conf *tls.Config) *Filter {
	return &Filter{conf: conf, server: true}
}

func (f *Filter) Setup(ep filter.Endpoint) error {
	f.ep = ep
	f.wire = newPipeConn()
	if f.server {
		f.tlsConn = tls.Server(f.wire, f.conf)
	} else {
		f.tlsConn = tls.Client(f.wire, f.conf)
	}
	return nil
}

func (f *Filter) Cleanup() {
	if f.wire != nil {
		_ = f.wire.Close()
	}
}

func (f *Filter) Free() {}

func (f *Filter) Timeout() {}

func (f *Filter) TryConnect(deadline *time.Time) (filter.Result, error) {
	f.mu.Lock()
	if !f.started {
		f.started = true
		go f.runHandshake()
	}
	done, err := f.done, f.hsErr
	f.mu.Unlock()

	if !done {
		return filter.InProgress, nil
	}
	return filter.Done, err
}

func (f *Filter) runHandshake() {
	err := f.tlsConn.Handshake()
	f.mu.Lock()
	f.done = true
	f.hsErr = err
	f.mu.Unlock()
	if f.ep != nil {
		f.ep.RecalcEnables()
	}
	if err == nil {
		f.startReadLoop()
	}
}

func (f *Filter) startReadLoop() {
	f.mu.Lock()
	if f.readLoopStarted {
		f.mu.Unlock()
		return
	}
	f.readLoopStarted = true
	f.mu.Unlock()

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := f.tlsConn.Read(buf)
			if n > 0 {
				f.mu.Lock()
				f.appBuf.Write(buf[:n])
				f.mu.Unlock()
				if f.ep != nil {
					f.ep.RecalcEnables()
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

func (f *Filter) CheckOpenDone() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hsErr
}

func (f *Filter) TryDisconnect(deadline *time.Time) (filter.Result, error) {
	if !f.closeStarted {
		f.closeStarted = true
		_ = f.tlsConn.Close()
	}
	if f.wire.pending() {
		return filter.InProgress, nil
	}
	return filter.Done, nil
}

// ULWrite encrypts p via tls.Conn.Write (which never blocks against
// pipeConn) and offers the resulting ciphertext to emit.
func (f *Filter) ULWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	if len(p) == 0 {
		return 0, f.drainWire(emit)
	}
	n, err := f.tlsConn.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.drainWire(emit); err != nil {
		return n, err
	}
	return n, nil
}

func (f *Filter) drainWire(emit filter.Emitter) error {
	b := f.wire.drain()
	if len(b) == 0 {
		return nil
	}
	_, err := emit(b, nil)
	return err
}

// LLWrite feeds ciphertext p to the TLS state machine and offers any
// decrypted application data (already produced by the read-loop goroutine)
// to emit. Response ciphertext (handshake messages, alerts) stays queued
// for LLWritePending and the ULWrite drain.
func (f *Filter) LLWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	if len(p) > 0 {
		f.wire.feed(p)
	}

	f.mu.Lock()
	var appData []byte
	if f.appBuf.Len() > 0 {
		appData = make([]byte, f.appBuf.Len())
		f.appBuf.Read(appData)
	}
	f.mu.Unlock()

	if len(appData) > 0 {
		if _, err := emit(appData, nil); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (f *Filter) ULReadPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appBuf.Len() > 0
}

func (f *Filter) LLWritePending() bool { return f.wire.pending() }
func (f *Filter) LLReadNeeded() bool   { return true }

func (f *Filter) Control(get bool, option string, buf []byte) ([]byte, error) {
	switch option {
	case "cipher-suite":
		cs := f.tlsConn.ConnectionState().CipherSuite
		return []byte(tls.CipherSuiteName(cs)), nil
	case "peer-certificates":
		certs := f.tlsConn.ConnectionState().PeerCertificates
		if len(certs) == 0 {
			return nil, filter.ErrNotSupported
		}
		return certs[0].Raw, nil
	}
	return nil, filter.ErrNotSupported
}

func (f *Filter) OpenChannel(args map[string]string) (filter.Filter, error) {
	return nil, filter.ErrNotSupported
}

// pipeConn is a minimal net.Conn backed by two byte queues, standing in
// for the wire side of the TLS handshake so crypto/tls's blocking Read
// never stalls anything but its own dedicated goroutine.
type pipeConn struct {
	mu         sync.Mutex
	cond       *sync.Cond
	fromFilter bytes.Buffer
	toFilter   bytes.Buffer
	closed     bool
}

func newPipeConn() *pipeConn {
	p := &pipeConn{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipeConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.fromFilter.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.fromFilter.Len() == 0 {
		return 0, io.EOF
	}
	return p.fromFilter.Read(b)
}

func (p *pipeConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	n, _ := p.toFilter.Write(b)
	p.mu.Unlock()
	p.cond.Broadcast()
	return n, nil
}

func (p *pipeConn) feed(b []byte) {
	p.mu.Lock()
	p.fromFilter.Write(b)
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *pipeConn) drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.toFilter.Len() == 0 {
		return nil
	}
	b := make([]byte, p.toFilter.Len())
	_, _ = p.toFilter.Read(b)
	return b
}

func (p *pipeConn) pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toFilter.Len() > 0
}

func (p *pipeConn) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return nil
}

func (p *pipeConn) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *pipeConn) SetDeadline(time.Time) error        { return nil }
func (p *pipeConn) SetReadDeadline(time.Time) error    { return nil }
func (p *pipeConn) SetWriteDeadline(time.Time) error   { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
