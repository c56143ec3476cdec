// Package mux implements a multiplexing Filter over github.com/xtaci/smux.
// Session plays the role of channel 0 in the Filter contract (an ordinary
// ULWrite/LLWrite byte stream); additional multiplexed channels are
// exposed directly as ll.LowerLayer values via OpenStreamLL (locally
// initiated) or the onChannel callback (peer-initiated), since smux's own
// session already performs the demultiplexing internally — there is no
// need to route channel bytes back through the parent's LowerLayer.
package mux

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/xtaci/smux"

	"github.com/joeycumines/gosio"
	"github.com/joeycumines/gosio/filter"
	"github.com/joeycumines/gosio/ll"
)

// Session is the channel-0 Filter driving an smux session.
type Session struct {
	server    bool
	config    *smux.Config
	onChannel func(ll.LowerLayer)

	wire *pipeConn
	ep   filter.Endpoint

	mu      sync.Mutex
	sess    *smux.Session
	started bool
	done    bool
	err     error

	defaultStream *streamBuf
	closeStarted  bool
}

// NewClient returns a client-side mux Filter. onChannel, if non-nil,
// receives each multiplexed channel the peer opens.
func NewClient(config *smux.Config, onChannel func(ll.LowerLayer)) *Session {
	return &Session{config: config, onChannel: onChannel}
}

// NewServer returns a server-side mux Filter.
func NewServer(config *smux.Config, onChannel func(ll.LowerLayer)) *Session {
	return &Session{config: config, server: true, onChannel: onChannel}
}

func (s *Session) Setup(ep filter.Endpoint) error {
	s.ep = ep
	s.wire = newPipeConn()
	return nil
}

func (s *Session) Cleanup() {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	if s.wire != nil {
		_ = s.wire.Close()
	}
}

func (s *Session) Free() {}
func (s *Session) Timeout() {}

func (s *Session) TryConnect(deadline *time.Time) (filter.Result, error) {
	s.mu.Lock()
	if !s.started {
		s.started = true
		go s.start()
	}
	done, err := s.done, s.err
	s.mu.Unlock()

	if !done {
		return filter.InProgress, nil
	}
	return filter.Done, err
}

func (s *Session) start() {
	var sess *smux.Session
	var err error
	if s.server {
		sess, err = smux.Server(s.wire, s.config)
	} else {
		sess, err = smux.Client(s.wire, s.config)
	}

	s.mu.Lock()
	s.sess = sess
	s.done = true
	s.err = err
	s.mu.Unlock()

	if err == nil {
		var stream *smux.Stream
		var serr error
		if s.server {
			stream, serr = sess.AcceptStream()
		} else {
			stream, serr = sess.OpenStream()
		}
		if serr == nil {
			sb := newStreamBuf(stream, func() {
				if s.ep != nil {
					s.ep.RecalcEnables()
				}
			})
			s.mu.Lock()
			s.defaultStream = sb
			s.mu.Unlock()
		} else {
			s.mu.Lock()
			s.err = serr
			s.mu.Unlock()
		}
		go s.acceptLoop()
	}

	if s.ep != nil {
		s.ep.RecalcEnables()
	}
}

func (s *Session) acceptLoop() {
	for {
		stream, err := s.sess.AcceptStream()
		if err != nil {
			return
		}
		if s.onChannel != nil {
			s.onChannel(&muxStreamLL{stream: stream})
		}
	}
}

// OpenStreamLL opens a new, locally initiated multiplexed channel,
// returned directly as an ll.LowerLayer for a fresh Endpoint.
func (s *Session) OpenStreamLL() (ll.LowerLayer, error) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return nil, gosio.ErrNotReady
	}
	stream, err := sess.OpenStream()
	if err != nil {
		return nil, err
	}
	return &muxStreamLL{stream: stream}, nil
}

func (s *Session) CheckOpenDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) TryDisconnect(deadline *time.Time) (filter.Result, error) {
	if !s.closeStarted {
		s.closeStarted = true
		s.mu.Lock()
		sess := s.sess
		s.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
	}
	if s.wire.pending() {
		return filter.InProgress, nil
	}
	return filter.Done, nil
}

func (s *Session) ULWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	if len(p) == 0 {
		return 0, s.drainWire(emit)
	}
	s.mu.Lock()
	ds := s.defaultStream
	s.mu.Unlock()
	if ds == nil {
		return 0, gosio.ErrNotReady
	}
	n, err := ds.stream.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.drainWire(emit)
}

func (s *Session) drainWire(emit filter.Emitter) error {
	b := s.wire.drain()
	if len(b) == 0 {
		return nil
	}
	_, err := emit(b, nil)
	return err
}

func (s *Session) LLWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	if len(p) > 0 {
		s.wire.feed(p)
	}

	s.mu.Lock()
	ds := s.defaultStream
	s.mu.Unlock()
	if ds != nil {
		if appData := ds.drain(); len(appData) > 0 {
			if _, err := emit(appData, nil); err != nil {
				return len(p), err
			}
		}
	}
	return len(p), nil
}

func (s *Session) ULReadPending() bool {
	s.mu.Lock()
	ds := s.defaultStream
	s.mu.Unlock()
	return ds != nil && ds.pending()
}

func (s *Session) LLWritePending() bool { return s.wire.pending() }
func (s *Session) LLReadNeeded() bool   { return true }

func (s *Session) Control(get bool, option string, buf []byte) ([]byte, error) {
	return nil, filter.ErrNotSupported
}

// OpenChannel is not supported through the generic Filter contract: mux
// channels are created via OpenStreamLL (they bypass the parent's
// LowerLayer entirely, so base.Endpoint.AllocChannel's shared-LL channel
// model doesn't apply here).
func (s *Session) OpenChannel(args map[string]string) (filter.Filter, error) {
	return nil, filter.ErrNotSupported
}

// streamBuf buffers decoded bytes read from the default (channel-0)
// stream so Session.LLWrite can hand them to the user synchronously.
type streamBuf struct {
	stream *smux.Stream
	mu     sync.Mutex
	buf    bytes.Buffer
}

func newStreamBuf(stream *smux.Stream, notify func()) *streamBuf {
	sb := &streamBuf{stream: stream}
	go func() {
		b := make([]byte, 32*1024)
		for {
			n, err := stream.Read(b)
			if n > 0 {
				sb.mu.Lock()
				sb.buf.Write(b[:n])
				sb.mu.Unlock()
				if notify != nil {
					notify()
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return sb
}

func (sb *streamBuf) drain() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.buf.Len() == 0 {
		return nil
	}
	b := make([]byte, sb.buf.Len())
	_, _ = sb.buf.Read(b)
	return b
}

func (sb *streamBuf) pending() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.buf.Len() > 0
}

// muxStreamLL adapts an additional multiplexed *smux.Stream into a full
// ll.LowerLayer, for use as the transport beneath an independent Endpoint.
type muxStreamLL struct {
	stream  *smux.Stream
	handler ll.Handler
}

func (m *muxStreamLL) SetCallback(h ll.Handler) { m.handler = h }

func (m *muxStreamLL) Open(done ll.OpenDone) error {
	m.startReadLoop()
	return nil
}

func (m *muxStreamLL) startReadLoop() {
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := m.stream.Read(buf)
			if n > 0 && m.handler != nil {
				m.handler.HandleRead(nil, buf[:n], nil)
			}
			if err != nil {
				if m.handler != nil {
					m.handler.HandleRead(err, nil, nil)
				}
				return
			}
		}
	}()
}

// WriteSG writes directly to the stream. smux applies its own flow control
// and may block briefly under backpressure; unlike the FD lower layer this
// is not strictly non-blocking, a known simplification for layering atop a
// library whose Stream.Write is synchronous.
func (m *muxStreamLL) WriteSG(sg [][]byte, aux []string) (int, error) {
	total := 0
	for _, b := range sg {
		n, err := m.stream.Write(b)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (m *muxStreamLL) RAddrToString() string { return "" }
func (m *muxStreamLL) GetRAddr() []byte      { return nil }
func (m *muxStreamLL) RemoteID() string      { return "" }

func (m *muxStreamLL) Close(done ll.CloseDone) error {
	return m.stream.Close()
}

func (m *muxStreamLL) SetReadCallbackEnable(enable bool)  {}
func (m *muxStreamLL) SetWriteCallbackEnable(enable bool) {}

func (m *muxStreamLL) Control(get bool, option string, buf []byte) ([]byte, error) {
	return nil, ll.ErrNotSupported
}

func (m *muxStreamLL) Disable() { _ = m.stream.Close() }
func (m *muxStreamLL) Free()    {}

// pipeConn is a minimal net.Conn backed by two byte queues, standing in
// for the wire side of the smux session.
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

func (p *pipeConn) LocalAddr() net.Addr              { return pipeAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr             { return pipeAddr{} }
func (p *pipeConn) SetDeadline(time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
