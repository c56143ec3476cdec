// Package udp provides a UDP transport. Unlike tcp, a UDP lower layer is
// datagram-oriented rather than stream-oriented, so it does not reuse
// package fdll's buffered byte-stream reassembly: each HandleRead delivery
// is exactly one datagram. Dial builds a connected-mode client lower
// layer; Listen builds an accepter.Accepter that demultiplexes inbound
// datagrams by source address, synthesizing one lower layer per peer the
// same way tcp's Listener hands off one lower layer per accepted socket.
package udp

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/gosio/accepter"
	"github.com/joeycumines/gosio/filter"
	"github.com/joeycumines/gosio/internal/osfuncs"
	"github.com/joeycumines/gosio/ll"
)

const maxDatagram = 64 * 1024

func resolveSockaddr(a *net.UDPAddr) (domain int, sa unix.Sockaddr) {
	ip4 := a.IP.To4()
	if ip4 != nil {
		s := &unix.SockaddrInet4{Port: a.Port}
		copy(s.Addr[:], ip4)
		return unix.AF_INET, s
	}
	s := &unix.SockaddrInet6{Port: a.Port}
	copy(s.Addr[:], a.IP.To16())
	return unix.AF_INET6, s
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), itoa(a.Port))
	default:
		return ""
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// clientLL is a connected-mode UDP lower layer: one fixed remote peer, one
// fd, driven directly by funcs' FD watcher (no fdll buffering, since each
// read is a whole datagram rather than a byte stream to reassemble).
type clientLL struct {
	funcs osfuncs.Funcs
	log   osfuncs.Logger
	fd    int
	raddr *net.UDPAddr

	mu      sync.Mutex
	watcher osfuncs.Watcher
	handler ll.Handler
}

// Dial creates a client-side UDP lower layer with a fixed remote peer.
func Dial(funcs osfuncs.Funcs, addr string, log osfuncs.Logger) (ll.LowerLayer, error) {
	ra, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	domain, sa := resolveSockaddr(ra)
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return nil, err
	}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &clientLL{funcs: funcs, log: log, fd: fd, raddr: ra}, nil
}

func (c *clientLL) SetCallback(h ll.Handler) { c.handler = h }

func (c *clientLL) Open(done ll.OpenDone) error {
	w, err := c.funcs.SetFD(c.fd, c)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()
	w.SetReadEnable(true)
	return nil
}

func (c *clientLL) Close(done ll.CloseDone) error {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	if w != nil {
		w.ClearFD()
	}
	_ = unix.Close(c.fd)
	if done != nil {
		c.funcs.RunDeferred(func() { done(nil) })
	}
	return ll.ErrInProgress
}

func (c *clientLL) WriteSG(sg [][]byte, aux []string) (int, error) {
	total := 0
	for _, b := range sg {
		n, err := unix.Write(c.fd, b)
		total += n
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

func (c *clientLL) RAddrToString() string { return c.raddr.String() }
func (c *clientLL) GetRAddr() []byte      { return []byte(c.raddr.String()) }
func (c *clientLL) RemoteID() string      { return c.raddr.String() }

func (c *clientLL) SetReadCallbackEnable(enable bool) {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	if w != nil {
		w.SetReadEnable(enable)
	}
}

func (c *clientLL) SetWriteCallbackEnable(enable bool) {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	if w != nil {
		w.SetWriteEnable(enable)
	}
}

func (c *clientLL) Control(get bool, option string, buf []byte) ([]byte, error) {
	return nil, ll.ErrNotSupported
}

func (c *clientLL) Disable() {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	if w != nil {
		w.ClearFD()
	}
	_ = unix.Close(c.fd)
}

func (c *clientLL) Free() {}

// --- osfuncs.FDHandler ---

func (c *clientLL) ReadReady() {
	buf := make([]byte, maxDatagram)
	for {
		n, err := unix.Read(c.fd, buf)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK && c.handler != nil {
				c.handler.HandleRead(err, nil, nil)
			}
			return
		}
		if c.handler != nil {
			c.handler.HandleRead(nil, buf[:n], nil)
		}
	}
}

func (c *clientLL) WriteReady() {
	if c.handler != nil {
		c.handler.HandleWriteReady()
	}
}
func (c *clientLL) ExceptReady() {}
func (c *clientLL) Cleared()     {}

// peerLL is the per-source-address lower layer a Listener synthesizes for
// each new UDP peer it observes, sharing the listening socket's fd.
type peerLL struct {
	l       *Listener
	raddr   string
	sa      unix.Sockaddr
	handler ll.Handler
}

func (p *peerLL) SetCallback(h ll.Handler) { p.handler = h }
func (p *peerLL) Open(done ll.OpenDone) error { return nil }
func (p *peerLL) Close(done ll.CloseDone) error {
	p.l.mu.Lock()
	delete(p.l.peers, p.raddr)
	p.l.mu.Unlock()
	if done != nil {
		p.l.funcs.RunDeferred(func() { done(nil) })
	}
	return ll.ErrInProgress
}

func (p *peerLL) WriteSG(sg [][]byte, aux []string) (int, error) {
	total := 0
	for _, b := range sg {
		if err := unix.Sendto(p.l.fd, b, 0, p.sa); err != nil {
			return total, err
		}
		total += len(b)
	}
	return total, nil
}

func (p *peerLL) RAddrToString() string { return p.raddr }
func (p *peerLL) GetRAddr() []byte      { return []byte(p.raddr) }
func (p *peerLL) RemoteID() string      { return p.raddr }

func (p *peerLL) SetReadCallbackEnable(enable bool)  {}
func (p *peerLL) SetWriteCallbackEnable(enable bool) {}

func (p *peerLL) Control(get bool, option string, buf []byte) ([]byte, error) {
	return nil, ll.ErrNotSupported
}

func (p *peerLL) Disable() {
	p.l.mu.Lock()
	delete(p.l.peers, p.raddr)
	p.l.mu.Unlock()
}

func (p *peerLL) Free() {}

// Listener is an accepter.Driver backed by a single bound UDP socket,
// demultiplexing datagrams by source address into per-peer lower layers.
type Listener struct {
	funcs     osfuncs.Funcs
	log       osfuncs.Logger
	fd        int
	watcher   osfuncs.Watcher
	newFilter func() filter.Filter
	acc       *accepter.Accepter

	mu    sync.Mutex
	peers map[string]*peerLL
}

// Listen binds addr and returns the accepter.Accepter driving it.
func Listen(funcs osfuncs.Funcs, addr string, newFilter func() filter.Filter, cb accepter.NewConnCallback, log osfuncs.Logger) (*accepter.Accepter, error) {
	la, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	domain, sa := resolveSockaddr(la)
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	l := &Listener{funcs: funcs, log: log, fd: fd, newFilter: newFilter, peers: make(map[string]*peerLL)}
	l.acc = accepter.New(l, cb)
	return l.acc, nil
}

func (l *Listener) Startup() error {
	w, err := l.funcs.SetFD(l.fd, l)
	if err != nil {
		return err
	}
	l.watcher = w
	w.SetReadEnable(true)
	return nil
}

func (l *Listener) Shutdown(done func(err error)) error {
	if l.watcher != nil {
		l.watcher.ClearFD()
	}
	_ = unix.Close(l.fd)
	if done != nil {
		l.funcs.RunDeferred(func() { done(nil) })
	}
	return nil
}

func (l *Listener) Control(get bool, option string, buf []byte) ([]byte, error) {
	return nil, ll.ErrNotSupported
}

func (l *Listener) Free() {}

// --- osfuncs.FDHandler ---

func (l *Listener) ReadReady() {
	buf := make([]byte, maxDatagram)
	for {
		n, sa, err := unix.Recvfrom(l.fd, buf, 0)
		if err != nil {
			return
		}
		raddr := sockaddrString(sa)

		l.mu.Lock()
		p, ok := l.peers[raddr]
		if !ok {
			p = &peerLL{l: l, raddr: raddr, sa: sa}
			l.peers[raddr] = p
		}
		l.mu.Unlock()

		if !ok {
			var filt filter.Filter
			if l.newFilter != nil {
				filt = l.newFilter()
			}
			l.acc.Deliver(p, filt)
		}
		if p.handler != nil {
			p.handler.HandleRead(nil, buf[:n], nil)
		}
	}
}

func (l *Listener) WriteReady()  {}
func (l *Listener) ExceptReady() {}
func (l *Listener) Cleared()     {}
