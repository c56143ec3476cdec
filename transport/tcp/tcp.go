// Package tcp provides a TCP transport: Dial builds a client-side
// ll.LowerLayer, Listen builds an accepter.Accepter delivering accepted
// connections. Both are built directly on raw non-blocking sockets via
// golang.org/x/sys/unix and package fdll, the same style the rest of the
// stack runtime uses rather than net.Conn/net.Listener.
package tcp

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/gosio/accepter"
	"github.com/joeycumines/gosio/fdll"
	"github.com/joeycumines/gosio/filter"
	"github.com/joeycumines/gosio/internal/osfuncs"
	"github.com/joeycumines/gosio/ll"
)

const defaultReadBuf = 64 * 1024

func resolveSockaddr(a *net.TCPAddr) (domain int, sa unix.Sockaddr) {
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

// Dial creates a client-side TCP lower layer connecting to addr
// ("host:port"); the connect completes asynchronously through fdll's
// CheckOpenHook machinery.
func Dial(funcs osfuncs.Funcs, addr string, log osfuncs.Logger) (ll.LowerLayer, error) {
	ra, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	domain, sa := resolveSockaddr(ra)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, err
	}

	drv := &dialer{raddr: ra}
	return fdll.New(funcs, fd, drv, defaultReadBuf, log), nil
}

type dialer struct {
	raddr *net.TCPAddr
}

func (d *dialer) CheckOpen(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return syscall.Errno(errno)
	}
	return nil
}

func (d *dialer) RAddrToString() string { return d.raddr.String() }
func (d *dialer) GetRAddr() []byte      { return []byte(d.raddr.String()) }
func (d *dialer) RemoteID() string      { return d.raddr.String() }

// Listener is an accepter.Driver backed by a listening TCP socket.
type Listener struct {
	funcs     osfuncs.Funcs
	log       osfuncs.Logger
	fd        int
	watcher   osfuncs.Watcher
	newFilter func() filter.Filter
	acc       *accepter.Accepter
}

// Listen binds and listens on addr, returning the accepter.Accepter that
// drives it. newFilter, if non-nil, is called once per accepted connection
// to build that connection's Filter stack.
func Listen(funcs osfuncs.Funcs, addr string, newFilter func() filter.Filter, cb accepter.NewConnCallback, log osfuncs.Logger) (*accepter.Accepter, error) {
	la, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	domain, sa := resolveSockaddr(la)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
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
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	l := &Listener{funcs: funcs, log: log, fd: fd, newFilter: newFilter}
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
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}

		var sa unix.Sockaddr
		sa, _ = unix.Getpeername(fd)
		raddr := sockaddrString(sa)

		drv := &acceptedDriver{raddr: raddr}
		lower := fdll.New(l.funcs, fd, drv, defaultReadBuf, l.log)

		var filt filter.Filter
		if l.newFilter != nil {
			filt = l.newFilter()
		}
		l.acc.Deliver(lower, filt)
	}
}

func (l *Listener) WriteReady()  {}
func (l *Listener) ExceptReady() {}
func (l *Listener) Cleared()     {}

type acceptedDriver struct {
	raddr string
}

func (d *acceptedDriver) RAddrToString() string { return d.raddr }
func (d *acceptedDriver) GetRAddr() []byte      { return []byte(d.raddr) }
func (d *acceptedDriver) RemoteID() string      { return d.raddr }

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
