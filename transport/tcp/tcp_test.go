package tcp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func TestResolveSockaddr_IPv4(t *testing.T) {
	a := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1234}
	domain, sa := resolveSockaddr(a)
	assert.Equal(t, unix.AF_INET, domain)

	s4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, 1234, s4.Port)
	assert.Equal(t, []byte{192, 0, 2, 1}, s4.Addr[:])
}

func TestResolveSockaddr_IPv6(t *testing.T) {
	a := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 443}
	domain, sa := resolveSockaddr(a)
	assert.Equal(t, unix.AF_INET6, domain)

	s6, ok := sa.(*unix.SockaddrInet6)
	require.True(t, ok)
	assert.Equal(t, 443, s6.Port)
	assert.Equal(t, net.ParseIP("2001:db8::1").To16(), net.IP(s6.Addr[:]))
}

func TestDialer_RAddrHelpers(t *testing.T) {
	ra := &net.TCPAddr{IP: net.ParseIP("198.51.100.7"), Port: 8080}
	d := &dialer{raddr: ra}

	assert.Equal(t, ra.String(), d.RAddrToString())
	assert.Equal(t, ra.String(), string(d.GetRAddr()))
	assert.Equal(t, ra.String(), d.RemoteID())
}
