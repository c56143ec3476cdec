//go:build linux

package osfuncs

import (
	"time"

	"golang.org/x/sys/unix"
)

// sysPoller wraps epoll. Adapted from the direct-FD-indexed epoll wrapper
// used by the event-loop poller this package is modeled on; trimmed down to
// the three readiness classes the stack runtime needs (read/write/except)
// and made level-triggered, since the core re-arms watches itself rather
// than relying on edge-triggered re-registration.
type sysPoller struct {
	epfd int
	buf  [128]unix.EpollEvent
}

func newSysPoller() (*sysPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &sysPoller{epfd: fd}, nil
}

func epollMask(r, w, e bool) uint32 {
	var m uint32
	if r {
		m |= unix.EPOLLIN
	}
	if w {
		m |= unix.EPOLLOUT
	}
	// EPOLLERR and EPOLLHUP are always reported by the kernel regardless of
	// the requested mask; EPOLLPRI covers out-of-band/exceptional data.
	if e {
		m |= unix.EPOLLPRI
	}
	return m
}

func (p *sysPoller) add(fd int, r, w, e bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollMask(r, w, e),
		Fd:     int32(fd),
	})
}

func (p *sysPoller) modify(fd int, r, w, e bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollMask(r, w, e),
		Fd:     int32(fd),
	})
}

func (p *sysPoller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *sysPoller) wait(timeout time.Duration, cb func(fd int, r, w, e bool)) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, p.buf[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := p.buf[i]
		r := ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
		w := ev.Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0
		e := ev.Events&(unix.EPOLLPRI|unix.EPOLLERR) != 0
		cb(int(ev.Fd), r, w, e)
	}
	return nil
}

func (p *sysPoller) close() error {
	return unix.Close(p.epfd)
}
