//go:build darwin

package osfuncs

import (
	"time"

	"golang.org/x/sys/unix"
)

// sysPoller wraps kqueue. Adapted from the kqueue-backed poller this
// package is modeled on; unlike that original, which tracked a single
// combined event mask per FD, each FD here carries independent read/write
// filters so a watcher's read and write enables map directly onto kqueue's
// EVFILT_READ/EVFILT_WRITE changelist entries. The except enable has no
// filter of its own (see modify); EV_EOF on a delivered event is reported
// as except-ready.
type sysPoller struct {
	kq  int
	buf [128]unix.Kevent_t
}

func newSysPoller() (*sysPoller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &sysPoller{kq: kq}, nil
}

func (p *sysPoller) changeOne(fd int, filter int16, enable bool) error {
	flags := unix.EV_ADD | unix.EV_ENABLE
	if !enable {
		flags = unix.EV_DELETE
	}
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  uint16(flags),
	}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	if err != nil && !enable && err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *sysPoller) add(fd int, r, w, e bool) error {
	return p.modify(fd, r, w, e)
}

func (p *sysPoller) modify(fd int, r, w, e bool) error {
	if err := p.changeOne(fd, unix.EVFILT_READ, r); err != nil {
		return err
	}
	if err := p.changeOne(fd, unix.EVFILT_WRITE, w); err != nil {
		return err
	}
	// Darwin's kqueue has no portable EVFILT_EXCEPT; exceptional conditions
	// surface through EVFILT_READ/EVFILT_WRITE with EV_EOF, so except-ready
	// consumers piggyback on the read filter.
	_ = e
	return nil
}

func (p *sysPoller) remove(fd int) error {
	_ = p.changeOne(fd, unix.EVFILT_READ, false)
	_ = p.changeOne(fd, unix.EVFILT_WRITE, false)
	return nil
}

func (p *sysPoller) wait(timeout time.Duration, cb func(fd int, r, w, e bool)) error {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.buf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := p.buf[i]
		fd := int(ev.Ident)
		r := ev.Filter == unix.EVFILT_READ
		w := ev.Filter == unix.EVFILT_WRITE
		except := ev.Flags&unix.EV_EOF != 0
		cb(fd, r, w, except)
	}
	return nil
}

func (p *sysPoller) close() error {
	return unix.Close(p.kq)
}
