// Package stdio provides a LowerLayer over the process's stdin/stdout,
// built from two fdll.FDLL instances (one read-only on fd 0, one
// write-only on fd 1) behind a single ll.LowerLayer facade.
package stdio

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/gosio/fdll"
	"github.com/joeycumines/gosio/internal/osfuncs"
	"github.com/joeycumines/gosio/ll"
)

const defaultReadBuf = 64 * 1024

// LL is a LowerLayer over the process's standard streams.
type LL struct {
	in      *fdll.FDLL
	out     *fdll.FDLL
	handler ll.Handler
}

// New builds a stdio LowerLayer using funcs' event loop to watch fd 0 and
// fd 1.
func New(funcs osfuncs.Funcs, log osfuncs.Logger) *LL {
	return &LL{
		in:  fdll.New(funcs, unix.Stdin, nil, defaultReadBuf, log),
		out: fdll.New(funcs, unix.Stdout, nil, 0, log),
	}
}

func (s *LL) SetCallback(h ll.Handler) {
	s.handler = h
	s.in.SetCallback(readSide{s})
	s.out.SetCallback(writeSide{s})
}

type readSide struct{ s *LL }

func (r readSide) HandleRead(err error, buf []byte, aux []string) int {
	return r.s.handler.HandleRead(err, buf, aux)
}
func (r readSide) HandleWriteReady() {}

type writeSide struct{ s *LL }

func (w writeSide) HandleRead(err error, buf []byte, aux []string) int { return 0 }
func (w writeSide) HandleWriteReady()                                  { w.s.handler.HandleWriteReady() }

func (s *LL) WriteSG(sg [][]byte, aux []string) (int, error) {
	return s.out.WriteSG(sg, aux)
}

func (s *LL) RAddrToString() string { return "stdio" }
func (s *LL) GetRAddr() []byte      { return []byte("stdio") }
func (s *LL) RemoteID() string      { return "stdio" }

func (s *LL) Open(done ll.OpenDone) error {
	var mu sync.Mutex
	pending := 2
	var firstErr error
	complete := func(err error) {
		mu.Lock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		pending--
		p := pending
		mu.Unlock()
		if p == 0 && done != nil {
			done(firstErr)
		}
	}
	_ = s.in.Open(complete)
	_ = s.out.Open(complete)
	return ll.ErrInProgress
}

func (s *LL) Close(done ll.CloseDone) error {
	var mu sync.Mutex
	pending := 2
	var firstErr error
	complete := func(err error) {
		mu.Lock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		pending--
		p := pending
		mu.Unlock()
		if p == 0 && done != nil {
			done(firstErr)
		}
	}
	_ = s.in.Close(complete)
	_ = s.out.Close(complete)
	return ll.ErrInProgress
}

func (s *LL) SetReadCallbackEnable(enable bool)  { s.in.SetReadCallbackEnable(enable) }
func (s *LL) SetWriteCallbackEnable(enable bool) { s.out.SetWriteCallbackEnable(enable) }

func (s *LL) Control(get bool, option string, buf []byte) ([]byte, error) {
	return nil, ll.ErrNotSupported
}

func (s *LL) Disable() {
	s.in.Disable()
	s.out.Disable()
}

func (s *LL) Free() {
	s.in.Free()
	s.out.Free()
}
