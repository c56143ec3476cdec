package base

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/gosio"
	"github.com/joeycumines/gosio/filter"
	"github.com/joeycumines/gosio/internal/osfuncs"
	"github.com/joeycumines/gosio/ll"
)

// fakeFuncs runs RunDeferred synchronously, which is sufficient for
// exercising the state machine without a real event-loop goroutine.
type fakeFuncs struct{}

func (fakeFuncs) NewLock() osfuncs.Lock                     { return &noopLock{} }
func (fakeFuncs) SetFD(int, osfuncs.FDHandler) (osfuncs.Watcher, error) { return nil, errors.New("unused") }
func (fakeFuncs) NewTimer(expired func()) osfuncs.Timer     { return &fakeTimer{expired: expired} }
func (fakeFuncs) RunDeferred(f func())                      { f() }
func (fakeFuncs) Alloc(size int) []byte                     { return make([]byte, size) }
func (fakeFuncs) Log() osfuncs.Logger                       { return nil }
func (fakeFuncs) Close() error                               { return nil }

type noopLock struct{}

func (*noopLock) Lock()   {}
func (*noopLock) Unlock() {}

type fakeTimer struct {
	expired func()
	starts  int
	lastDur time.Duration
	stopped int
}

func (t *fakeTimer) Start(d time.Duration) {
	t.starts++
	t.lastDur = d
}
func (t *fakeTimer) Stop(done func(osfuncs.StopResult)) {
	t.stopped++
	if done != nil {
		done(osfuncs.StopResult{})
	}
}

type fakeLL struct {
	handler ll.Handler

	openCalls  int
	closeCalls int
	openErr    error
	closeErr   error
	openDoneFn ll.OpenDone
	closeDoneFn ll.CloseDone

	writeSGFunc func(sg [][]byte, aux []string) (int, error)
	written     [][]byte

	readEnable, writeEnable bool
	disabled, freed         bool
}

func (f *fakeLL) SetCallback(h ll.Handler) { f.handler = h }

func (f *fakeLL) WriteSG(sg [][]byte, aux []string) (int, error) {
	if f.writeSGFunc != nil {
		return f.writeSGFunc(sg, aux)
	}
	n := 0
	for _, b := range sg {
		f.written = append(f.written, b)
		n += len(b)
	}
	return n, nil
}

func (f *fakeLL) RAddrToString() string { return "127.0.0.1:0" }
func (f *fakeLL) GetRAddr() []byte      { return nil }
func (f *fakeLL) RemoteID() string      { return "" }

func (f *fakeLL) Open(done ll.OpenDone) error {
	f.openCalls++
	f.openDoneFn = done
	return f.openErr
}

func (f *fakeLL) Close(done ll.CloseDone) error {
	f.closeCalls++
	f.closeDoneFn = done
	return f.closeErr
}

func (f *fakeLL) SetReadCallbackEnable(enable bool)  { f.readEnable = enable }
func (f *fakeLL) SetWriteCallbackEnable(enable bool) { f.writeEnable = enable }

func (f *fakeLL) Control(get bool, option string, buf []byte) ([]byte, error) {
	return nil, ll.ErrNotSupported
}

func (f *fakeLL) Disable() { f.disabled = true }
func (f *fakeLL) Free()    { f.freed = true }

// passthroughFilter is a minimal Filter that forwards bytes unchanged and
// completes TryConnect/TryDisconnect immediately, used where the tests
// don't care about filter negotiation.
type passthroughFilter struct {
	setupEP filter.Endpoint
	freed   bool
}

func (f *passthroughFilter) Setup(ep filter.Endpoint) error { f.setupEP = ep; return nil }
func (f *passthroughFilter) Cleanup()                       {}
func (f *passthroughFilter) Free()                          { f.freed = true }
func (f *passthroughFilter) Timeout()                       {}
func (f *passthroughFilter) TryConnect(*time.Time) (filter.Result, error) {
	return filter.Done, nil
}
func (f *passthroughFilter) TryDisconnect(*time.Time) (filter.Result, error) {
	return filter.Done, nil
}
func (f *passthroughFilter) CheckOpenDone() error { return nil }
func (f *passthroughFilter) ULWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return emit(p, aux)
}
func (f *passthroughFilter) LLWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return emit(p, aux)
}
func (f *passthroughFilter) ULReadPending() bool  { return false }
func (f *passthroughFilter) LLWritePending() bool { return false }
func (f *passthroughFilter) LLReadNeeded() bool   { return true }
func (f *passthroughFilter) Control(get bool, option string, buf []byte) ([]byte, error) {
	return nil, filter.ErrNotSupported
}
func (f *passthroughFilter) OpenChannel(args map[string]string) (filter.Filter, error) {
	return nil, filter.ErrNotSupported
}

func TestEndpoint_HappyPathOpenReadClose(t *testing.T) {
	lower := &fakeLL{}
	var gotEvent gosio.EventType
	var gotBuf []byte
	cb := func(ep gosio.Endpoint, event gosio.EventType, err error, buf []byte, aux []string) int {
		gotEvent = event
		gotBuf = append([]byte(nil), buf...)
		return len(buf)
	}
	ep := New(fakeFuncs{}, lower, nil, cb, nil)

	var openErr error
	openCalled := false
	err := ep.Open(func(e error) {
		openCalled = true
		openErr = e
	})
	require.NoError(t, err)
	assert.True(t, openCalled)
	assert.NoError(t, openErr)
	assert.Equal(t, 1, lower.openCalls)
	assert.Equal(t, StateIOOpen, ep.state)

	lower.handler.HandleRead(nil, []byte("hello"), nil)
	assert.Equal(t, gosio.EventRead, gotEvent)
	assert.Equal(t, "hello", string(gotBuf))

	closeCalled := false
	err = ep.Close(func(e error) {
		closeCalled = true
	})
	assert.Equal(t, gosio.ErrInProgress, err)
	assert.True(t, closeCalled)
	assert.Equal(t, 1, lower.closeCalls)
	assert.Equal(t, StateClosed, ep.state)
}

func TestEndpoint_WriteBeforeOpenReturnsErrNotReady(t *testing.T) {
	lower := &fakeLL{}
	ep := New(fakeFuncs{}, lower, nil, nil, nil)

	_, err := ep.Write([][]byte{[]byte("x")}, nil)
	assert.Equal(t, gosio.ErrNotReady, err)
}

func TestEndpoint_CloseDuringLLOpenCancelsOpenAndClosesOnce(t *testing.T) {
	lower := &fakeLL{openErr: ll.ErrInProgress, closeErr: ll.ErrInProgress}
	ep := New(fakeFuncs{}, lower, nil, nil, nil)

	var openErr error
	err := ep.Open(func(e error) { openErr = e })
	assert.Equal(t, gosio.ErrInProgress, err)
	assert.Equal(t, 1, lower.openCalls)
	require.NotNil(t, lower.openDoneFn)

	var closeErr error
	closeGotErr := errors.New("unset")
	err = ep.Close(func(e error) {
		closeErr = e
		closeGotErr = e
	})
	assert.Equal(t, gosio.ErrInProgress, err)
	assert.Equal(t, gosio.ErrCancelled, openErr)

	require.NotNil(t, lower.closeDoneFn)
	lower.closeDoneFn(nil)

	assert.Equal(t, 1, lower.closeCalls)
	assert.NoError(t, closeErr)
	_ = closeGotErr
	assert.Equal(t, StateClosed, ep.state)
}

func TestEndpoint_OOBWriteQueuesAndDrainsOnWriteReady(t *testing.T) {
	lower := &fakeLL{}
	ep := New(fakeFuncs{}, lower, nil, nil, nil)
	require.NoError(t, ep.Open(nil))

	var stall bool
	lower.writeSGFunc = func(sg [][]byte, aux []string) (int, error) {
		if stall {
			return 0, nil
		}
		n := 0
		for _, b := range sg {
			lower.written = append(lower.written, b)
			n += len(b)
		}
		return n, nil
	}

	stall = true
	n, err := ep.Write([][]byte{[]byte("urgent")}, []string{gosio.AuxOOB})
	require.NoError(t, err)
	assert.Equal(t, len("urgent"), n)
	assert.True(t, lower.writeEnable)
	assert.False(t, ep.oobQueue.Empty())

	stall = false
	lower.handler.HandleWriteReady()
	assert.True(t, ep.oobQueue.Empty())
	require.Len(t, lower.written, 1)
	assert.Equal(t, "urgent", string(lower.written[0]))
}

func TestEndpoint_SingleDeliveryErrorPath(t *testing.T) {
	lower := &fakeLL{}
	deliveries := 0
	cb := func(ep gosio.Endpoint, event gosio.EventType, err error, buf []byte, aux []string) int {
		if err != nil {
			deliveries++
		}
		return 0
	}
	ep := New(fakeFuncs{}, lower, nil, cb, nil)
	require.NoError(t, ep.Open(nil))

	boom := errors.New("boom")
	lower.handler.HandleRead(boom, nil, nil)
	lower.handler.HandleRead(boom, nil, nil)

	assert.Equal(t, 1, deliveries)
}

func TestEndpoint_FilterSetupReceivesEndpointAndDrivesConnect(t *testing.T) {
	lower := &fakeLL{}
	filt := &passthroughFilter{}
	ep := New(fakeFuncs{}, lower, filt, nil, nil)

	require.NoError(t, ep.Open(nil))
	assert.Equal(t, StateIOOpen, ep.state)
	assert.Same(t, ep, filt.setupEP)
}
