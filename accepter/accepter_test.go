package accepter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/gosio/filter"
	"github.com/joeycumines/gosio/ll"
)

type fakeDriver struct {
	startErr    error
	startCalled bool

	shutCalled bool
	shutErr    error
	shutDone   func(error)

	ctlReply []byte
	ctlErr   error

	freed bool
}

func (d *fakeDriver) Startup() error {
	d.startCalled = true
	return d.startErr
}

func (d *fakeDriver) Shutdown(done func(error)) error {
	d.shutCalled = true
	d.shutDone = done
	return d.shutErr
}

func (d *fakeDriver) Control(get bool, option string, buf []byte) ([]byte, error) {
	return d.ctlReply, d.ctlErr
}

func (d *fakeDriver) Free() { d.freed = true }

type fakeLL struct {
	disabled bool
	freed    bool
}

func (f *fakeLL) SetCallback(ll.Handler)                                  {}
func (f *fakeLL) WriteSG(sg [][]byte, aux []string) (int, error)          { return 0, nil }
func (f *fakeLL) RAddrToString() string                                  { return "" }
func (f *fakeLL) GetRAddr() []byte                                       { return nil }
func (f *fakeLL) RemoteID() string                                       { return "" }
func (f *fakeLL) Open(done ll.OpenDone) error                            { return nil }
func (f *fakeLL) Close(done ll.CloseDone) error                          { return nil }
func (f *fakeLL) SetReadCallbackEnable(bool)                             {}
func (f *fakeLL) SetWriteCallbackEnable(bool)                            {}
func (f *fakeLL) Control(get bool, option string, buf []byte) ([]byte, error) {
	return nil, ll.ErrNotSupported
}
func (f *fakeLL) Disable() { f.disabled = true }
func (f *fakeLL) Free()    { f.freed = true }

type fakeFilter struct {
	freed bool
}

func (f *fakeFilter) Setup(filter.Endpoint) error { return nil }
func (f *fakeFilter) Cleanup()                    {}
func (f *fakeFilter) Free()                       { f.freed = true }
func (f *fakeFilter) Timeout()                    {}
func (f *fakeFilter) TryConnect(deadline *time.Time) (filter.Result, error) {
	return filter.Done, nil
}
func (f *fakeFilter) TryDisconnect(deadline *time.Time) (filter.Result, error) {
	return filter.Done, nil
}
func (f *fakeFilter) CheckOpenDone() error { return nil }
func (f *fakeFilter) ULWrite(buf []byte, aux []string, emit filter.Emitter) (int, error) {
	return emit(buf, aux)
}
func (f *fakeFilter) LLWrite(buf []byte, aux []string, emit filter.Emitter) (int, error) {
	return emit(buf, aux)
}
func (f *fakeFilter) ULReadPending() bool  { return false }
func (f *fakeFilter) LLWritePending() bool { return false }
func (f *fakeFilter) LLReadNeeded() bool   { return true }
func (f *fakeFilter) Control(depth int, get bool, option string, buf []byte) ([]byte, error) {
	return nil, filter.ErrNotSupported
}
func (f *fakeFilter) OpenChannel(args map[string]string) (filter.Filter, error) {
	return nil, filter.ErrNotSupported
}

func TestAccepter_StartupDelegatesToDriver(t *testing.T) {
	d := &fakeDriver{}
	a := New(d, func(ll.LowerLayer, filter.Filter) {})

	require.NoError(t, a.Startup())
	assert.True(t, d.startCalled)
}

func TestAccepter_StartupTwiceFails(t *testing.T) {
	d := &fakeDriver{}
	a := New(d, func(ll.LowerLayer, filter.Filter) {})
	require.NoError(t, a.Startup())

	err := a.Startup()
	assert.Error(t, err)
}

func TestAccepter_DeliverInvokesCallbackWhenEnabled(t *testing.T) {
	d := &fakeDriver{}
	var gotLower ll.LowerLayer
	var gotFilt filter.Filter
	a := New(d, func(lower ll.LowerLayer, filt filter.Filter) {
		gotLower = lower
		gotFilt = filt
	})
	require.NoError(t, a.Startup())

	lower := &fakeLL{}
	filt := &fakeFilter{}
	a.Deliver(lower, filt)

	assert.Same(t, ll.LowerLayer(lower), gotLower)
	assert.Same(t, filter.Filter(filt), gotFilt)
	assert.False(t, lower.disabled)
	assert.False(t, filt.freed)
}

func TestAccepter_DeliverDropsConnectionWhenDisabled(t *testing.T) {
	d := &fakeDriver{}
	called := false
	a := New(d, func(ll.LowerLayer, filter.Filter) { called = true })
	require.NoError(t, a.Startup())

	a.SetCallbackEnable(false, nil)

	lower := &fakeLL{}
	filt := &fakeFilter{}
	a.Deliver(lower, filt)

	assert.False(t, called)
	assert.True(t, lower.disabled)
	assert.True(t, lower.freed)
	assert.True(t, filt.freed)
}

func TestAccepter_ShutdownFiresDoneOnce(t *testing.T) {
	d := &fakeDriver{}
	a := New(d, func(ll.LowerLayer, filter.Filter) {})
	require.NoError(t, a.Startup())

	calls := 0
	var gotErr error
	err := a.Shutdown(func(err error) {
		calls++
		gotErr = err
	})
	require.NoError(t, err)
	require.NotNil(t, d.shutDone)

	wantErr := errors.New("closed")
	d.shutDone(wantErr)

	assert.Equal(t, 1, calls)
	assert.Equal(t, wantErr, gotErr)
}

func TestAccepter_ControlAndFreeDelegate(t *testing.T) {
	d := &fakeDriver{ctlReply: []byte("ok")}
	a := New(d, func(ll.LowerLayer, filter.Filter) {})

	got, err := a.Control(true, "opt", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))

	a.Free()
	assert.True(t, d.freed)
}
