package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/gosio"
	"github.com/joeycumines/gosio/ll"
)

type fakeChild struct {
	openDone  func(error)
	closeDone func(error)
	openErr   error
	closeErr  error
	written   [][]byte
	raddr     []byte
	remoteID  string
	freed     bool
}

func (f *fakeChild) Open(done func(error)) error {
	f.openDone = done
	if f.openErr == gosio.ErrInProgress {
		return gosio.ErrInProgress
	}
	return f.openErr
}
func (f *fakeChild) OpenNochild(done func(error)) error { return f.Open(done) }
func (f *fakeChild) Close(done func(error)) error {
	f.closeDone = done
	if f.closeErr == gosio.ErrInProgress {
		return gosio.ErrInProgress
	}
	return f.closeErr
}
func (f *fakeChild) Free() { f.freed = true }
func (f *fakeChild) Write(sg [][]byte, aux []string) (int, error) {
	n := 0
	for _, b := range sg {
		f.written = append(f.written, b)
		n += len(b)
	}
	return n, nil
}
func (f *fakeChild) SetReadCallbackEnable(bool)                                 {}
func (f *fakeChild) SetWriteCallbackEnable(bool)                                {}
func (f *fakeChild) Control(depth int, get bool, option string, buf []byte) ([]byte, error) {
	return []byte("ctl"), nil
}
func (f *fakeChild) AllocChannel(args map[string]string, cb gosio.EventCallback) (gosio.Endpoint, error) {
	return nil, gosio.ErrNotSupported
}
func (f *fakeChild) GetRAddr() []byte { return f.raddr }
func (f *fakeChild) RemoteID() string { return f.remoteID }

type recordingHandler struct {
	reads       [][]byte
	readErrs    []error
	writeReady  int
}

func (r *recordingHandler) HandleRead(err error, buf []byte, aux []string) int {
	r.reads = append(r.reads, buf)
	r.readErrs = append(r.readErrs, err)
	return len(buf)
}
func (r *recordingHandler) HandleWriteReady() { r.writeReady++ }

func TestLL_WriteSGForwardsToChild(t *testing.T) {
	child := &fakeChild{}
	b := New()
	b.SetChild(child)

	n, err := b.WriteSG([][]byte{[]byte("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, child.written, 1)
	assert.Equal(t, "hi", string(child.written[0]))
}

func TestLL_EventCallbackTranslatesReadAndWriteReady(t *testing.T) {
	child := &fakeChild{}
	b := New()
	b.SetChild(child)
	h := &recordingHandler{}
	b.SetCallback(h)

	b.EventCallback(child, gosio.EventRead, nil, []byte("data"), nil)
	b.EventCallback(child, gosio.EventWriteReady, nil, nil, nil)

	require.Len(t, h.reads, 1)
	assert.Equal(t, "data", string(h.reads[0]))
	assert.Equal(t, 1, h.writeReady)
}

func TestLL_OpenTranslatesInProgress(t *testing.T) {
	child := &fakeChild{openErr: gosio.ErrInProgress}
	b := New()
	b.SetChild(child)

	err := b.Open(func(error) {})
	assert.Equal(t, ll.ErrInProgress, err)
}

func TestLL_DisableFreesChild(t *testing.T) {
	child := &fakeChild{}
	b := New()
	b.SetChild(child)

	b.Disable()
	assert.True(t, child.freed)
}
