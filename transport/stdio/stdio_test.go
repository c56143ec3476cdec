package stdio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	reads      [][]byte
	readErrs   []error
	writeReady int
}

func (r *recordingHandler) HandleRead(err error, buf []byte, aux []string) int {
	r.reads = append(r.reads, buf)
	r.readErrs = append(r.readErrs, err)
	return len(buf)
}
func (r *recordingHandler) HandleWriteReady() { r.writeReady++ }

func TestReadSide_ForwardsToHandler(t *testing.T) {
	h := &recordingHandler{}
	s := &LL{handler: h}

	n := readSide{s}.HandleRead(nil, []byte("hi"), nil)
	assert.Equal(t, 2, n)
	assert.Equal(t, "hi", string(h.reads[0]))

	readSide{s}.HandleWriteReady() // no-op, must not panic or touch handler
	assert.Equal(t, 0, h.writeReady)
}

func TestWriteSide_IgnoresReadAndForwardsWriteReady(t *testing.T) {
	h := &recordingHandler{}
	s := &LL{handler: h}

	n := writeSide{s}.HandleRead(errors.New("x"), []byte("ignored"), nil)
	assert.Equal(t, 0, n)
	assert.Empty(t, h.reads)

	writeSide{s}.HandleWriteReady()
	assert.Equal(t, 1, h.writeReady)
}

func TestLL_RAddrHelpersReportStdio(t *testing.T) {
	s := &LL{}
	assert.Equal(t, "stdio", s.RAddrToString())
	assert.Equal(t, "stdio", string(s.GetRAddr()))
	assert.Equal(t, "stdio", s.RemoteID())
}
