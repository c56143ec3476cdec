package msgdelim

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeDecode(t *testing.T, payload []byte) []byte {
	t.Helper()
	enc := New(0)
	var wire []byte
	emitWire := func(p []byte, aux []string) (int, error) {
		wire = append(wire, p...)
		return len(p), nil
	}
	_, err := enc.ULWrite(payload, nil, emitWire)
	require.NoError(t, err)

	dec := New(0)
	var got []byte
	emitUser := func(p []byte, aux []string) (int, error) {
		got = append(got, p...)
		return len(p), nil
	}
	_, err = dec.LLWrite(wire, nil, emitUser)
	require.NoError(t, err)
	return got
}

func TestFilter_ShortMessageRoundTrip(t *testing.T) {
	got := encodeDecode(t, []byte("hello\n"))
	assert.Equal(t, "hello\n", string(got))
}

func TestFilter_EmptyMessageRoundTrip(t *testing.T) {
	got := encodeDecode(t, []byte{})
	assert.Equal(t, "", string(got))
}

func TestFilter_ExtendedLengthRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("x", 1000))
	got := encodeDecode(t, payload)
	assert.Equal(t, payload, got)
}

func TestFilter_HeaderEncoding(t *testing.T) {
	assert.Equal(t, []byte{5}, encodeHeader(5))
	assert.Equal(t, byte(ext2Marker), encodeHeader(300)[0])
	assert.Equal(t, byte(ext7Marker), encodeHeader(1<<20)[0])
}

func TestFilter_LLWriteHandlesSplitDelivery(t *testing.T) {
	enc := New(0)
	var wire []byte
	_, err := enc.ULWrite([]byte("hello world"), nil, func(p []byte, aux []string) (int, error) {
		wire = append(wire, p...)
		return len(p), nil
	})
	require.NoError(t, err)

	dec := New(0)
	var got []byte
	emitUser := func(p []byte, aux []string) (int, error) {
		got = append(got, p...)
		return len(p), nil
	}

	// Feed the framed message one byte per delivery: the reassembly must
	// survive a chunk boundary between the 1-byte header and the payload
	// and between every payload byte.
	for i := 0; i < len(wire); i++ {
		_, err := dec.LLWrite(wire[i:i+1], nil, emitUser)
		require.NoError(t, err)
	}
	assert.Equal(t, "hello world", string(got))
}

func TestFilter_TwoMessagesInOneDelivery(t *testing.T) {
	enc := New(0)
	var wire []byte
	emitWire := func(p []byte, aux []string) (int, error) {
		wire = append(wire, p...)
		return len(p), nil
	}
	_, err := enc.ULWrite([]byte("hello\n"), nil, emitWire)
	require.NoError(t, err)
	_, err = enc.ULWrite([]byte("hello\n"), nil, emitWire)
	require.NoError(t, err)

	dec := New(0)
	var messages []string
	_, err = dec.LLWrite(wire, nil, func(p []byte, aux []string) (int, error) {
		messages = append(messages, string(p))
		return len(p), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello\n", "hello\n"}, messages)
}
