package oob

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EmptyInitially(t *testing.T) {
	q := New()
	assert.True(t, q.Empty())
	assert.True(t, q.Drain(func(p []byte) (int, error) {
		t.Fatal("write should not be called on an empty queue")
		return 0, nil
	}))
}

func TestQueue_DrainFullWrite(t *testing.T) {
	q := New()
	var doneErr error
	done := false
	q.Enqueue([][]byte{[]byte("hello"), []byte(" world")}, func(err error) {
		done = true
		doneErr = err
	})
	require.False(t, q.Empty())

	var written []byte
	ok := q.Drain(func(p []byte) (int, error) {
		written = append(written, p...)
		return len(p), nil
	})

	assert.True(t, ok)
	assert.True(t, q.Empty())
	assert.Equal(t, "hello world", string(written))
	assert.True(t, done)
	assert.NoError(t, doneErr)
}

func TestQueue_ShortWriteAdvancesInPlace(t *testing.T) {
	q := New()
	q.Enqueue([][]byte{[]byte("0123456789")}, nil)

	var calls [][]byte
	ok := q.Drain(func(p []byte) (int, error) {
		calls = append(calls, append([]byte(nil), p...))
		return 4, nil
	})
	assert.False(t, ok)
	require.False(t, q.Empty())
	assert.Equal(t, "0123456789", string(calls[0]))

	ok = q.Drain(func(p []byte) (int, error) {
		calls = append(calls, append([]byte(nil), p...))
		return len(p), nil
	})
	assert.True(t, ok)
	assert.True(t, q.Empty())
	require.Len(t, calls, 2)
	assert.Equal(t, "456789", string(calls[1]))
}

func TestQueue_WriteStallReturnsFalse(t *testing.T) {
	q := New()
	q.Enqueue([][]byte{[]byte("abc")}, nil)
	ok := q.Drain(func(p []byte) (int, error) {
		return 0, nil
	})
	assert.False(t, ok)
	assert.False(t, q.Empty())
}

func TestQueue_ErrorDropsRecordAndCallsDone(t *testing.T) {
	q := New()
	wantErr := errors.New("boom")
	var gotErr error
	q.Enqueue([][]byte{[]byte("abc")}, func(err error) { gotErr = err })
	q.Enqueue([][]byte{[]byte("def")}, nil)

	ok := q.Drain(func(p []byte) (int, error) {
		if string(p) == "abc" {
			return 0, wantErr
		}
		return len(p), nil
	})

	assert.True(t, ok)
	assert.Equal(t, wantErr, gotErr)
	assert.True(t, q.Empty())
}
