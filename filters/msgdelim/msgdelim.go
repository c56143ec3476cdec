// Package msgdelim implements a message-framing Filter: a compact
// length-prefix scheme that turns a byte stream into discrete messages,
// one per ULWrite/LLWrite delivery. The wire format is grounded on the
// framer package's stream-mode encoding: a 1-byte header carries lengths
// up to 253 bytes inline; 254-65535 uses a 2-byte big-endian extended
// length; anything up to 2^56-1 uses a 7-byte big-endian extended length.
package msgdelim

import (
	"encoding/binary"
	"time"

	"github.com/joeycumines/gosio"
	"github.com/joeycumines/gosio/filter"
)

const (
	maxShortLen = 253
	ext2Marker  = 0xFE
	ext7Marker  = 0xFF
	maxPayload  = (1 << 56) - 1
)

// Filter is a message-delimiting Filter. The zero value is not usable;
// build with New.
type Filter struct {
	ep        filter.Endpoint
	readLimit int

	outbuf []byte
	outpos int

	hdr     [8]byte
	hdrFill int
	hdrLen  int

	need           int64
	payload        []byte
	payloadFill    int
	havePayloadLen bool
}

// New returns a Filter. readLimit caps the accepted payload size (0 means
// unbounded, up to the wire format's 2^56-1 ceiling).
func New(readLimit int) *Filter {
	return &Filter{readLimit: readLimit}
}

func (f *Filter) Setup(ep filter.Endpoint) error { f.ep = ep; return nil }
func (f *Filter) Cleanup()                       {}
func (f *Filter) Free()                          {}
func (f *Filter) Timeout()                       {}

func (f *Filter) TryConnect(deadline *time.Time) (filter.Result, error) {
	return filter.Done, nil
}

func (f *Filter) TryDisconnect(deadline *time.Time) (filter.Result, error) {
	return filter.Done, nil
}

func (f *Filter) CheckOpenDone() error { return nil }

func (f *Filter) Control(get bool, option string, buf []byte) ([]byte, error) {
	return nil, filter.ErrNotSupported
}

func (f *Filter) OpenChannel(args map[string]string) (filter.Filter, error) {
	return nil, filter.ErrNotSupported
}

func encodeHeader(n int) []byte {
	switch {
	case n <= maxShortLen:
		return []byte{byte(n)}
	case n <= 0xFFFF:
		b := make([]byte, 3)
		b[0] = ext2Marker
		binary.BigEndian.PutUint16(b[1:], uint16(n))
		return b
	default:
		b := make([]byte, 8)
		b[0] = ext7Marker
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(n))
		copy(b[1:], tmp[1:])
		return b
	}
}

// ULWrite frames p as a single message and offers it to emit, buffering
// any undrained remainder for LLWritePending/drainOut to finish later.
func (f *Filter) ULWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	if len(p) == 0 {
		return 0, f.drainOut(emit)
	}
	if len(p) > maxPayload {
		return 0, gosio.ErrInvalidArgument
	}
	if f.outpos < len(f.outbuf) {
		return 0, gosio.ErrNotReady
	}

	hdr := encodeHeader(len(p))
	frame := make([]byte, 0, len(hdr)+len(p))
	frame = append(frame, hdr...)
	frame = append(frame, p...)
	f.outbuf = frame
	f.outpos = 0

	if err := f.drainOut(emit); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *Filter) drainOut(emit filter.Emitter) error {
	for f.outpos < len(f.outbuf) {
		n, err := emit(f.outbuf[f.outpos:], nil)
		if err != nil {
			return err
		}
		if n <= 0 {
			return nil
		}
		f.outpos += n
	}
	if len(f.outbuf) > 0 {
		f.outbuf = nil
		f.outpos = 0
	}
	return nil
}

// LLWrite decodes as many complete messages as p contains, emitting each
// to the user via emit as soon as it's fully reassembled.
func (f *Filter) LLWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	total := 0
	for len(p) > 0 {
		if !f.havePayloadLen {
			n, done := f.feedHeader(p)
			total += n
			p = p[n:]
			if !done {
				break
			}
			if f.readLimit > 0 && f.need > int64(f.readLimit) {
				return total, gosio.ErrInvalidArgument
			}
		}

		want := int(f.need) - f.payloadFill
		if want > len(p) {
			want = len(p)
		}
		if want > 0 {
			f.payload = append(f.payload, p[:want]...)
			f.payloadFill += want
			total += want
			p = p[want:]
		}

		if f.payloadFill < int(f.need) {
			break
		}

		msg := f.payload
		f.payload = nil
		f.payloadFill = 0
		f.havePayloadLen = false
		f.hdrFill = 0
		f.hdrLen = 0

		if _, err := emit(msg, nil); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *Filter) feedHeader(p []byte) (consumed int, done bool) {
	if f.hdrFill == 0 {
		f.hdr[0] = p[0]
		f.hdrFill = 1
		consumed = 1
		p = p[1:]
		switch f.hdr[0] {
		case ext2Marker:
			f.hdrLen = 3
		case ext7Marker:
			f.hdrLen = 8
		default:
			f.hdrLen = 1
		}
	}
	for f.hdrFill < f.hdrLen && len(p) > 0 {
		f.hdr[f.hdrFill] = p[0]
		f.hdrFill++
		consumed++
		p = p[1:]
	}
	if f.hdrFill < f.hdrLen {
		return consumed, false
	}

	switch f.hdr[0] {
	case ext2Marker:
		f.need = int64(binary.BigEndian.Uint16(f.hdr[1:3]))
	case ext7Marker:
		var tmp [8]byte
		copy(tmp[1:], f.hdr[1:8])
		f.need = int64(binary.BigEndian.Uint64(tmp[:]))
	default:
		f.need = int64(f.hdr[0])
	}
	f.havePayloadLen = true
	if f.need > 0 {
		f.payload = make([]byte, 0, f.need)
	}
	return consumed, true
}

func (f *Filter) LLWritePending() bool { return f.outpos < len(f.outbuf) }
func (f *Filter) LLReadNeeded() bool   { return true }
func (f *Filter) ULReadPending() bool  { return false }
