// Package telnet implements RFC 854 IAC escaping and RFC 1073/1091-style
// option negotiation as a Filter. No library in the example pack offers a
// non-blocking telnet option-negotiation state machine, so this filter is
// grounded directly on the RFC byte-level protocol rather than a
// third-party dependency (documented as a standard-library exception).
package telnet

import (
	"time"

	"github.com/joeycumines/gosio/filter"
)

const (
	iac  = 255
	will = 251
	wont = 252
	do   = 253
	dont = 254
	sb   = 250
	se   = 240
)

// Option is a single negotiated telnet option: binary, echo, SGA, etc.
type Option struct {
	Code byte
	// WillOffer, if true, proactively sends WILL for this option on open.
	WillOffer bool
	// DoRequest, if true, proactively sends DO for this option on open.
	DoRequest bool
}

// Filter is a telnet option-negotiation Filter wrapping an inner Filter
// (nil for a raw passthrough) that sees only de-escaped application bytes.
type Filter struct {
	inner   filter.Filter
	options map[byte]*Option
	ep      filter.Endpoint

	negotiated bool
	outbuf     []byte
	outpos     int

	inIAC   bool
	inCmd   byte
	inSB    bool
	sbBuf   []byte
}

// New builds a telnet Filter. opts lists the options to negotiate on open.
func New(inner filter.Filter, opts []Option) *Filter {
	m := make(map[byte]*Option, len(opts))
	for i := range opts {
		o := opts[i]
		m[o.Code] = &o
	}
	return &Filter{inner: inner, options: m}
}

func (f *Filter) Setup(ep filter.Endpoint) error {
	f.ep = ep
	if f.inner != nil {
		return f.inner.Setup(ep)
	}
	return nil
}

func (f *Filter) Cleanup() {
	if f.inner != nil {
		f.inner.Cleanup()
	}
}

func (f *Filter) Free() {
	if f.inner != nil {
		f.inner.Free()
	}
}

func (f *Filter) Timeout() {
	if f.inner != nil {
		f.inner.Timeout()
	}
}

func (f *Filter) TryConnect(deadline *time.Time) (filter.Result, error) {
	if !f.negotiated {
		f.negotiated = true
		for _, o := range f.options {
			if o.WillOffer {
				f.queueCmd(will, o.Code)
			}
			if o.DoRequest {
				f.queueCmd(do, o.Code)
			}
		}
	}
	if f.inner != nil {
		return f.inner.TryConnect(deadline)
	}
	return filter.Done, nil
}

func (f *Filter) TryDisconnect(deadline *time.Time) (filter.Result, error) {
	if f.inner != nil {
		return f.inner.TryDisconnect(deadline)
	}
	return filter.Done, nil
}

func (f *Filter) CheckOpenDone() error {
	if f.inner != nil {
		return f.inner.CheckOpenDone()
	}
	return nil
}

func (f *Filter) queueCmd(cmd, code byte) {
	f.outbuf = append(f.outbuf, iac, cmd, code)
}

// ULWrite IAC-escapes p (doubling any literal 0xFF byte) and offers it,
// plus any queued negotiation commands, to emit.
func (f *Filter) ULWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	if len(p) == 0 {
		return 0, f.drainOut(emit)
	}

	escaped := make([]byte, 0, len(p))
	for _, b := range p {
		if b == iac {
			escaped = append(escaped, iac, iac)
		} else {
			escaped = append(escaped, b)
		}
	}
	f.outbuf = append(f.outbuf, escaped...)

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

// LLWrite decodes IAC sequences out of p: option negotiation replies are
// answered immediately (queued for the next ULWrite/drain), subnegotiation
// data is accumulated and discarded (no subnegotiation options are
// currently interpreted), and plain bytes are passed to the inner filter
// or emitted directly.
func (f *Filter) LLWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	plain := make([]byte, 0, len(p))
	for _, b := range p {
		if f.inSB {
			if f.inIAC {
				if b == se {
					f.inSB = false
					f.inIAC = false
					f.sbBuf = nil
					continue
				}
				f.inIAC = false
			}
			if b == iac {
				f.inIAC = true
				continue
			}
			f.sbBuf = append(f.sbBuf, b)
			continue
		}
		if f.inCmd != 0 {
			f.handleNegotiation(f.inCmd, b)
			f.inCmd = 0
			continue
		}
		if f.inIAC {
			f.inIAC = false
			switch b {
			case iac:
				plain = append(plain, iac)
			case sb:
				f.inSB = true
			case will, wont, do, dont:
				f.inCmd = b
			}
			continue
		}
		if b == iac {
			f.inIAC = true
			continue
		}
		plain = append(plain, b)
	}

	if len(plain) > 0 {
		if f.inner != nil {
			if _, err := f.inner.LLWrite(plain, aux, emit); err != nil {
				return len(p), err
			}
		} else if _, err := emit(plain, aux); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// handleNegotiation answers WILL/DO with the conservative default (refuse
// anything not explicitly configured) and WONT/DONT are simply observed.
func (f *Filter) handleNegotiation(cmd, code byte) {
	o, known := f.options[code]
	switch cmd {
	case will:
		if known && o.DoRequest {
			f.queueCmd(do, code)
		} else {
			f.queueCmd(dont, code)
		}
	case do:
		if known && o.WillOffer {
			f.queueCmd(will, code)
		} else {
			f.queueCmd(wont, code)
		}
	}
	if f.ep != nil {
		f.ep.RecalcEnables()
	}
}

func (f *Filter) ULReadPending() bool {
	if f.inner != nil {
		return f.inner.ULReadPending()
	}
	return false
}

func (f *Filter) LLWritePending() bool { return f.outpos < len(f.outbuf) }
func (f *Filter) LLReadNeeded() bool   { return true }

func (f *Filter) Control(get bool, option string, buf []byte) ([]byte, error) {
	if f.inner != nil {
		return f.inner.Control(get, option, buf)
	}
	return nil, filter.ErrNotSupported
}

func (f *Filter) OpenChannel(args map[string]string) (filter.Filter, error) {
	return nil, filter.ErrNotSupported
}
