// Package ratelimit is a Filter that throttles inbound message delivery
// using github.com/joeycumines/go-catrate's sliding-window Limiter: a
// single rate limit category (configurable, e.g. per-peer) governs how
// fast bytes flow up to the user, applying TryDisconnect-style backpressure
// by declining to drain further LL input until the window permits it.
package ratelimit

import (
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/joeycumines/gosio/filter"
)

// Filter wraps an inner Filter (nil for a raw passthrough) and applies a
// catrate.Limiter to inbound deliveries.
type Filter struct {
	inner    filter.Filter
	limiter  *catrate.Limiter
	category any

	ep      filter.Endpoint
	blocked bool
}

// New builds a rate-limiting Filter. rates follows catrate.NewLimiter's
// contract (window duration -> max event count, monotonic by window size).
// category identifies the shared bucket this filter's traffic is metered
// against (e.g. the remote address).
func New(inner filter.Filter, rates map[time.Duration]int, category any) *Filter {
	return &Filter{
		inner:    inner,
		limiter:  catrate.NewLimiter(rates),
		category: category,
	}
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
	if f.blocked {
		f.blocked = false
		f.ep.RecalcEnables()
	}
	if f.inner != nil {
		f.inner.Timeout()
	}
}

func (f *Filter) TryConnect(deadline *time.Time) (filter.Result, error) {
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

func (f *Filter) Control(get bool, option string, buf []byte) ([]byte, error) {
	if f.inner != nil {
		return f.inner.Control(get, option, buf)
	}
	return nil, filter.ErrNotSupported
}

func (f *Filter) OpenChannel(args map[string]string) (filter.Filter, error) {
	if f.inner != nil {
		return f.inner.OpenChannel(args)
	}
	return nil, filter.ErrNotSupported
}

func (f *Filter) ULWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	if f.inner != nil {
		return f.inner.ULWrite(p, aux, emit)
	}
	return emit(p, aux)
}

// LLWrite gates delivery of p on the rate limiter: once the configured
// window is exceeded, it stops consuming input (reporting LLReadNeeded as
// false) until the limiter's reported retry time elapses, at which point a
// timer wakes the endpoint to retry.
func (f *Filter) LLWrite(p []byte, aux []string, emit filter.Emitter) (int, error) {
	if f.blocked {
		return 0, nil
	}

	next, ok := f.limiter.Allow(f.category)
	if !ok {
		f.blocked = true
		if f.ep != nil {
			f.ep.SetTimer(time.Until(next))
		}
		return 0, nil
	}

	if f.inner != nil {
		return f.inner.LLWrite(p, aux, emit)
	}
	return emit(p, aux)
}

func (f *Filter) ULReadPending() bool {
	if f.inner != nil {
		return f.inner.ULReadPending()
	}
	return false
}

func (f *Filter) LLWritePending() bool {
	if f.inner != nil {
		return f.inner.LLWritePending()
	}
	return false
}

func (f *Filter) LLReadNeeded() bool {
	if f.blocked {
		return false
	}
	if f.inner != nil {
		return f.inner.LLReadNeeded()
	}
	return true
}
