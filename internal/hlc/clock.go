// Package hlc provides the monotonic millisecond timestamps devices use for
// last-writer-wins deltas and sequence node stamps.
package hlc

import (
	"sync/atomic"
	"time"
)

// Clock issues strictly increasing timestamps: max(now, last+1). Observing a
// remote timestamp moves the clock past it, so a write made after seeing
// another device's write always carries a larger stamp.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	last atomic.Int64
	now  func() int64
}

// New creates a clock reading the wall clock in Unix milliseconds.
func New() *Clock {
	return NewWithSource(func() int64 { return time.Now().UnixMilli() })
}

// NewWithSource creates a clock over a custom time source.
func NewWithSource(now func() int64) *Clock {
	return &Clock{now: now}
}

// NewAt creates a clock that never issues a stamp at or below start.
// Used to resume after restart.
func NewAt(start int64, now func() int64) *Clock {
	c := NewWithSource(now)
	c.last.Store(start)
	return c
}

// Next returns the next timestamp.
func (c *Clock) Next() int64 {
	for {
		last := c.last.Load()
		next := c.now()
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Observe advances the clock to at least ts.
func (c *Clock) Observe(ts int64) {
	for {
		last := c.last.Load()
		if ts <= last || c.last.CompareAndSwap(last, ts) {
			return
		}
	}
}

// Current returns the last issued or observed timestamp.
func (c *Clock) Current() int64 {
	return c.last.Load()
}
