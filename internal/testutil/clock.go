package testutil

import (
	"sync"
	"time"
)

// WallClock is a settable wall clock for tests. It only moves when told to,
// so outbox schedules and conflict timestamps are reproducible.
//
// Thread-safety: all methods are safe for concurrent use.
type WallClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewWallClock creates a clock reading start.
func NewWallClock(start time.Time) *WallClock {
	return &WallClock{t: start}
}

// NewWallClockMillis creates a clock reading the given Unix milliseconds.
func NewWallClockMillis(ms int64) *WallClock {
	return NewWallClock(time.UnixMilli(ms))
}

// Now returns the current reading.
func (c *WallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Millis returns the current reading in Unix milliseconds.
func (c *WallClock) Millis() int64 {
	return c.Now().UnixMilli()
}

// Advance moves the clock forward by d.
func (c *WallClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set moves the clock to t. Tests may move it backwards.
func (c *WallClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}
