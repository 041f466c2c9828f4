package vclock

import "sync"

// Tracker holds one clock per aggregate for a single device. Local emissions
// call Bump; remote clocks are folded in with Observe.
//
// Thread-safety: all methods are safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	device string
	clocks map[string]Clock
}

// NewTracker creates a tracker for the given device.
func NewTracker(device string) *Tracker {
	return &Tracker{
		device: device,
		clocks: make(map[string]Clock),
	}
}

// Bump ticks this device's component for aggregate and returns a snapshot
// suitable for stamping an outgoing event.
func (t *Tracker) Bump(aggregate string) Clock {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := Tick(t.clocks[aggregate], t.device)
	t.clocks[aggregate] = next
	return next.Clone()
}

// Observe merges a remote clock into the aggregate's clock and returns the
// result.
func (t *Tracker) Observe(aggregate string, remote Clock) Clock {
	t.mu.Lock()
	defer t.mu.Unlock()

	merged := Merge(t.clocks[aggregate], remote)
	t.clocks[aggregate] = merged
	return merged.Clone()
}

// Snapshot returns a copy of the aggregate's clock.
func (t *Tracker) Snapshot(aggregate string) Clock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clocks[aggregate].Clone()
}
