// Package vclock implements per-device vector clocks.
//
// A Clock maps device ids to counters. A device ticks its own component before
// emitting an event; receivers merge clocks component-wise. Comparing two
// clocks tells whether one event causally precedes another or whether they are
// concurrent. Concurrency is what the ingestion pipeline uses to detect
// conflicts; it never blocks on missing causal dependencies.
package vclock

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Clock maps device id to the number of events observed from that device.
// A missing key is equivalent to zero.
type Clock map[string]int64

// Relation is the causal relation of clock a relative to clock b.
type Relation string

const (
	// Before means a happened-before b.
	Before Relation = "before"
	// After means b happened-before a.
	After Relation = "after"
	// Concurrent means neither precedes the other.
	Concurrent Relation = "concurrent"
	// Equal means identical causal history.
	Equal Relation = "equal"
)

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// Get returns the component for device, zero if absent.
func (c Clock) Get(device string) int64 {
	return c[device]
}

// Clone returns an independent copy. Cloning nil yields an empty clock.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Tick returns a copy of c with device's component incremented by one.
// The receiver is not modified.
func Tick(c Clock, device string) Clock {
	out := c.Clone()
	out[device]++
	return out
}

// Merge returns the component-wise maximum of a and b.
func Merge(a, b Clock) Clock {
	out := a.Clone()
	for device, n := range b {
		if n > out[device] {
			out[device] = n
		}
	}
	return out
}

// Compare returns the causal relation of a relative to b.
func Compare(a, b Clock) Relation {
	aGreater, bGreater := false, false
	for device, an := range a {
		bn := b[device]
		if an > bn {
			aGreater = true
		} else if bn > an {
			bGreater = true
		}
	}
	for device, bn := range b {
		if _, seen := a[device]; seen {
			continue
		}
		if bn > 0 {
			bGreater = true
		}
	}

	switch {
	case !aGreater && !bGreater:
		return Equal
	case aGreater && !bGreater:
		return After
	case !aGreater && bGreater:
		return Before
	default:
		return Concurrent
	}
}

// HappenedBefore reports whether a causally precedes b.
func HappenedBefore(a, b Clock) bool {
	return Compare(a, b) == Before
}

// IsConcurrent reports whether neither clock precedes the other.
func IsConcurrent(a, b Clock) bool {
	return Compare(a, b) == Concurrent
}

// Covers reports whether c has already observed the event stamped by device
// with clock ev, i.e. c[device] >= ev[device].
func (c Clock) Covers(device string, ev Clock) bool {
	return c[device] >= ev[device]
}

// Distance is the sum of absolute component differences. Larger means more
// divergence; it is reported by sync statistics.
func Distance(a, b Clock) int64 {
	var d int64
	for device, an := range a {
		diff := an - b[device]
		if diff < 0 {
			diff = -diff
		}
		d += diff
	}
	for device, bn := range b {
		if _, seen := a[device]; !seen {
			d += bn
		}
	}
	return d
}

// Devices returns the device ids in sorted order.
func (c Clock) Devices() []string {
	devices := make([]string, 0, len(c))
	for d := range c {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return devices
}

// String renders the clock as "devA:5,devB:3" with devices sorted.
func (c Clock) String() string {
	parts := make([]string, 0, len(c))
	for _, d := range c.Devices() {
		parts = append(parts, d+":"+strconv.FormatInt(c[d], 10))
	}
	return strings.Join(parts, ",")
}

// Parse reads the form produced by String. An empty string is an empty clock.
func Parse(s string) (Clock, error) {
	c := Clock{}
	s = strings.TrimSpace(s)
	if s == "" {
		return c, nil
	}
	for _, entry := range strings.Split(s, ",") {
		i := strings.LastIndexByte(entry, ':')
		if i <= 0 {
			return nil, fmt.Errorf("parse clock entry %q: missing device", entry)
		}
		n, err := strconv.ParseInt(entry[i+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse clock entry %q: %w", entry, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("parse clock entry %q: negative counter", entry)
		}
		c[entry[:i]] = n
	}
	return c, nil
}

// Validate checks that every device id is non-empty and every counter is
// non-negative.
func (c Clock) Validate() error {
	for device, n := range c {
		if strings.TrimSpace(device) == "" {
			return fmt.Errorf("clock has empty device id")
		}
		if n < 0 {
			return fmt.Errorf("clock component %s is negative: %d", device, n)
		}
	}
	return nil
}
