package crdt

import (
	"errors"
	"fmt"
	"strings"
)

// PNCounter is a positive-negative counter. Each map holds the highest
// cumulative total seen from each device, so redelivery and reordering never
// double count.
type PNCounter struct {
	Increments map[string]int64 `json:"increments"`
	Decrements map[string]int64 `json:"decrements"`
}

// PNCounterDelta carries a device's new cumulative totals. Either side may be
// omitted.
type PNCounterDelta struct {
	Device    string `json:"device"`
	Increment *int64 `json:"increment,omitempty"`
	Decrement *int64 `json:"decrement,omitempty"`
}

// EmptyPNCounter returns a zero counter.
func EmptyPNCounter() PNCounter {
	return PNCounter{
		Increments: make(map[string]int64),
		Decrements: make(map[string]int64),
	}
}

func (c PNCounter) clone() PNCounter {
	out := EmptyPNCounter()
	for d, n := range c.Increments {
		out.Increments[d] = n
	}
	for d, n := range c.Decrements {
		out.Decrements[d] = n
	}
	return out
}

// ApplyPNCounter raises the device's totals to those carried by d.
func ApplyPNCounter(s PNCounter, d PNCounterDelta) PNCounter {
	out := s.clone()
	if d.Increment != nil && *d.Increment > out.Increments[d.Device] {
		out.Increments[d.Device] = *d.Increment
	}
	if d.Decrement != nil && *d.Decrement > out.Decrements[d.Device] {
		out.Decrements[d.Device] = *d.Decrement
	}
	return out
}

// MergePNCounter takes the per-device maximum of both legs.
func MergePNCounter(a, b PNCounter) PNCounter {
	out := a.clone()
	for d, n := range b.Increments {
		if n > out.Increments[d] {
			out.Increments[d] = n
		}
	}
	for d, n := range b.Decrements {
		if n > out.Decrements[d] {
			out.Decrements[d] = n
		}
	}
	return out
}

// Value returns sum(increments) - sum(decrements).
func (c PNCounter) Value() int64 {
	var v int64
	for _, n := range c.Increments {
		v += n
	}
	for _, n := range c.Decrements {
		v -= n
	}
	return v
}

// Totals returns the device's current cumulative totals.
func (c PNCounter) Totals(device string) (inc, dec int64) {
	return c.Increments[device], c.Decrements[device]
}

// IncrementBy builds the delta that adds n to device's increment total.
func (c PNCounter) IncrementBy(device string, n int64) PNCounterDelta {
	total := c.Increments[device] + n
	return PNCounterDelta{Device: device, Increment: &total}
}

// DecrementBy builds the delta that adds n to device's decrement total.
func (c PNCounter) DecrementBy(device string, n int64) PNCounterDelta {
	total := c.Decrements[device] + n
	return PNCounterDelta{Device: device, Decrement: &total}
}

// Validate checks the device id and that totals are non-negative.
func (d PNCounterDelta) Validate() error {
	if strings.TrimSpace(d.Device) == "" {
		return errors.New("pncounter delta: missing device")
	}
	if d.Increment == nil && d.Decrement == nil {
		return errors.New("pncounter delta: neither increment nor decrement set")
	}
	if d.Increment != nil && *d.Increment < 0 {
		return fmt.Errorf("pncounter delta: negative increment total %d", *d.Increment)
	}
	if d.Decrement != nil && *d.Decrement < 0 {
		return fmt.Errorf("pncounter delta: negative decrement total %d", *d.Decrement)
	}
	return nil
}
