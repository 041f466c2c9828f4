package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/ir"
)

// Register is a last-writer-wins register.
type Register struct {
	Value     ir.IRValue
	Timestamp int64
	TieBreak  string
}

// RegisterDelta proposes a new register value. TieBreak must be stable and
// globally comparable; devices use their device id.
type RegisterDelta struct {
	Value     ir.IRValue
	Timestamp int64
	TieBreak  string
}

// EmptyRegister returns a register that every valid delta overwrites.
func EmptyRegister() Register {
	return Register{Value: ir.IRNull{}}
}

// Written reports whether the register has ever accepted a delta.
func (r Register) Written() bool {
	return r.Timestamp != 0 || r.TieBreak != ""
}

// Newer reports whether a beats b under last-writer-wins: greater timestamp,
// then greater tie-break id, then greater canonical value bytes. The last
// step only matters for two writes that share (timestamp, tie-break) and
// keeps the order total.
func Newer(a, b Register) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if c := strings.Compare(a.TieBreak, b.TieBreak); c != 0 {
		return c > 0
	}
	return compareValues(a.Value, b.Value) > 0
}

// ApplyRegister replaces s with d when d is newer.
func ApplyRegister(s Register, d RegisterDelta) Register {
	candidate := Register(d)
	if candidate.Value == nil {
		candidate.Value = ir.IRNull{}
	}
	if Newer(candidate, s) {
		return candidate
	}
	return s
}

// MergeRegister keeps the newer of a and b.
func MergeRegister(a, b Register) Register {
	if Newer(b, a) {
		return b
	}
	return a
}

// Validate checks that the delta carries a value, a positive timestamp and a
// tie-break id.
func (d RegisterDelta) Validate() error {
	if d.Value == nil {
		return errors.New("lww delta: missing value")
	}
	if d.Timestamp <= 0 {
		return fmt.Errorf("lww delta: timestamp must be positive, got %d", d.Timestamp)
	}
	if strings.TrimSpace(d.TieBreak) == "" {
		return errors.New("lww delta: missing tie_break")
	}
	if _, isNull := d.Value.(ir.IRNull); !isNull {
		if _, err := ir.MarshalCanonical(d.Value); err != nil {
			return fmt.Errorf("lww delta: value: %w", err)
		}
	}
	return nil
}

// compareValues orders values by canonical bytes. Values that cannot be
// canonicalized fall back to their plain JSON encoding so the order stays
// total.
func compareValues(a, b ir.IRValue) int {
	if c, err := ir.Compare(a, b); err == nil {
		return c
	}
	return bytes.Compare(plainBytes(a), plainBytes(b))
}

func plainBytes(v ir.IRValue) []byte {
	if v == nil {
		return nil
	}
	data, err := ir.MarshalIRValue(v)
	if err != nil {
		return nil
	}
	return data
}

type registerJSON struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"ts"`
	TieBreak  string          `json:"tie_break"`
}

func marshalRegister(v ir.IRValue, ts int64, tb string) ([]byte, error) {
	if v == nil {
		v = ir.IRNull{}
	}
	value, err := ir.MarshalIRValue(v)
	if err != nil {
		return nil, fmt.Errorf("register value: %w", err)
	}
	return json.Marshal(registerJSON{Value: value, Timestamp: ts, TieBreak: tb})
}

func unmarshalRegister(data []byte) (ir.IRValue, int64, string, error) {
	var raw registerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, "", err
	}
	if len(raw.Value) == 0 {
		return nil, raw.Timestamp, raw.TieBreak, nil
	}
	v, err := ir.DecodeValue(raw.Value)
	if err != nil {
		return nil, 0, "", fmt.Errorf("register value: %w", err)
	}
	return v, raw.Timestamp, raw.TieBreak, nil
}

// MarshalJSON implements json.Marshaler.
func (r Register) MarshalJSON() ([]byte, error) {
	return marshalRegister(r.Value, r.Timestamp, r.TieBreak)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Register) UnmarshalJSON(data []byte) error {
	v, ts, tb, err := unmarshalRegister(data)
	if err != nil {
		return err
	}
	if v == nil {
		v = ir.IRNull{}
	}
	*r = Register{Value: v, Timestamp: ts, TieBreak: tb}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d RegisterDelta) MarshalJSON() ([]byte, error) {
	return marshalRegister(d.Value, d.Timestamp, d.TieBreak)
}

// UnmarshalJSON implements json.Unmarshaler. A missing value decodes to nil
// so that Validate can reject it.
func (d *RegisterDelta) UnmarshalJSON(data []byte) error {
	v, ts, tb, err := unmarshalRegister(data)
	if err != nil {
		return err
	}
	*d = RegisterDelta{Value: v, Timestamp: ts, TieBreak: tb}
	return nil
}
