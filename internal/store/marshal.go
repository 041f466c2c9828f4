package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/vclock"
)

// marshalClock stores clocks as JSON objects; json.Marshal sorts map keys,
// so equal clocks produce identical text.
func marshalClock(c vclock.Clock) (string, error) {
	if c == nil {
		c = vclock.Clock{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal clock: %w", err)
	}
	return string(data), nil
}

func unmarshalClock(s string) (vclock.Clock, error) {
	c := vclock.Clock{}
	if s == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("unmarshal clock: %w", err)
	}
	return c, nil
}

func marshalState(st crdt.State) (string, error) {
	data, err := crdt.MarshalState(st)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalRegister(s string) (crdt.Register, error) {
	var r crdt.Register
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return crdt.Register{}, fmt.Errorf("unmarshal register: %w", err)
	}
	return r, nil
}

func marshalRegister(r crdt.Register) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal register: %w", err)
	}
	return string(data), nil
}
