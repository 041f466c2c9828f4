package event

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/vclock"
)

// Type categorizes events.
type Type string

const (
	// TypeDelta carries an ordinary field mutation.
	TypeDelta Type = "field.delta"

	// TypeResolution carries the chosen value of a resolved conflict.
	TypeResolution Type = "conflict.resolved"
)

// Decision is the outcome chosen for a conflict.
type Decision string

const (
	// KeepMine keeps the value currently in effect.
	KeepMine Decision = "keep_mine"

	// TakeTheirs adopts the losing candidate.
	TakeTheirs Decision = "take_theirs"
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case KeepMine, TakeTheirs:
		return Decision(s), nil
	default:
		return "", fmt.Errorf("unknown decision %q (want keep_mine or take_theirs)", s)
	}
}

// Resolution links a resolution event to the conflict it settles.
type Resolution struct {
	ConflictID string   `json:"conflict_id"`
	Decision   Decision `json:"decision"`
}

// Payload is the field mutation carried by an event.
type Payload struct {
	Field      string
	Delta      crdt.Delta
	Resolution *Resolution
}

// Event is an immutable replicated fact.
type Event struct {
	EventID        string       `json:"event_id"`
	IdempotencyKey *string      `json:"idempotency_key"`
	AggregateID    string       `json:"aggregate_id"`
	DeviceID       string       `json:"device_id"`
	Clock          vclock.Clock `json:"clock"`
	Type           Type         `json:"type"`
	Payload        Payload      `json:"payload"`

	// OccurredAt is the emitting device's wall clock in Unix milliseconds.
	// It is informational; ordering never depends on it.
	OccurredAt int64 `json:"occurred_at"`
}

// Key returns the idempotency key or "" when the event is not deduplicated.
func (e Event) Key() string {
	if e.IdempotencyKey == nil {
		return ""
	}
	return *e.IdempotencyKey
}

// Key is a helper for building events with an idempotency key.
func Key(s string) *string {
	return &s
}

type payloadJSON struct {
	Field      string          `json:"field"`
	Delta      json.RawMessage `json:"delta"`
	Resolution *Resolution     `json:"resolution,omitempty"`
}

// MarshalJSON encodes the delta inside its kind envelope.
func (p Payload) MarshalJSON() ([]byte, error) {
	raw := payloadJSON{Field: p.Field, Resolution: p.Resolution}
	if p.Delta != nil {
		delta, err := crdt.MarshalDelta(p.Delta)
		if err != nil {
			return nil, fmt.Errorf("payload %s: %w", p.Field, err)
		}
		raw.Delta = delta
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw payloadJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Payload{Field: raw.Field, Resolution: raw.Resolution}
	if len(raw.Delta) > 0 && string(raw.Delta) != "null" {
		d, err := crdt.UnmarshalDelta(raw.Delta)
		if err != nil {
			return fmt.Errorf("payload %s: %w", raw.Field, err)
		}
		out.Delta = d
	}
	*p = out
	return nil
}

// DecodeBatch parses a JSON array of events.
func DecodeBatch(data []byte) ([]Event, error) {
	var batch []Event
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}
	return batch, nil
}
