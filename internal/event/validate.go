package event

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/crdt"
)

// Validate performs the structural checks that need no policy or state:
// required ids, a well-formed aggregate id, a clock stamped by the emitting
// device, a known type and a self-consistent delta.
func (e Event) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return errors.New("missing event_id")
	}
	if e.IdempotencyKey != nil && strings.TrimSpace(*e.IdempotencyKey) == "" {
		return errors.New("idempotency_key is empty; use null to opt out of dedup")
	}
	if _, err := ParseAggregate(e.AggregateID); err != nil {
		return err
	}
	if strings.TrimSpace(e.DeviceID) == "" {
		return errors.New("missing device_id")
	}
	if err := e.Clock.Validate(); err != nil {
		return err
	}
	if e.Clock.Get(e.DeviceID) < 1 {
		return fmt.Errorf("clock has no tick for emitting device %s", e.DeviceID)
	}
	if strings.TrimSpace(e.Payload.Field) == "" {
		return errors.New("payload: missing field")
	}
	if e.Payload.Delta == nil {
		return errors.New("payload: missing delta")
	}
	if err := e.Payload.Delta.Validate(); err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	switch e.Type {
	case TypeDelta:
		if e.Payload.Resolution != nil {
			return errors.New("payload: resolution on a non-resolution event")
		}
	case TypeResolution:
		r := e.Payload.Resolution
		if r == nil {
			return errors.New("payload: resolution event without resolution")
		}
		if strings.TrimSpace(r.ConflictID) == "" {
			return errors.New("payload: resolution without conflict_id")
		}
		if _, err := ParseDecision(string(r.Decision)); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		if e.Payload.Delta.Kind() != crdt.KindLWW {
			return fmt.Errorf("payload: resolution carries %s delta, want lww", e.Payload.Delta.Kind())
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
