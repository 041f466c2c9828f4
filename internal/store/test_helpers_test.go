package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/vclock"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEvent builds a register event on product/1.
func createTestEvent(id, key, device string, counter int64, value string) event.Event {
	var k *string
	if key != "" {
		k = event.Key(key)
	}
	return event.Event{
		EventID:        id,
		IdempotencyKey: k,
		AggregateID:    "product/1",
		DeviceID:       device,
		Clock:          vclock.Clock{device: counter},
		Type:           event.TypeDelta,
		Payload: event.Payload{
			Field: "name",
			Delta: crdt.RegisterDelta{Value: ir.IRString(value), Timestamp: counter, TieBreak: device},
		},
		OccurredAt: 1000 + counter,
	}
}

// insertEvents writes events in one transaction and returns which were inserted.
func insertEvents(t *testing.T, s *Store, events ...event.Event) []bool {
	t.Helper()
	var inserted []bool
	err := s.InTx(context.Background(), func(tx *Tx) error {
		for _, ev := range events {
			ok, _, err := tx.InsertEvent(context.Background(), ev)
			if err != nil {
				return err
			}
			inserted = append(inserted, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insertEvents: %v", err)
	}
	return inserted
}
