package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/vclock"
)

// FieldRecord is the stored state of one aggregate field.
type FieldRecord struct {
	AggregateID string
	Field       string
	State       crdt.State

	// WriterClock and WriterEventID identify the event whose register delta
	// currently wins. Empty for non-register fields.
	WriterClock   vclock.Clock
	WriterEventID string
}

// LoadField returns the field's stored state, or the empty state of kind when
// the field has never been written. A stored state of a different kind is
// reported as crdt.ErrKindMismatch.
func (t *Tx) LoadField(ctx context.Context, aggregateID, field string, kind crdt.Kind) (FieldRecord, error) {
	rec, found, err := loadField(ctx, t.tx, aggregateID, field)
	if err != nil {
		return FieldRecord{}, err
	}
	if !found {
		empty, err := crdt.Empty(kind)
		if err != nil {
			return FieldRecord{}, err
		}
		return FieldRecord{AggregateID: aggregateID, Field: field, State: empty, WriterClock: vclock.Clock{}}, nil
	}
	if rec.State.Kind() != kind {
		return FieldRecord{}, fmt.Errorf("field %s.%s stored as %s, policy says %s: %w",
			aggregateID, field, rec.State.Kind(), kind, crdt.ErrKindMismatch)
	}
	return rec, nil
}

// SaveField upserts the field state.
func (t *Tx) SaveField(ctx context.Context, rec FieldRecord, seq int64) error {
	stateJSON, err := marshalState(rec.State)
	if err != nil {
		return fmt.Errorf("save field %s.%s: %w", rec.AggregateID, rec.Field, err)
	}
	clockJSON, err := marshalClock(rec.WriterClock)
	if err != nil {
		return fmt.Errorf("save field %s.%s: %w", rec.AggregateID, rec.Field, err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO crdt_state (aggregate_id, field, kind, state, writer_clock, writer_event_id, updated_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(aggregate_id, field) DO UPDATE SET
			kind = excluded.kind,
			state = excluded.state,
			writer_clock = excluded.writer_clock,
			writer_event_id = excluded.writer_event_id,
			updated_seq = excluded.updated_seq
	`, rec.AggregateID, rec.Field, string(rec.State.Kind()), stateJSON, clockJSON, rec.WriterEventID, seq)
	if err != nil {
		return fmt.Errorf("save field %s.%s: %w", rec.AggregateID, rec.Field, err)
	}
	return nil
}

// LoadClock returns the aggregate's merged clock (empty when unknown).
func (t *Tx) LoadClock(ctx context.Context, aggregateID string) (vclock.Clock, error) {
	return loadClock(ctx, t.tx, aggregateID)
}

// SaveClock upserts the aggregate's clock.
func (t *Tx) SaveClock(ctx context.Context, aggregateID string, clock vclock.Clock, seq int64) error {
	clockJSON, err := marshalClock(clock)
	if err != nil {
		return fmt.Errorf("save clock %s: %w", aggregateID, err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO aggregate_clocks (aggregate_id, clock, updated_seq)
		VALUES (?, ?, ?)
		ON CONFLICT(aggregate_id) DO UPDATE SET
			clock = excluded.clock,
			updated_seq = excluded.updated_seq
	`, aggregateID, clockJSON, seq)
	if err != nil {
		return fmt.Errorf("save clock %s: %w", aggregateID, err)
	}
	return nil
}

// Field returns the stored field state. found is false when the field has
// never been written.
func (s *Store) Field(ctx context.Context, aggregateID, field string) (rec FieldRecord, found bool, err error) {
	return loadField(ctx, s.db, aggregateID, field)
}

// Fields returns every stored field of the aggregate, ordered by field name.
func (s *Store) Fields(ctx context.Context, aggregateID string) ([]FieldRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, state, writer_clock, writer_event_id
		FROM crdt_state
		WHERE aggregate_id = ?
		ORDER BY field COLLATE BINARY ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query fields: %w", err)
	}
	defer rows.Close()

	out := []FieldRecord{}
	for rows.Next() {
		var field, stateJSON, clockJSON, writer string
		if err := rows.Scan(&field, &stateJSON, &clockJSON, &writer); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		rec, err := decodeField(aggregateID, field, stateJSON, clockJSON, writer)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}
	return out, nil
}

// Clock returns the aggregate's merged clock (empty when unknown).
func (s *Store) Clock(ctx context.Context, aggregateID string) (vclock.Clock, error) {
	return loadClock(ctx, s.db, aggregateID)
}

func loadField(ctx context.Context, q querier, aggregateID, field string) (FieldRecord, bool, error) {
	var stateJSON, clockJSON, writer string
	err := q.QueryRowContext(ctx, `
		SELECT state, writer_clock, writer_event_id
		FROM crdt_state
		WHERE aggregate_id = ? AND field = ?
	`, aggregateID, field).Scan(&stateJSON, &clockJSON, &writer)
	if errors.Is(err, sql.ErrNoRows) {
		return FieldRecord{}, false, nil
	}
	if err != nil {
		return FieldRecord{}, false, fmt.Errorf("load field %s.%s: %w", aggregateID, field, err)
	}
	rec, err := decodeField(aggregateID, field, stateJSON, clockJSON, writer)
	if err != nil {
		return FieldRecord{}, false, err
	}
	return rec, true, nil
}

func decodeField(aggregateID, field, stateJSON, clockJSON, writer string) (FieldRecord, error) {
	st, err := crdt.UnmarshalState([]byte(stateJSON))
	if err != nil {
		return FieldRecord{}, fmt.Errorf("field %s.%s: %w", aggregateID, field, err)
	}
	clock, err := unmarshalClock(clockJSON)
	if err != nil {
		return FieldRecord{}, fmt.Errorf("field %s.%s: %w", aggregateID, field, err)
	}
	return FieldRecord{
		AggregateID:   aggregateID,
		Field:         field,
		State:         st,
		WriterClock:   clock,
		WriterEventID: writer,
	}, nil
}

func loadClock(ctx context.Context, q querier, aggregateID string) (vclock.Clock, error) {
	var clockJSON string
	err := q.QueryRowContext(ctx, `SELECT clock FROM aggregate_clocks WHERE aggregate_id = ?`, aggregateID).Scan(&clockJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return vclock.Clock{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load clock %s: %w", aggregateID, err)
	}
	return unmarshalClock(clockJSON)
}

// Snapshot is a point-in-time view of one aggregate.
type Snapshot struct {
	AggregateID string
	Fields      map[string]crdt.State
	Clock       vclock.Clock
	EventCount  int

	// Hash is a content hash over the field states and clock. Replicas that
	// have converged report the same hash.
	Hash string
}

// Values projects each field's computed value.
func (s Snapshot) Values() map[string]ir.IRValue {
	out := make(map[string]ir.IRValue, len(s.Fields))
	for name, st := range s.Fields {
		out[name] = crdt.Value(st)
	}
	return out
}

// Snapshot reads the aggregate's fields, clock and event count in one
// transaction.
func (s *Store) Snapshot(ctx context.Context, aggregateID string) (Snapshot, error) {
	snap := Snapshot{AggregateID: aggregateID, Fields: map[string]crdt.State{}}

	err := s.InTx(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx, `
			SELECT field, state FROM crdt_state
			WHERE aggregate_id = ?
			ORDER BY field COLLATE BINARY ASC
		`, aggregateID)
		if err != nil {
			return fmt.Errorf("query snapshot fields: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var field, stateJSON string
			if err := rows.Scan(&field, &stateJSON); err != nil {
				return fmt.Errorf("scan snapshot field: %w", err)
			}
			st, err := crdt.UnmarshalState([]byte(stateJSON))
			if err != nil {
				return fmt.Errorf("snapshot field %s: %w", field, err)
			}
			snap.Fields[field] = st
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate snapshot fields: %w", err)
		}

		if snap.Clock, err = loadClock(ctx, tx.tx, aggregateID); err != nil {
			return err
		}
		snap.EventCount, err = countEvents(ctx, tx.tx, aggregateID)
		return err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", aggregateID, err)
	}

	hash, err := snapshotHash(snap)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", aggregateID, err)
	}
	snap.Hash = hash
	return snap, nil
}

func snapshotHash(snap Snapshot) (string, error) {
	fields := make(map[string]any, len(snap.Fields))
	for name, st := range snap.Fields {
		data, err := crdt.MarshalState(st)
		if err != nil {
			return "", err
		}
		fields[name] = string(data)
	}
	clock := make(map[string]any, len(snap.Clock))
	for d, n := range snap.Clock {
		clock[d] = n
	}
	canonical, err := ir.MarshalCanonical(map[string]any{
		"aggregate_id": snap.AggregateID,
		"clock":        clock,
		"fields":       fields,
	})
	if err != nil {
		return "", err
	}
	return ir.StateHash(canonical), nil
}
