package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/vclock"
)

// InsertEvent appends ev to the log. It uses ON CONFLICT DO NOTHING, so
// inserted is false when the event id or the non-null idempotency key is
// already recorded. seq is the new row's sequence number when inserted.
func (t *Tx) InsertEvent(ctx context.Context, ev event.Event) (inserted bool, seq int64, err error) {
	clockJSON, err := marshalClock(ev.Clock)
	if err != nil {
		return false, 0, fmt.Errorf("insert event %s: %w", ev.EventID, err)
	}
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, 0, fmt.Errorf("insert event %s: marshal payload: %w", ev.EventID, err)
	}

	var key any
	if ev.IdempotencyKey != nil {
		key = *ev.IdempotencyKey
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO events
		(event_id, idempotency_key, aggregate_id, device_id, device_counter, vector_clock, type, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		ev.EventID,
		key,
		ev.AggregateID,
		ev.DeviceID,
		ev.Clock.Get(ev.DeviceID),
		clockJSON,
		string(ev.Type),
		string(payloadJSON),
		ev.OccurredAt,
	)
	if err != nil {
		return false, 0, fmt.Errorf("insert event %s: %w", ev.EventID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("insert event %s: rows affected: %w", ev.EventID, err)
	}
	if n == 0 {
		return false, 0, nil
	}

	seq, err = res.LastInsertId()
	if err != nil {
		return false, 0, fmt.Errorf("insert event %s: last insert id: %w", ev.EventID, err)
	}
	return true, seq, nil
}

// Recorded reports whether ev's id or non-null idempotency key is already in
// the log. It is an early check; InsertEvent remains authoritative.
func (t *Tx) Recorded(ctx context.Context, ev event.Event) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE event_id = ? OR (? IS NOT NULL AND idempotency_key = ?)
	`, ev.EventID, keyArg(ev), keyArg(ev)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check recorded %s: %w", ev.EventID, err)
	}
	return n > 0, nil
}

func keyArg(ev event.Event) any {
	if ev.IdempotencyKey == nil {
		return nil
	}
	return *ev.IdempotencyKey
}

// Events returns every event of the aggregate in ingestion order.
// Returns an empty slice (not nil) when there are none.
func (s *Store) Events(ctx context.Context, aggregateID string) ([]event.Event, error) {
	return s.EventsSince(ctx, aggregateID, nil)
}

// EventsSince returns, in ingestion order, the aggregate's events whose
// emitting device component exceeds the caller's component for that device.
// A device's events that reach the log out of counter order are hidden from
// a caller that already saw a later one; replication uses EventsAfter.
func (s *Store) EventsSince(ctx context.Context, aggregateID string, since vclock.Clock) ([]event.Event, error) {
	events := []event.Event{}
	err := s.scanEvents(ctx, aggregateID, 0, func(_ int64, ev event.Event) {
		if !since.Covers(ev.DeviceID, ev.Clock) {
			events = append(events, ev)
		}
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// EventsAfter returns, in ingestion order, the aggregate's events recorded
// after the log position cursor, together with the position of the last one.
// With no newer events the returned position is cursor itself.
func (s *Store) EventsAfter(ctx context.Context, aggregateID string, cursor int64) ([]event.Event, int64, error) {
	events := []event.Event{}
	last := cursor
	err := s.scanEvents(ctx, aggregateID, cursor, func(seq int64, ev event.Event) {
		events = append(events, ev)
		last = seq
	})
	if err != nil {
		return nil, 0, err
	}
	return events, last, nil
}

func (s *Store) scanEvents(ctx context.Context, aggregateID string, after int64, visit func(seq int64, ev event.Event)) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, idempotency_key, aggregate_id, device_id, vector_clock, type, payload, occurred_at
		FROM events
		WHERE aggregate_id = ? AND seq > ?
		ORDER BY seq ASC
	`, aggregateID, after)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		seq, ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		visit(seq, ev)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate events: %w", err)
	}
	return nil
}

// EventCount returns the number of events recorded for the aggregate.
func (s *Store) EventCount(ctx context.Context, aggregateID string) (int, error) {
	return countEvents(ctx, s.db, aggregateID)
}

func countEvents(ctx context.Context, q querier, aggregateID string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE aggregate_id = ?`, aggregateID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Aggregates returns every aggregate id with at least one event, sorted.
func (s *Store) Aggregates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT aggregate_id FROM events ORDER BY aggregate_id COLLATE BINARY`)
	if err != nil {
		return nil, fmt.Errorf("query aggregates: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", err)
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (int64, event.Event, error) {
	var (
		seq       int64
		ev        event.Event
		key       sql.NullString
		clockJSON string
		typ       string
		payload   string
	)
	if err := rows.Scan(&seq, &ev.EventID, &key, &ev.AggregateID, &ev.DeviceID, &clockJSON, &typ, &payload, &ev.OccurredAt); err != nil {
		return 0, event.Event{}, fmt.Errorf("scan event: %w", err)
	}
	if key.Valid {
		ev.IdempotencyKey = event.Key(key.String)
	}
	clock, err := unmarshalClock(clockJSON)
	if err != nil {
		return 0, event.Event{}, fmt.Errorf("event %s: %w", ev.EventID, err)
	}
	ev.Clock = clock
	ev.Type = event.Type(typ)
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return 0, event.Event{}, fmt.Errorf("event %s: unmarshal payload: %w", ev.EventID, err)
	}
	return seq, ev, nil
}
