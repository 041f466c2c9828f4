package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/event"
)

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxDead    OutboxStatus = "dead"
)

// OutboxEntry is one queued outgoing event.
type OutboxEntry struct {
	Seq           int64
	Event         event.Event
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt int64
	LastError     string
	EnqueuedAt    int64
}

// OutboxStats summarizes the queue.
type OutboxStats struct {
	Pending int
	Dead    int
	// OldestPendingAt is the enqueue time of the oldest pending entry, 0 when
	// nothing is pending.
	OldestPendingAt int64
}

// Enqueue adds ev to the outbox, due immediately. Enqueueing the same event
// id twice is a no-op.
func (s *Store) Enqueue(ctx context.Context, ev event.Event, now int64) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("enqueue %s: marshal: %w", ev.EventID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox (event_id, aggregate_id, event, status, attempts, next_attempt_at, enqueued_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, ev.EventID, ev.AggregateID, string(data), now, now)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", ev.EventID, err)
	}
	return nil
}

// DueOutbox returns up to limit pending entries whose next attempt is at or
// before now, oldest first.
func (s *Store) DueOutbox(ctx context.Context, now int64, limit int) ([]OutboxEntry, error) {
	return s.outboxEntries(ctx, `
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY seq ASC
		LIMIT ?`, now, limit)
}

// DeadLetters returns every dead entry, oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]OutboxEntry, error) {
	return s.outboxEntries(ctx, `WHERE status = 'dead' ORDER BY seq ASC`)
}

// PendingOutbox returns every pending entry regardless of schedule.
func (s *Store) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	return s.outboxEntries(ctx, `WHERE status = 'pending' ORDER BY seq ASC`)
}

func (s *Store) outboxEntries(ctx context.Context, where string, args ...any) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event, status, attempts, next_attempt_at, last_error, enqueued_at
		FROM outbox `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	out := []OutboxEntry{}
	for rows.Next() {
		var (
			e      OutboxEntry
			evJSON string
			status string
		)
		if err := rows.Scan(&e.Seq, &evJSON, &status, &e.Attempts, &e.NextAttemptAt, &e.LastError, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if err := json.Unmarshal([]byte(evJSON), &e.Event); err != nil {
			return nil, fmt.Errorf("outbox entry %d: unmarshal event: %w", e.Seq, err)
		}
		e.Status = OutboxStatus(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// AckOutbox deletes acknowledged entries and returns how many were removed.
func (s *Store) AckOutbox(ctx context.Context, eventIDs []string) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eventIDs)), ",")
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE event_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("ack outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ack outbox: rows affected: %w", err)
	}
	return int(n), nil
}

// RetryLater records a failed attempt and reschedules the entry.
func (s *Store) RetryLater(ctx context.Context, eventID string, attempts int, next int64, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE event_id = ? AND status = 'pending'
	`, attempts, next, lastErr, eventID)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", eventID, err)
	}
	return nil
}

// DeadLetter parks the entry; it is no longer flushed.
func (s *Store) DeadLetter(ctx context.Context, eventID string, attempts int, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'dead', attempts = ?, last_error = ?
		WHERE event_id = ?
	`, attempts, reason, eventID)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", eventID, err)
	}
	return nil
}

// Requeue moves every dead entry back to pending, due at now, with the
// attempt count reset.
func (s *Store) Requeue(ctx context.Context, now int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'pending', attempts = 0, next_attempt_at = ?
		WHERE status = 'dead'
	`, now)
	if err != nil {
		return 0, fmt.Errorf("requeue dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue dead letters: rows affected: %w", err)
	}
	return int(n), nil
}

// OutboxStats counts pending and dead entries.
func (s *Store) OutboxStats(ctx context.Context) (OutboxStats, error) {
	var st OutboxStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'dead' THEN 1 ELSE 0 END), 0),
			COALESCE(MIN(CASE WHEN status = 'pending' THEN enqueued_at END), 0)
		FROM outbox
	`).Scan(&st.Pending, &st.Dead, &st.OldestPendingAt)
	if err != nil {
		return OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return st, nil
}
