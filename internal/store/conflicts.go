package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/policy"
	"github.com/roach88/tillsync/internal/vclock"
)

// ConflictStatus is the lifecycle state of a conflict record.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// ConflictRecord is a concurrent last-writer-wins collision on a field that
// requires confirmation. Mine is the register currently in effect (the LWW
// winner); Theirs is the losing candidate.
type ConflictRecord struct {
	ID            string
	AggregateID   string
	Field         string
	Mine          crdt.Register
	Theirs        crdt.Register
	MineEventID   string
	LosingEventID string
	MineClock     vclock.Clock
	TheirsClock   vclock.Clock
	Priority      policy.Priority
	Status        ConflictStatus

	Decision          event.Decision
	ResolvedBy        string
	ResolutionEventID string

	// Unix milliseconds.
	CreatedAt int64
	UpdatedAt int64
}

const conflictColumns = `id, aggregate_id, field, mine, theirs, mine_event_id, losing_event_id,
	mine_clock, theirs_clock, priority, status, decision, resolved_by, resolution_event_id,
	created_at, updated_at`

// OpenConflictFor returns the open conflict on the field, if any.
func (t *Tx) OpenConflictFor(ctx context.Context, aggregateID, field string) (ConflictRecord, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts
		WHERE aggregate_id = ? AND field = ? AND status = 'open'`, aggregateID, field)
	return scanConflictRow(row)
}

// Conflict returns the conflict with the given id.
func (t *Tx) Conflict(ctx context.Context, id string) (ConflictRecord, bool, error) {
	return conflictByID(ctx, t.tx, id)
}

// SaveConflict inserts rec or replaces the candidate columns of an existing
// record with the same id.
func (t *Tx) SaveConflict(ctx context.Context, rec ConflictRecord) error {
	mine, err := marshalRegister(rec.Mine)
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", rec.ID, err)
	}
	theirs, err := marshalRegister(rec.Theirs)
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", rec.ID, err)
	}
	mineClock, err := marshalClock(rec.MineClock)
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", rec.ID, err)
	}
	theirsClock, err := marshalClock(rec.TheirsClock)
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", rec.ID, err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mine = excluded.mine,
			theirs = excluded.theirs,
			mine_event_id = excluded.mine_event_id,
			losing_event_id = excluded.losing_event_id,
			mine_clock = excluded.mine_clock,
			theirs_clock = excluded.theirs_clock,
			priority = excluded.priority,
			updated_at = excluded.updated_at
	`,
		rec.ID, rec.AggregateID, rec.Field, mine, theirs, rec.MineEventID, rec.LosingEventID,
		mineClock, theirsClock, string(rec.Priority), string(rec.Status), string(rec.Decision),
		rec.ResolvedBy, rec.ResolutionEventID, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", rec.ID, err)
	}
	return nil
}

// MarkResolved closes an open conflict. resolved is false when the conflict
// does not exist or was already resolved.
func (t *Tx) MarkResolved(ctx context.Context, id string, decision event.Decision, resolvedBy, resolutionEventID string, at int64) (resolved bool, err error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE conflicts
		SET status = 'resolved', decision = ?, resolved_by = ?, resolution_event_id = ?, updated_at = ?
		WHERE id = ? AND status = 'open'
	`, string(decision), resolvedBy, resolutionEventID, at, id)
	if err != nil {
		return false, fmt.Errorf("resolve conflict %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve conflict %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// Conflict returns the conflict with the given id.
func (s *Store) Conflict(ctx context.Context, id string) (ConflictRecord, bool, error) {
	return conflictByID(ctx, s.db, id)
}

// OpenConflicts lists open conflicts, most urgent first. An empty
// aggregateID lists every aggregate.
func (s *Store) OpenConflicts(ctx context.Context, aggregateID string) ([]ConflictRecord, error) {
	return s.conflicts(ctx, aggregateID, ConflictOpen)
}

// ResolvedConflicts lists resolved conflicts with the same ordering.
func (s *Store) ResolvedConflicts(ctx context.Context, aggregateID string) ([]ConflictRecord, error) {
	return s.conflicts(ctx, aggregateID, ConflictResolved)
}

func (s *Store) conflicts(ctx context.Context, aggregateID string, status ConflictStatus) ([]ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflicts
		WHERE status = ? AND (? = '' OR aggregate_id = ?)
		ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			ELSE 3 END,
			created_at ASC, id COLLATE BINARY ASC
	`, string(status), aggregateID, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	out := []ConflictRecord{}
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

func conflictByID(ctx context.Context, q querier, id string) (ConflictRecord, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	return scanConflictRow(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConflictRow(row *sql.Row) (ConflictRecord, bool, error) {
	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictRecord{}, false, nil
	}
	if err != nil {
		return ConflictRecord{}, false, err
	}
	return rec, true, nil
}

func scanConflict(sc scanner) (ConflictRecord, error) {
	var (
		rec                   ConflictRecord
		mine, theirs          string
		mineClock, theirClock string
		priority, status      string
		decision              string
	)
	err := sc.Scan(&rec.ID, &rec.AggregateID, &rec.Field, &mine, &theirs, &rec.MineEventID, &rec.LosingEventID,
		&mineClock, &theirClock, &priority, &status, &decision, &rec.ResolvedBy, &rec.ResolutionEventID,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictRecord{}, err
	}
	if err != nil {
		return ConflictRecord{}, fmt.Errorf("scan conflict: %w", err)
	}

	if rec.Mine, err = unmarshalRegister(mine); err != nil {
		return ConflictRecord{}, fmt.Errorf("conflict %s: %w", rec.ID, err)
	}
	if rec.Theirs, err = unmarshalRegister(theirs); err != nil {
		return ConflictRecord{}, fmt.Errorf("conflict %s: %w", rec.ID, err)
	}
	if rec.MineClock, err = unmarshalClock(mineClock); err != nil {
		return ConflictRecord{}, fmt.Errorf("conflict %s: %w", rec.ID, err)
	}
	if rec.TheirsClock, err = unmarshalClock(theirClock); err != nil {
		return ConflictRecord{}, fmt.Errorf("conflict %s: %w", rec.ID, err)
	}
	rec.Priority = policy.Priority(priority)
	rec.Status = ConflictStatus(status)
	rec.Decision = event.Decision(decision)
	return rec, nil
}
