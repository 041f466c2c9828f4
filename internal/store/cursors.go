package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PullCursor returns the authority log position up to which the aggregate
// has been pulled. Zero means never.
func (s *Store) PullCursor(ctx context.Context, aggregateID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM pull_cursors WHERE aggregate_id = ?`, aggregateID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pull cursor of %s: %w", aggregateID, err)
	}
	return seq, nil
}

// SavePullCursor records the pulled position. It never moves a cursor back.
func (s *Store) SavePullCursor(ctx context.Context, aggregateID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pull_cursors (aggregate_id, seq) VALUES (?, ?)
		ON CONFLICT (aggregate_id) DO UPDATE SET seq = MAX(seq, excluded.seq)
	`, aggregateID, seq)
	if err != nil {
		return fmt.Errorf("save pull cursor of %s: %w", aggregateID, err)
	}
	return nil
}
