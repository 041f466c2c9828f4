package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_EnqueueDueAck(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e1 := createTestEvent("e1", "k1", "A", 1, "x")
	e2 := createTestEvent("e2", "k2", "A", 2, "y")
	require.NoError(t, s.Enqueue(ctx, e1, 100))
	require.NoError(t, s.Enqueue(ctx, e2, 101))
	require.NoError(t, s.Enqueue(ctx, e1, 102), "re-enqueue is a no-op")

	due, err := s.DueOutbox(ctx, 200, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, e1, due[0].Event)
	assert.Equal(t, OutboxPending, due[0].Status)
	assert.Equal(t, int64(100), due[0].EnqueuedAt)

	limited, err := s.DueOutbox(ctx, 200, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := s.AckOutbox(ctx, []string{"e1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.AckOutbox(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOutbox_RetryAndDeadLetter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, createTestEvent("e1", "k1", "A", 1, "x"), 100))
	require.NoError(t, s.Enqueue(ctx, createTestEvent("e2", "k2", "A", 2, "y"), 100))

	require.NoError(t, s.RetryLater(ctx, "e1", 1, 500, "connection refused"))
	due, err := s.DueOutbox(ctx, 200, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "e2", due[0].Event.EventID)

	due, err = s.DueOutbox(ctx, 500, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "connection refused", due[0].LastError)

	require.NoError(t, s.DeadLetter(ctx, "e2", 3, "MALFORMED_DELTA: bad tag"))
	stats, err := s.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutboxStats{Pending: 1, Dead: 1, OldestPendingAt: 100}, stats)

	dead, err := s.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "MALFORMED_DELTA: bad tag", dead[0].LastError)

	n, err := s.Requeue(ctx, 900)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending, err := s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestOutboxStats_Empty(t *testing.T) {
	s := createTestStore(t)
	stats, err := s.OutboxStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutboxStats{}, stats)
}
