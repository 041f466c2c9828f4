package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/vclock"
)

func TestInsertEvent_DedupByKey(t *testing.T) {
	s := createTestStore(t)

	first := createTestEvent("e1", "k1", "A", 1, "Milk")
	retry := createTestEvent("e1-retry", "k1", "A", 1, "Milk")

	inserted := insertEvents(t, s, first, retry)
	assert.Equal(t, []bool{true, false}, inserted)

	events, err := s.Events(context.Background(), "product/1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].EventID)
}

func TestInsertEvent_NullKeyNotDeduplicated(t *testing.T) {
	s := createTestStore(t)

	inserted := insertEvents(t, s,
		createTestEvent("e1", "", "A", 1, "Milk"),
		createTestEvent("e2", "", "A", 2, "Milk"),
	)
	assert.Equal(t, []bool{true, true}, inserted)
}

func TestInsertEvent_SameEventIDIsDuplicate(t *testing.T) {
	s := createTestStore(t)

	inserted := insertEvents(t, s,
		createTestEvent("e1", "", "A", 1, "Milk"),
		createTestEvent("e1", "", "A", 1, "Milk"),
	)
	assert.Equal(t, []bool{true, false}, inserted)
}

func TestRecorded(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	insertEvents(t, s, createTestEvent("e1", "k1", "A", 1, "Milk"))

	err := s.InTx(ctx, func(tx *Tx) error {
		byKey, err := tx.Recorded(ctx, createTestEvent("other", "k1", "A", 5, "x"))
		require.NoError(t, err)
		assert.True(t, byKey)

		byID, err := tx.Recorded(ctx, createTestEvent("e1", "", "A", 1, "Milk"))
		require.NoError(t, err)
		assert.True(t, byID)

		fresh, err := tx.Recorded(ctx, createTestEvent("e9", "", "A", 9, "x"))
		require.NoError(t, err)
		assert.False(t, fresh)
		return nil
	})
	require.NoError(t, err)
}

func TestEvents_RoundTripPreservesPayload(t *testing.T) {
	s := createTestStore(t)
	ev := createTestEvent("e1", "k1", "A", 1, "Leche")
	ev.Clock = vclock.Clock{"A": 1, "B": 4}
	insertEvents(t, s, ev)

	events, err := s.Events(context.Background(), "product/1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev, events[0])

	d, ok := events[0].Payload.Delta.(crdt.RegisterDelta)
	require.True(t, ok)
	assert.Equal(t, ir.IRString("Leche"), d.Value)
}

func TestEventsSince_FiltersByDeviceComponent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	insertEvents(t, s,
		createTestEvent("a1", "ka1", "A", 1, "x"),
		createTestEvent("b1", "kb1", "B", 1, "y"),
		createTestEvent("a2", "ka2", "A", 2, "z"),
	)

	all, err := s.EventsSince(ctx, "product/1", vclock.Clock{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	missing, err := s.EventsSince(ctx, "product/1", vclock.Clock{"A": 1})
	require.NoError(t, err)
	ids := []string{}
	for _, ev := range missing {
		ids = append(ids, ev.EventID)
	}
	assert.Equal(t, []string{"b1", "a2"}, ids, "ingestion order is preserved")

	none, err := s.EventsSince(ctx, "product/1", vclock.Clock{"A": 2, "B": 1})
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)
}

func TestEventsAfter_SeesLateLowerCounters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	insertEvents(t, s, createTestEvent("a2", "ka2", "A", 2, "y"))
	first, cursor, err := s.EventsAfter(ctx, "product/1", 0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Positive(t, cursor)

	// a1 reaches the log after a2. A clock view that saw A:2 hides it; the
	// log position does not.
	insertEvents(t, s, createTestEvent("a1", "ka1", "A", 1, "x"))
	hidden, err := s.EventsSince(ctx, "product/1", vclock.Clock{"A": 2})
	require.NoError(t, err)
	assert.Empty(t, hidden)

	late, next, err := s.EventsAfter(ctx, "product/1", cursor)
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, "a1", late[0].EventID)
	assert.Greater(t, next, cursor)

	none, same, err := s.EventsAfter(ctx, "product/1", next)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, next, same)
}

func TestPullCursor(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seq, err := s.PullCursor(ctx, "product/1")
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, s.SavePullCursor(ctx, "product/1", 7))
	require.NoError(t, s.SavePullCursor(ctx, "product/1", 3))
	seq, err = s.PullCursor(ctx, "product/1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq, "cursor never moves back")

	seq, err = s.PullCursor(ctx, "customer/9")
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestAggregates(t *testing.T) {
	s := createTestStore(t)
	ev := createTestEvent("e1", "k1", "A", 1, "x")
	other := createTestEvent("e2", "k2", "A", 2, "y")
	other.AggregateID = "customer/9"
	insertEvents(t, s, ev, other)

	aggs, err := s.Aggregates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"customer/9", "product/1"}, aggs)
}
