package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/vclock"
)

func TestConflict_ConcurrentRenameIsDeterministicAndSurfaced(t *testing.T) {
	milk := mkEvent("a1", "ka1", "product/1", "A", vclock.Clock{"A": 1}, "name", name("Milk", 100, "A"))
	leche := mkEvent("b1", "kb1", "product/1", "B", vclock.Clock{"B": 1}, "name", name("Leche", 100, "B"))

	for _, order := range [][]event.Event{{milk, leche}, {leche, milk}} {
		p := newTestPipeline(t)
		submit(t, p, order[0])
		res := submit(t, p, order[1])

		assert.Equal(t, ir.IRString("Leche"), fieldValue(t, p, "product/1", "name"))
		require.Len(t, res.Conflicts, 1)

		open, err := p.Store().OpenConflicts(context.Background(), "product/1")
		require.NoError(t, err)
		require.Len(t, open, 1)
		c := open[0]
		assert.Equal(t, ir.IRString("Leche"), c.Mine.Value)
		assert.Equal(t, ir.IRString("Milk"), c.Theirs.Value)
		assert.Equal(t, "b1", c.MineEventID)
		assert.Equal(t, "a1", c.LosingEventID)
		assert.Equal(t, store.ConflictOpen, c.Status)
		assert.Equal(t, "medium", string(c.Priority))
	}
}

func TestConflict_NotRaisedForFieldsWithoutConfirmation(t *testing.T) {
	p := newTestPipeline(t)
	res := submit(t, p,
		mkEvent("a1", "ka1", "product/1", "A", vclock.Clock{"A": 1}, "display_price", name("1.00", 100, "A")),
		mkEvent("b1", "kb1", "product/1", "B", vclock.Clock{"B": 1}, "display_price", name("1.10", 100, "B")),
	)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, ir.IRString("1.10"), fieldValue(t, p, "product/1", "display_price"))
}

func TestConflict_NotRaisedForCausallyLaterWrite(t *testing.T) {
	p := newTestPipeline(t)
	res := submit(t, p,
		mkEvent("a1", "ka1", "product/1", "A", vclock.Clock{"A": 1}, "name", name("Milk", 100, "A")),
		mkEvent("b1", "kb1", "product/1", "B", vclock.Clock{"A": 1, "B": 1}, "name", name("Leche", 90, "B")),
	)
	assert.Empty(t, res.Conflicts)
	// LWW still decides by timestamp; causality only gates conflict detection.
	assert.Equal(t, ir.IRString("Milk"), fieldValue(t, p, "product/1", "name"))
}

func TestConflict_NotRaisedForEqualValues(t *testing.T) {
	p := newTestPipeline(t)
	res := submit(t, p,
		mkEvent("a1", "ka1", "product/1", "A", vclock.Clock{"A": 1}, "name", name("Milk", 100, "A")),
		mkEvent("b1", "kb1", "product/1", "B", vclock.Clock{"B": 1}, "name", name("Milk", 101, "B")),
	)
	assert.Empty(t, res.Conflicts)
}

func TestConflict_ThirdConcurrentWriterUpdatesOpenRecord(t *testing.T) {
	p := newTestPipeline(t)
	submit(t, p,
		mkEvent("a1", "ka1", "product/1", "A", vclock.Clock{"A": 1}, "name", name("Milk", 100, "A")),
		mkEvent("b1", "kb1", "product/1", "B", vclock.Clock{"B": 1}, "name", name("Leche", 100, "B")),
	)
	res := submit(t, p,
		mkEvent("c1", "kc1", "product/1", "C", vclock.Clock{"C": 1}, "name", name("Lait", 105, "C")),
	)
	require.Len(t, res.Conflicts, 1)

	open, err := p.Store().OpenConflicts(context.Background(), "product/1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, res.Conflicts[0], open[0].ID)
	assert.Equal(t, ir.IRString("Lait"), open[0].Mine.Value)
	assert.Equal(t, ir.IRString("Leche"), open[0].Theirs.Value)
}

func TestConflict_ResolutionEventClosesRecord(t *testing.T) {
	p := newTestPipeline(t)
	res := submit(t, p,
		mkEvent("a1", "ka1", "product/1", "A", vclock.Clock{"A": 1}, "name", name("Milk", 100, "A")),
		mkEvent("b1", "kb1", "product/1", "B", vclock.Clock{"B": 1}, "name", name("Leche", 100, "B")),
	)
	require.Len(t, res.Conflicts, 1)
	conflictID := res.Conflicts[0]

	resolution := mkEvent("r1", "kr1", "product/1", "A", vclock.Clock{"A": 2, "B": 1}, "name", name("Milk", 101, "A"))
	resolution.Type = event.TypeResolution
	resolution.Payload.Resolution = &event.Resolution{ConflictID: conflictID, Decision: event.TakeTheirs}

	out := submit(t, p, resolution)
	assert.Equal(t, []string{"r1"}, out.Accepted)
	assert.Empty(t, out.Conflicts)
	assert.Equal(t, ir.IRString("Milk"), fieldValue(t, p, "product/1", "name"))

	rec, found, err := p.Store().Conflict(context.Background(), conflictID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.ConflictResolved, rec.Status)
	assert.Equal(t, event.TakeTheirs, rec.Decision)
	assert.Equal(t, "A", rec.ResolvedBy)
	assert.Equal(t, "r1", rec.ResolutionEventID)
}

func TestConflict_ResolutionFromAnotherReplicaClosesLocalRecord(t *testing.T) {
	p := newTestPipeline(t)
	submit(t, p,
		mkEvent("a1", "ka1", "product/1", "A", vclock.Clock{"A": 1}, "name", name("Milk", 100, "A")),
		mkEvent("b1", "kb1", "product/1", "B", vclock.Clock{"B": 1}, "name", name("Leche", 100, "B")),
	)

	resolution := mkEvent("r1", "kr1", "product/1", "Z", vclock.Clock{"A": 1, "B": 1, "Z": 1}, "name", name("Leche", 200, "Z"))
	resolution.Type = event.TypeResolution
	resolution.Payload.Resolution = &event.Resolution{ConflictID: "minted-elsewhere", Decision: event.KeepMine}
	submit(t, p, resolution)

	open, err := p.Store().OpenConflicts(context.Background(), "product/1")
	require.NoError(t, err)
	assert.Empty(t, open)
}
