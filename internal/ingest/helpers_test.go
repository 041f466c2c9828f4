package ingest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/policy"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/vclock"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "replica.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(st, policy.Default(),
		WithIDGenerator(event.NewSequenceGenerator("conflict")),
		WithNow(func() int64 { return 1_700_000_000_000 }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func mkEvent(id, key, agg, device string, clock vclock.Clock, field string, d crdt.Delta) event.Event {
	var k *string
	if key != "" {
		k = event.Key(key)
	}
	return event.Event{
		EventID:        id,
		IdempotencyKey: k,
		AggregateID:    agg,
		DeviceID:       device,
		Clock:          clock,
		Type:           event.TypeDelta,
		Payload:        event.Payload{Field: field, Delta: d},
		OccurredAt:     1,
	}
}

func total(n int64) *int64 { return &n }

func inc(device string, n int64) crdt.PNCounterDelta {
	return crdt.PNCounterDelta{Device: device, Increment: total(n)}
}

func name(v string, ts int64, tb string) crdt.RegisterDelta {
	return crdt.RegisterDelta{Value: ir.IRString(v), Timestamp: ts, TieBreak: tb}
}

func submit(t *testing.T, p *Pipeline, batch ...event.Event) Result {
	t.Helper()
	res, err := p.Submit(context.Background(), batch)
	require.NoError(t, err)
	return res
}

func fieldValue(t *testing.T, p *Pipeline, agg, field string) ir.IRValue {
	t.Helper()
	st, err := p.Value(context.Background(), agg, field)
	require.NoError(t, err)
	return crdt.Value(st)
}
