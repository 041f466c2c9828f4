package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/ingest"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/policy"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
	"github.com/roach88/tillsync/internal/vclock"
)

var quiet = testutil.DiscardLogger()

func stockEvent(id, device string, counter, total int64) event.Event {
	return event.Event{
		EventID:        id,
		IdempotencyKey: event.Key("k-" + id),
		AggregateID:    "product/1",
		DeviceID:       device,
		Clock:          vclock.Clock{device: counter},
		Type:           event.TypeDelta,
		Payload: event.Payload{
			Field: "stock",
			Delta: crdt.PNCounterDelta{Device: device, Increment: &total},
		},
		OccurredAt: counter,
	}
}

// failingTransport fails every Submit.
type failingTransport struct {
	calls int
	err   error
}

func (f *failingTransport) Submit(context.Context, []event.Event) (ingest.Result, error) {
	f.calls++
	return ingest.Result{}, f.err
}

func (f *failingTransport) FetchSince(context.Context, string, vclock.Clock) ([]event.Event, error) {
	return nil, f.err
}

func (f *failingTransport) FetchAfter(context.Context, string, int64) (ingest.Page, error) {
	return ingest.Page{}, f.err
}

func (f *failingTransport) Aggregates(context.Context) ([]string, error) {
	return nil, f.err
}

func testConfig() Config {
	return Config{
		BatchSize:   2,
		BackoffBase: time.Second,
		BackoffMax:  10 * time.Second,
		MaxAttempts: 3,
	}
}

func enqueue(t *testing.T, st *store.Store, now time.Time, events ...event.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, st.Enqueue(context.Background(), ev, now.UnixMilli()))
	}
}

func TestFlush_DeliversToAuthority(t *testing.T) {
	ctx := context.Background()
	device := testutil.OpenStore(t, "device.db")
	authority := ingest.New(testutil.OpenStore(t, "authority.db"), policy.Default(), ingest.WithLogger(quiet))
	clock := testutil.NewWallClockMillis(1_000_000)

	enqueue(t, device, clock.Now(),
		stockEvent("e1", "A", 1, 5),
		stockEvent("e2", "A", 2, 7),
		stockEvent("e3", "A", 3, 9),
	)

	f := NewFlusher(device, testConfig(), WithNow(clock.Now), WithLogger(quiet))
	rep, err := f.Flush(ctx, authority)
	require.NoError(t, err)
	assert.Equal(t, Report{Batches: 2, Sent: 3, Acked: 3}, rep)

	pending, err := device.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	st, err := authority.Value(ctx, "product/1", "stock")
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(9), crdt.Value(st))
}

func TestFlush_RedeliveryIsAcknowledgedAsDuplicate(t *testing.T) {
	ctx := context.Background()
	device := testutil.OpenStore(t, "device.db")
	authority := ingest.New(testutil.OpenStore(t, "authority.db"), policy.Default(), ingest.WithLogger(quiet))
	clock := testutil.NewWallClockMillis(1_000_000)

	ev := stockEvent("e1", "A", 1, 5)
	_, err := authority.Submit(ctx, []event.Event{ev})
	require.NoError(t, err)

	// The ack was lost; the entry is still queued.
	enqueue(t, device, clock.Now(), ev)
	rep, err := NewFlusher(device, testConfig(), WithNow(clock.Now), WithLogger(quiet)).Flush(ctx, authority)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Acked)
	assert.Equal(t, 1, rep.Duplicates)

	count, err := authority.Store().EventCount(ctx, "product/1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFlush_RejectedEntriesBecomeDeadLetters(t *testing.T) {
	ctx := context.Background()
	device := testutil.OpenStore(t, "device.db")
	authority := ingest.New(testutil.OpenStore(t, "authority.db"), policy.Default(), ingest.WithLogger(quiet))
	clock := testutil.NewWallClockMillis(1_000_000)

	bad := stockEvent("bad", "A", 1, 1)
	bad.AggregateID = "invoice/1"
	enqueue(t, device, clock.Now(), bad, stockEvent("good", "A", 2, 1))

	rep, err := NewFlusher(device, testConfig(), WithNow(clock.Now), WithLogger(quiet)).Flush(ctx, authority)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Acked)
	assert.Equal(t, 1, rep.Rejected)

	dead, err := device.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "bad", dead[0].Event.EventID)
	assert.Contains(t, dead[0].LastError, string(ingest.CodeUnknownAggregate))
}

func TestFlush_TransportFailureBacksOffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	device := testutil.OpenStore(t, "device.db")
	clock := testutil.NewWallClockMillis(1_000_000)
	tr := &failingTransport{err: errors.New("connection refused")}

	enqueue(t, device, clock.Now(), stockEvent("e1", "A", 1, 5))
	f := NewFlusher(device, testConfig(), WithNow(clock.Now), WithLogger(quiet))

	rep, err := f.Flush(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Retried)

	pending, err := device.PendingOutbox(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, clock.Now().Add(time.Second).UnixMilli(), pending[0].NextAttemptAt)
	assert.Equal(t, "connection refused", pending[0].LastError)

	// Not due yet.
	_, err = f.Flush(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.calls)

	clock.Advance(time.Second)
	_, err = f.Flush(ctx, tr)
	require.NoError(t, err)
	pending, err = device.PendingOutbox(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, clock.Now().Add(2*time.Second).UnixMilli(), pending[0].NextAttemptAt)

	clock.Advance(2 * time.Second)
	rep, err = f.Flush(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dead)

	dead, err := device.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
}

func TestFlush_CancelledContextLeavesEntriesQueued(t *testing.T) {
	device := testutil.OpenStore(t, "device.db")
	clock := testutil.NewWallClockMillis(1_000_000)
	enqueue(t, device, clock.Now(), stockEvent("e1", "A", 1, 5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &failingTransport{err: errors.New("unused")}

	_, err := NewFlusher(device, testConfig(), WithNow(clock.Now), WithLogger(quiet)).Flush(ctx, tr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, tr.calls)

	pending, err := device.PendingOutbox(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].Attempts)
}

func TestBackoff(t *testing.T) {
	cfg := Config{BackoffBase: time.Second, BackoffMax: 30 * time.Second}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
	assert.Zero(t, Config{}.Backoff(3))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	device := testutil.OpenStore(t, "device.db")
	start := time.UnixMilli(1_000_000)
	enqueue(t, device, start, stockEvent("e1", "A", 1, 5))
	enqueue(t, device, start.Add(time.Minute), stockEvent("e2", "A", 2, 6))
	require.NoError(t, device.DeadLetter(ctx, "e2", 3, "gave up"))

	stats, err := ReadStats(ctx, device, start.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Dead: 1, OldestPendingAge: 90 * time.Second}, stats)

	empty, err := ReadStats(ctx, testutil.OpenStore(t, "other.db"), start)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, empty)
}
