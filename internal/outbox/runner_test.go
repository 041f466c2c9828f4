package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ingest"
	"github.com/roach88/tillsync/internal/policy"
	"github.com/roach88/tillsync/internal/testutil"
)

func TestRunner_FlushesOnSchedule(t *testing.T) {
	device := testutil.OpenStore(t, "device.db")
	authority := ingest.New(testutil.OpenStore(t, "authority.db"), policy.Default(), ingest.WithLogger(quiet))
	enqueue(t, device, time.Now(), stockEvent("e1", "A", 1, 5))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := NewRunner(NewFlusher(device, testConfig(), WithLogger(quiet)), authority, "@every 1s", quiet)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := ReadStats(context.Background(), device, time.Now())
		return err == nil && stats.Pending == 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_InvalidSchedule(t *testing.T) {
	r := NewRunner(NewFlusher(testutil.OpenStore(t, "device.db"), testConfig()), nil, "every now and then", quiet)
	err := r.Run(context.Background())
	assert.ErrorContains(t, err, "parse schedule")
}

func TestNewRunner_DefaultSchedule(t *testing.T) {
	r := NewRunner(nil, nil, "", nil)
	assert.Equal(t, DefaultSchedule, r.schedule)
}
