package hlc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func frozen(ms int64) func() int64 { return func() int64 { return ms } }

func TestClock_FollowsWallClock(t *testing.T) {
	now := int64(1000)
	c := NewWithSource(func() int64 { return now })

	assert.Equal(t, int64(1000), c.Next())
	now = 2000
	assert.Equal(t, int64(2000), c.Next())
}

func TestClock_MonotonicWhenWallClockStalls(t *testing.T) {
	c := NewWithSource(frozen(500))
	assert.Equal(t, int64(500), c.Next())
	assert.Equal(t, int64(501), c.Next())
	assert.Equal(t, int64(502), c.Next())
}

func TestClock_Observe(t *testing.T) {
	c := NewWithSource(frozen(100))
	c.Observe(900)
	assert.Equal(t, int64(901), c.Next())

	c.Observe(10)
	assert.Equal(t, int64(902), c.Next(), "observing the past never rewinds")
}

func TestClock_NewAt(t *testing.T) {
	c := NewAt(42, frozen(1))
	assert.Equal(t, int64(42), c.Current())
	assert.Equal(t, int64(43), c.Next())
}

func TestClock_ConcurrentUnique(t *testing.T) {
	c := NewWithSource(frozen(1))
	const n = 100

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts := c.Next()
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[ts], "duplicate stamp %d", ts)
			seen[ts] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}
