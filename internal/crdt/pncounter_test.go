package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPNCounter_ConcurrentIncrementsConverge(t *testing.T) {
	empty := EmptyPNCounter()
	fromA := empty.IncrementBy("A", 5)
	fromB := empty.IncrementBy("B", 3)

	ab := ApplyPNCounter(ApplyPNCounter(empty, fromA), fromB)
	ba := ApplyPNCounter(ApplyPNCounter(empty, fromB), fromA)

	assert.Equal(t, int64(8), ab.Value())
	assert.Equal(t, ab, ba)
}

func TestPNCounter_RedeliveryDoesNotDoubleCount(t *testing.T) {
	s := EmptyPNCounter()
	d := s.IncrementBy("A", 5)
	s = ApplyPNCounter(s, d)
	s = ApplyPNCounter(s, d)
	assert.Equal(t, int64(5), s.Value())
}

func TestPNCounter_OutOfOrderTotals(t *testing.T) {
	s := EmptyPNCounter()
	first := s.IncrementBy("A", 2)
	second := ApplyPNCounter(s, first).IncrementBy("A", 4)

	s = ApplyPNCounter(s, second)
	s = ApplyPNCounter(s, first)
	assert.Equal(t, int64(6), s.Value())
}

func TestPNCounter_Decrement(t *testing.T) {
	s := EmptyPNCounter()
	s = ApplyPNCounter(s, s.IncrementBy("A", 10))
	s = ApplyPNCounter(s, s.DecrementBy("B", 4))
	assert.Equal(t, int64(6), s.Value())

	inc, dec := s.Totals("B")
	assert.Equal(t, int64(0), inc)
	assert.Equal(t, int64(4), dec)
}

func TestMergePNCounter(t *testing.T) {
	a := PNCounter{Increments: map[string]int64{"A": 5}, Decrements: map[string]int64{}}
	b := PNCounter{Increments: map[string]int64{"A": 3, "B": 2}, Decrements: map[string]int64{"B": 1}}

	merged := MergePNCounter(a, b)
	assert.Equal(t, int64(6), merged.Value())
	assert.Equal(t, merged, MergePNCounter(b, a))
}

func TestPNCounterDelta_Validate(t *testing.T) {
	five := int64(5)
	neg := int64(-1)

	assert.NoError(t, PNCounterDelta{Device: "A", Increment: &five}.Validate())
	assert.Error(t, PNCounterDelta{Increment: &five}.Validate())
	assert.Error(t, PNCounterDelta{Device: "A"}.Validate())
	assert.Error(t, PNCounterDelta{Device: "A", Decrement: &neg}.Validate())
}
