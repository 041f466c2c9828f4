package crdt

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/roach88/tillsync/internal/ir"
)

var lawDevices = []string{"A", "B", "C"}

// family maps small integers onto a bounded universe of well-formed deltas so
// that generated histories overlap often.
type family struct {
	kind  Kind
	max   int
	delta func(int) Delta
}

var families = []family{
	{
		kind: KindLWW,
		max:  23,
		delta: func(i int) Delta {
			return RegisterDelta{
				Value:     ir.IRInt(int64(i % 4)),
				Timestamp: int64(i/4%3 + 1),
				TieBreak:  lawDevices[i/12%2],
			}
		},
	},
	{
		kind: KindORSet,
		max:  23,
		delta: func(i int) Delta {
			op := SetAdd
			if i/12%2 == 1 {
				op = SetRemove
			}
			elem := []string{"x", "y", "z"}[i%3]
			return ORSetDelta{Op: op, Element: elem, Tag: fmt.Sprintf("%s-t%d", elem, i/3%4)}
		},
	},
	{
		kind: KindPNCounter,
		max:  29,
		delta: func(i int) Delta {
			total := int64(i / 6 % 5)
			d := PNCounterDelta{Device: lawDevices[i%3]}
			if i/3%2 == 0 {
				d.Increment = &total
			} else {
				d.Decrement = &total
			}
			return d
		},
	},
	{
		kind: KindRGA,
		max:  23,
		delta: func(i int) Delta {
			id := lawNode(i % 12)
			if i >= 12 {
				return RGADelta{Remove: &id}
			}
			return RGADelta{Insert: &RGAInsert{ID: id, Value: ir.IRString(id.String()), After: lawAnchor(id)}}
		},
	},
}

func lawNode(j int) NodeID {
	return NodeID{Stamp: int64(j%6 + 1), Device: lawDevices[j/6%2]}
}

// Each node's anchor is fixed by its id, so duplicates agree.
func lawAnchor(id NodeID) NodeID {
	if id.Stamp == 1 {
		return NodeID{}
	}
	return NodeID{Stamp: id.Stamp - 1, Device: lawDevices[int(id.Stamp)%2]}
}

func (f family) build(ops []int) State {
	s, err := Empty(f.kind)
	if err != nil {
		panic(err)
	}
	for _, op := range ops {
		s, err = Apply(s, f.delta(op))
		if err != nil {
			panic(err)
		}
	}
	return s
}

func (f family) merge(a, b State) State {
	m, err := Merge(a, b)
	if err != nil {
		panic(err)
	}
	return m
}

// causal moves RGA removes after inserts and drops removes of nodes the
// history never inserted. Ingestion rejects such removes before they reach
// the algebra, so delivered histories always have this shape.
func (f family) causal(ops []int) []int {
	if f.kind != KindRGA {
		return ops
	}
	var inserts, removes []int
	inserted := make(map[int]bool)
	for _, op := range ops {
		if op < 12 {
			inserts = append(inserts, op)
			inserted[op] = true
		}
	}
	for _, op := range ops {
		if op >= 12 && inserted[op-12] {
			removes = append(removes, op)
		}
	}
	return append(inserts, removes...)
}

func sameState(a, b State) bool {
	ab, errA := MarshalState(a)
	bb, errB := MarshalState(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}

func sameValue(a, b State) bool {
	c, err := ir.Compare(Value(a), Value(b))
	return err == nil && c == 0
}

func reverse(ops []int) []int {
	out := make([]int, len(ops))
	for i, op := range ops {
		out[len(ops)-1-i] = op
	}
	return out
}

func TestMergeLaws(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	for _, f := range families {
		f := f
		t.Run(string(f.kind), func(t *testing.T) {
			ops := gen.SliceOf(gen.IntRange(0, f.max))
			properties := gopter.NewProperties(parameters)

			properties.Property("merge is idempotent", prop.ForAll(
				func(a []int) bool {
					s := f.build(a)
					return sameState(f.merge(s, s), s)
				},
				ops,
			))

			properties.Property("merge is commutative", prop.ForAll(
				func(a, b []int) bool {
					sa, sb := f.build(a), f.build(b)
					return sameState(f.merge(sa, sb), f.merge(sb, sa))
				},
				ops, ops,
			))

			properties.Property("merge is associative", prop.ForAll(
				func(a, b, c []int) bool {
					sa, sb, sc := f.build(a), f.build(b), f.build(c)
					left := f.merge(f.merge(sa, sb), sc)
					right := f.merge(sa, f.merge(sb, sc))
					return sameState(left, right)
				},
				ops, ops, ops,
			))

			properties.Property("delta re-application is a no-op", prop.ForAll(
				func(a []int, op int) bool {
					d := f.delta(op)
					once, err := Apply(f.build(a), d)
					if err != nil {
						return false
					}
					twice, err := Apply(once, d)
					return err == nil && sameState(once, twice)
				},
				ops, gen.IntRange(0, f.max),
			))

			properties.Property("replicas converge regardless of order and duplication", prop.ForAll(
				func(a []int) bool {
					forward := f.build(f.causal(a))
					shuffled := append(reverse(a), a[:len(a)/2]...)
					backward := f.build(f.causal(shuffled))
					return sameValue(forward, backward)
				},
				ops,
			))

			properties.Property("merging split histories equals one replica applying all", prop.ForAll(
				func(a, b []int) bool {
					all := f.build(append(append([]int(nil), f.causal(a)...), f.causal(b)...))
					split := f.merge(f.build(f.causal(a)), f.build(f.causal(b)))
					return sameValue(all, split)
				},
				ops, ops,
			))

			properties.TestingRun(t)
		})
	}
}
