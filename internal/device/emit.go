package device

import (
	"context"
	"fmt"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/ir"
)

// SetRegister writes a last-writer-wins value. Its timestamp is above any
// value this device has seen for the field.
func (d *Device) SetRegister(ctx context.Context, aggregateID, field string, value ir.IRValue) (event.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.state(ctx, aggregateID, field)
	if err != nil {
		return event.Event{}, err
	}
	reg, ok := st.(crdt.Register)
	if !ok {
		return event.Event{}, fmt.Errorf("%s.%s is %s, not a register", aggregateID, field, st.Kind())
	}
	d.clock.Observe(reg.Timestamp)
	delta := crdt.RegisterDelta{Value: value, Timestamp: d.clock.Next(), TieBreak: d.id}
	return d.emitLocked(ctx, aggregateID, field, delta, "")
}

// AddElement adds elem to an OR-Set under a fresh tag.
func (d *Device) AddElement(ctx context.Context, aggregateID, field, elem string) (event.Event, error) {
	delta := crdt.ORSetDelta{Op: crdt.SetAdd, Element: elem, Tag: d.ids.Generate()}
	return d.Emit(ctx, aggregateID, field, delta, "")
}

// RemoveElement retracts every tag of elem this device has observed. It
// emits one event per tag and none when elem is absent.
func (d *Device) RemoveElement(ctx context.Context, aggregateID, field, elem string) ([]event.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.state(ctx, aggregateID, field)
	if err != nil {
		return nil, err
	}
	set, ok := st.(crdt.ORSet)
	if !ok {
		return nil, fmt.Errorf("%s.%s is %s, not a set", aggregateID, field, st.Kind())
	}

	var out []event.Event
	for _, tag := range set.LiveTags(elem) {
		ev, err := d.emitLocked(ctx, aggregateID, field, crdt.ORSetDelta{Op: crdt.SetRemove, Element: elem, Tag: tag}, "")
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Increment adds n to the device's increment total of a counter.
func (d *Device) Increment(ctx context.Context, aggregateID, field string, n int64) (event.Event, error) {
	return d.count(ctx, aggregateID, field, n, false)
}

// Decrement adds n to the device's decrement total of a counter.
func (d *Device) Decrement(ctx context.Context, aggregateID, field string, n int64) (event.Event, error) {
	return d.count(ctx, aggregateID, field, n, true)
}

func (d *Device) count(ctx context.Context, aggregateID, field string, n int64, down bool) (event.Event, error) {
	if n < 0 {
		return event.Event{}, fmt.Errorf("counter step must be non-negative, got %d", n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.state(ctx, aggregateID, field)
	if err != nil {
		return event.Event{}, err
	}
	counter, ok := st.(crdt.PNCounter)
	if !ok {
		return event.Event{}, fmt.Errorf("%s.%s is %s, not a counter", aggregateID, field, st.Kind())
	}
	delta := counter.IncrementBy(d.id, n)
	if down {
		delta = counter.DecrementBy(d.id, n)
	}
	return d.emitLocked(ctx, aggregateID, field, delta, "")
}

// InsertAfter inserts value after the node after (the zero NodeID is the
// head) and returns the new node's id.
func (d *Device) InsertAfter(ctx context.Context, aggregateID, field string, after crdt.NodeID, value ir.IRValue) (crdt.NodeID, event.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq, err := d.sequence(ctx, aggregateID, field)
	if err != nil {
		return crdt.NodeID{}, event.Event{}, err
	}
	return d.insertLocked(ctx, aggregateID, field, seq, after, value)
}

// Append inserts value after the last visible node.
func (d *Device) Append(ctx context.Context, aggregateID, field string, value ir.IRValue) (crdt.NodeID, event.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq, err := d.sequence(ctx, aggregateID, field)
	if err != nil {
		return crdt.NodeID{}, event.Event{}, err
	}
	return d.insertLocked(ctx, aggregateID, field, seq, seq.Last(), value)
}

// insertLocked stamps the new node above every stamp in seq, so it sorts
// directly after its anchor.
func (d *Device) insertLocked(ctx context.Context, aggregateID, field string, seq crdt.RGA, after crdt.NodeID, value ir.IRValue) (crdt.NodeID, event.Event, error) {
	for _, n := range seq.Nodes {
		d.clock.Observe(n.ID.Stamp)
	}
	id := crdt.NodeID{Stamp: d.clock.Next(), Device: d.id}
	delta := crdt.RGADelta{Insert: &crdt.RGAInsert{ID: id, Value: value, After: after}}
	ev, err := d.emitLocked(ctx, aggregateID, field, delta, "")
	if err != nil {
		return crdt.NodeID{}, event.Event{}, err
	}
	return id, ev, nil
}

// RemoveNode hides a sequence node.
func (d *Device) RemoveNode(ctx context.Context, aggregateID, field string, id crdt.NodeID) (event.Event, error) {
	return d.Emit(ctx, aggregateID, field, crdt.RGADelta{Remove: &id}, "")
}

// Nodes returns the visible node ids of a sequence in list order.
func (d *Device) Nodes(ctx context.Context, aggregateID, field string) ([]crdt.NodeID, error) {
	seq, err := d.sequence(ctx, aggregateID, field)
	if err != nil {
		return nil, err
	}
	return seq.VisibleIDs(), nil
}

func (d *Device) sequence(ctx context.Context, aggregateID, field string) (crdt.RGA, error) {
	st, err := d.state(ctx, aggregateID, field)
	if err != nil {
		return crdt.RGA{}, err
	}
	seq, ok := st.(crdt.RGA)
	if !ok {
		return crdt.RGA{}, fmt.Errorf("%s.%s is %s, not a sequence", aggregateID, field, st.Kind())
	}
	return seq, nil
}
