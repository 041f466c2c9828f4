package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/device"
	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/hlc"
	"github.com/roach88/tillsync/internal/ingest"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/outbox"
	"github.com/roach88/tillsync/internal/policy"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

// Epoch is the fixed wall-clock reading of every run, in Unix milliseconds.
const Epoch int64 = 1_700_000_000_000

// Harness holds the replicas of one run.
type Harness struct {
	scenario  *Scenario
	authority *ingest.Pipeline
	devices   map[string]*device.Device
	clock     *testutil.WallClock
	logger    *slog.Logger

	aggregates []string
	labels     map[string]crdt.NodeID
	movements  []ledger.Movement
	closers    []func() error
}

// Run executes a scenario on fresh in-memory replicas.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}

	if err := h.capture(ctx, result); err != nil {
		return nil, fmt.Errorf("capture final state: %w", err)
	}
	for _, msg := range h.evaluate(ctx, scenario.Assertions, result) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(s *Scenario) (*Harness, error) {
	table := policy.Default()
	if s.Policy != "" {
		t, err := policy.LoadFile(s.Policy)
		if err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
		table = t
	}

	h := &Harness{
		scenario: s,
		devices:  make(map[string]*device.Device),
		clock:    testutil.NewWallClockMillis(Epoch),
		logger:   testutil.DiscardLogger(),
		labels:   make(map[string]crdt.NodeID),
	}

	authStore, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create authority store: %w", err)
	}
	h.closers = append(h.closers, authStore.Close)
	h.authority = ingest.New(authStore, table,
		ingest.WithIDGenerator(event.NewSequenceGenerator(Authority)),
		ingest.WithNow(h.clock.Millis),
		ingest.WithLogger(h.logger),
	)

	outboxCfg := outbox.Config{
		BatchSize:   100,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
		MaxAttempts: 5,
	}
	for _, id := range s.Devices {
		st, err := store.Open(":memory:")
		if err != nil {
			h.close()
			return nil, fmt.Errorf("failed to create store for %s: %w", id, err)
		}
		d, err := device.New(st, id,
			device.WithPolicy(table),
			device.WithIDGenerator(event.NewSequenceGenerator(id)),
			device.WithClock(hlc.NewWithSource(h.clock.Millis)),
			device.WithNow(h.clock.Now),
			device.WithLogger(h.logger),
			device.WithOutbox(outboxCfg),
		)
		if err != nil {
			st.Close()
			h.close()
			return nil, err
		}
		h.closers = append(h.closers, d.Close)
		h.devices[id] = d
	}
	return h, nil
}

func (h *Harness) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
}

func (h *Harness) touch(aggregateID string) {
	if !slices.Contains(h.aggregates, aggregateID) {
		h.aggregates = append(h.aggregates, aggregateID)
		slices.Sort(h.aggregates)
	}
}

// execute runs one step. Write failures are checked against the step's
// reject code; only harness failures are returned.
func (h *Harness) execute(ctx context.Context, i int, step Step, result *Result) error {
	if step.Op == OpSync {
		detail, err := h.sync(ctx, step.Devices)
		if err != nil {
			return err
		}
		result.addTrace(TraceEvent{Op: OpSync, Detail: detail})
		return nil
	}

	d := h.devices[step.Device]
	ev := TraceEvent{Op: step.Op, Device: step.Device, Target: step.Aggregate + "." + step.Field}
	events, err := h.write(ctx, d, step)
	for _, e := range events {
		ev.Events = append(ev.Events, e.EventID)
		h.touch(e.AggregateID)
	}

	switch {
	case err != nil && step.Reject == "":
		ev.Error = err.Error()
		result.AddError(fmt.Sprintf("step %d (%s on %s): unexpected error: %v", i, step.Op, step.Device, err))
	case err != nil:
		ev.Error = err.Error()
		var ie *ingest.Error
		if !errors.As(err, &ie) || string(ie.Code) != step.Reject {
			result.AddError(fmt.Sprintf("step %d (%s on %s): expected rejection %s, got %v", i, step.Op, step.Device, step.Reject, err))
		}
	case step.Reject != "":
		result.AddError(fmt.Sprintf("step %d (%s on %s): expected rejection %s, write succeeded", i, step.Op, step.Device, step.Reject))
	}
	result.addTrace(ev)
	return nil
}

func (h *Harness) write(ctx context.Context, d *device.Device, step Step) ([]event.Event, error) {
	one := func(ev event.Event, err error) ([]event.Event, error) {
		if err != nil {
			return nil, err
		}
		return []event.Event{ev}, nil
	}
	value := func() (ir.IRValue, error) {
		v, err := ir.FromGo(step.Value)
		if err != nil {
			return nil, fmt.Errorf("value: %w", err)
		}
		return v, nil
	}

	switch step.Op {
	case OpSet:
		v, err := value()
		if err != nil {
			return nil, err
		}
		return one(d.SetRegister(ctx, step.Aggregate, step.Field, v))
	case OpAdd:
		return one(d.AddElement(ctx, step.Aggregate, step.Field, step.Element))
	case OpRemove:
		return d.RemoveElement(ctx, step.Aggregate, step.Field, step.Element)
	case OpIncrement:
		return one(d.Increment(ctx, step.Aggregate, step.Field, step.Amount))
	case OpDecrement:
		return one(d.Decrement(ctx, step.Aggregate, step.Field, step.Amount))
	case OpAppend, OpInsertAfter:
		v, err := value()
		if err != nil {
			return nil, err
		}
		var id crdt.NodeID
		var ev event.Event
		if step.Op == OpAppend {
			id, ev, err = d.Append(ctx, step.Aggregate, step.Field, v)
		} else {
			after, ok := h.labels[step.After]
			if step.After != "" && !ok {
				return nil, fmt.Errorf("unknown node label %q", step.After)
			}
			id, ev, err = d.InsertAfter(ctx, step.Aggregate, step.Field, after, v)
		}
		if err != nil {
			return nil, err
		}
		if step.Label != "" {
			h.labels[step.Label] = id
		}
		return []event.Event{ev}, nil
	case OpRemoveNode:
		id, ok := h.labels[step.Node]
		if !ok {
			return nil, fmt.Errorf("unknown node label %q", step.Node)
		}
		return one(d.RemoveNode(ctx, step.Aggregate, step.Field, id))
	case OpMovement:
		m, err := ledger.New(d).RecordMovement(ctx, step.Session, step.Currency, step.Amount)
		if err != nil {
			return nil, err
		}
		h.movements = append(h.movements, m)
		return []event.Event{{EventID: m.EventID, AggregateID: ledger.SessionID(m.Session)}}, nil
	case OpReverse:
		if step.Movement >= len(h.movements) {
			return nil, fmt.Errorf("no movement %d", step.Movement)
		}
		m, err := ledger.New(d).Reverse(ctx, h.movements[step.Movement])
		if err != nil {
			return nil, err
		}
		return []event.Event{{EventID: m.EventID, AggregateID: ledger.SessionID(m.Session)}}, nil
	case OpResolve:
		open, err := d.Conflicts().ListOpen(ctx, step.Aggregate)
		if err != nil {
			return nil, err
		}
		for _, c := range open {
			if c.Field == step.Field {
				return one(d.Resolve(ctx, c.ID, event.Decision(step.Decision)))
			}
		}
		return nil, fmt.Errorf("no open conflict on %s.%s at %s", step.Aggregate, step.Field, d.ID())
	default:
		return nil, fmt.Errorf("unknown op %q", step.Op)
	}
}

// sync flushes every listed device, then pulls every touched aggregate into
// every listed device.
func (h *Harness) sync(ctx context.Context, ids []string) (string, error) {
	if len(ids) == 0 {
		ids = h.scenario.Devices
	}
	var acked, pulled int
	for _, id := range ids {
		rep, err := h.devices[id].Flush(ctx, h.authority)
		if err != nil {
			return "", fmt.Errorf("flush %s: %w", id, err)
		}
		acked += rep.Acked
	}
	for _, id := range ids {
		rep, err := h.devices[id].Pull(ctx, h.authority, slices.Clone(h.aggregates))
		if err != nil {
			return "", fmt.Errorf("pull %s: %w", id, err)
		}
		pulled += rep.Fetched
	}
	return fmt.Sprintf("devices=%s acked=%d pulled=%d", strings.Join(ids, ","), acked, pulled), nil
}

// replicaStore returns the store of a replica name.
func (h *Harness) replicaStore(name string) *store.Store {
	if name == Authority {
		return h.authority.Store()
	}
	return h.devices[name].Store()
}

// capture records the computed values and open conflicts of every replica.
func (h *Harness) capture(ctx context.Context, result *Result) error {
	for _, name := range h.scenario.replicas() {
		st := h.replicaStore(name)
		aggs := make(map[string]map[string]ir.IRValue, len(h.aggregates))
		for _, agg := range h.aggregates {
			snap, err := st.Snapshot(ctx, agg)
			if err != nil {
				return err
			}
			aggs[agg] = snap.Values()
		}
		result.State[name] = aggs

		open, err := st.OpenConflicts(ctx, "")
		if err != nil {
			return err
		}
		result.OpenConflicts[name] = len(open)
	}
	return nil
}
