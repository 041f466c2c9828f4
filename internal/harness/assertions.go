package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/outbox"
)

// AssertionError describes a failed assertion on one replica.
type AssertionError struct {
	Type     string
	Replica  string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Replica != "" {
		fmt.Fprintf(&buf, " on %s", e.Replica)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// evaluate checks every assertion and returns failure messages.
func (h *Harness) evaluate(ctx context.Context, assertions []Assertion, result *Result) []string {
	var failures []string
	for i, a := range assertions {
		for _, err := range h.check(ctx, a, result) {
			failures = append(failures, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return failures
}

func (h *Harness) targets(a Assertion) []string {
	if len(a.On) > 0 {
		return a.On
	}
	if a.Type == AssertOutbox {
		return h.scenario.Devices
	}
	return h.scenario.replicas()
}

func (h *Harness) check(ctx context.Context, a Assertion, result *Result) []error {
	if a.Type == AssertConverged {
		if err := h.checkConverged(ctx, a); err != nil {
			return []error{err}
		}
		return nil
	}

	var errs []error
	for _, replica := range h.targets(a) {
		var err error
		switch a.Type {
		case AssertValue:
			err = checkValue(a, replica, result)
		case AssertOpenConflicts:
			err = h.checkOpenConflicts(ctx, a, replica)
		case AssertBalance:
			err = h.checkBalance(ctx, a, replica)
		case AssertOutbox:
			err = h.checkOutbox(ctx, a, replica)
		case AssertEventCount:
			err = h.checkEventCount(ctx, a, replica)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func checkValue(a Assertion, replica string, result *Result) error {
	want, err := ir.FromGo(a.Expect)
	if err != nil {
		return fmt.Errorf("value: expect: %w", err)
	}
	got, ok := result.State[replica][a.Aggregate][a.Field]
	if !ok {
		got = ir.IRNull{}
	}
	if ir.Equal(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     AssertValue,
		Replica:  replica,
		Expected: fmt.Sprintf("%s.%s = %s", a.Aggregate, a.Field, render(want)),
		Actual:   render(got),
	}
}

func (h *Harness) checkConverged(ctx context.Context, a Assertion) error {
	replicas := h.targets(a)
	hashes := make(map[string]string, len(replicas))
	var first string
	for i, r := range replicas {
		snap, err := h.replicaStore(r).Snapshot(ctx, a.Aggregate)
		if err != nil {
			return err
		}
		hashes[r] = snap.Hash
		if i == 0 {
			first = snap.Hash
		}
	}
	for _, r := range replicas {
		if hashes[r] != first {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("identical snapshots of %s", a.Aggregate),
				Actual:   fmt.Sprintf("hashes %v", hashes),
			}
		}
	}
	return nil
}

func (h *Harness) checkOpenConflicts(ctx context.Context, a Assertion, replica string) error {
	open, err := h.replicaStore(replica).OpenConflicts(ctx, a.Aggregate)
	if err != nil {
		return err
	}
	if len(open) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertOpenConflicts,
		Replica:  replica,
		Expected: fmt.Sprintf("%d open conflicts on %s", a.Count, a.Aggregate),
		Actual:   fmt.Sprintf("%d", len(open)),
	}
}

// storeCounter reads counters of any replica, the authority included.
type storeCounter struct {
	h       *Harness
	replica string
}

func (c storeCounter) Value(ctx context.Context, aggregateID, field string) (ir.IRValue, error) {
	if c.replica != Authority {
		return c.h.devices[c.replica].Value(ctx, aggregateID, field)
	}
	st, err := c.h.authority.Value(ctx, aggregateID, field)
	if err != nil {
		return nil, err
	}
	return crdt.Value(st), nil
}

func (h *Harness) checkBalance(ctx context.Context, a Assertion, replica string) error {
	want, err := ir.FromGo(a.Expect)
	if err != nil {
		return fmt.Errorf("balance: expect: %w", err)
	}
	got, err := ledger.Balance(ctx, storeCounter{h: h, replica: replica}, a.Session, a.Currency)
	if err != nil {
		return err
	}
	if ir.Equal(want, ir.IRInt(got)) {
		return nil
	}
	return &AssertionError{
		Type:     AssertBalance,
		Replica:  replica,
		Expected: fmt.Sprintf("%s/%s = %s", a.Session, a.Currency, render(want)),
		Actual:   fmt.Sprintf("%d", got),
	}
}

func (h *Harness) checkOutbox(ctx context.Context, a Assertion, replica string) error {
	stats, err := outbox.ReadStats(ctx, h.replicaStore(replica), h.clock.Now())
	if err != nil {
		return err
	}
	if stats.Pending == a.Pending && stats.Dead == a.Dead {
		return nil
	}
	return &AssertionError{
		Type:     AssertOutbox,
		Replica:  replica,
		Expected: fmt.Sprintf("pending=%d dead=%d", a.Pending, a.Dead),
		Actual:   fmt.Sprintf("pending=%d dead=%d", stats.Pending, stats.Dead),
	}
}

func (h *Harness) checkEventCount(ctx context.Context, a Assertion, replica string) error {
	n, err := h.replicaStore(replica).EventCount(ctx, a.Aggregate)
	if err != nil {
		return err
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertEventCount,
		Replica:  replica,
		Expected: fmt.Sprintf("%d events on %s", a.Count, a.Aggregate),
		Actual:   fmt.Sprintf("%d", n),
	}
}

func render(v ir.IRValue) string {
	b, err := ir.MarshalIRValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
