// Package ingest applies batches of replicated events to a replica's store.
//
// Each batch runs in one SQLite transaction. For every event the pipeline
// validates structure against the policy table, checks references against
// current state, records the event (the unique index on the idempotency key
// is the authoritative dedup), applies the delta, merges the vector clock and
// runs last-writer-wins conflict detection. Per-event failures are reported in
// the Result; a store failure rolls back the whole batch and is returned as a
// retryable CodeDurabilityFailure error.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/policy"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/vclock"
)

// Pipeline ingests event batches into one store.
//
// Thread-safety: Submit may be called concurrently; the store serializes
// transactions on its single connection.
type Pipeline struct {
	store  *store.Store
	policy *policy.Table
	ids    event.IDGenerator
	now    func() int64
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithIDGenerator sets the conflict id generator. Default: UUIDv7.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(p *Pipeline) { p.ids = g }
}

// WithNow sets the wall clock (Unix milliseconds) used for conflict
// timestamps.
func WithNow(now func() int64) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithTracer sets the tracer. Default: the global otel tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// New creates a pipeline over st using table for field policies.
func New(st *store.Store, table *policy.Table, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:  st,
		policy: table,
		ids:    event.UUIDv7Generator{},
		now:    func() int64 { return time.Now().UnixMilli() },
		logger: slog.Default(),
		tracer: otel.Tracer("tillsync/ingest"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Store returns the underlying store.
func (p *Pipeline) Store() *store.Store { return p.store }

// Policy returns the policy table.
func (p *Pipeline) Policy() *policy.Table { return p.policy }

// checked is an event that passed structural validation.
type checked struct {
	ev     event.Event
	policy policy.FieldPolicy
}

// Submit ingests a batch. Per-event rejections are reported in the Result.
// A non-nil error is always an *Error with CodeDurabilityFailure; in that case
// nothing from the batch was persisted.
func (p *Pipeline) Submit(ctx context.Context, batch []event.Event) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.Pipeline.Submit",
		trace.WithAttributes(attribute.Int("batch.size", len(batch))))
	defer span.End()
	start := time.Now()
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	res := newResult()
	var valid []checked
	for _, ev := range batch {
		fp, rej := p.validate(ev)
		if rej != nil {
			res.Rejected = append(res.Rejected, *rej)
			continue
		}
		valid = append(valid, checked{ev: ev, policy: fp})
	}

	outcomes := make([]outcome, len(valid))
	err := p.store.InTx(ctx, func(tx *store.Tx) error {
		for i, c := range valid {
			out, err := p.applyOne(ctx, tx, c)
			if err != nil {
				return err
			}
			outcomes[i] = out
		}
		return nil
	})
	if err != nil {
		batchFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "durability failure")
		p.logger.Error("ingest batch aborted", "size", len(batch), "error", err)
		return Result{}, &Error{
			Code:    CodeDurabilityFailure,
			Message: fmt.Sprintf("batch of %d events rolled back", len(batch)),
			Err:     err,
		}
	}

	for i, c := range valid {
		id := c.ev.EventID
		out := outcomes[i]
		switch {
		case out.rejection != nil:
			res.Rejected = append(res.Rejected, *out.rejection)
		case out.duplicate:
			res.Accepted = append(res.Accepted, id)
			res.Duplicates = append(res.Duplicates, id)
		default:
			res.Accepted = append(res.Accepted, id)
			if out.conflictID != "" {
				res.Conflicts = append(res.Conflicts, out.conflictID)
			}
		}
	}

	recordResult(res)
	span.SetAttributes(
		attribute.Int("events.accepted", len(res.Accepted)),
		attribute.Int("events.duplicate", len(res.Duplicates)),
		attribute.Int("events.rejected", len(res.Rejected)),
		attribute.Int("conflicts", len(res.Conflicts)),
	)
	span.SetStatus(codes.Ok, "")
	p.logger.Debug("ingest batch",
		"size", len(batch),
		"accepted", len(res.Accepted),
		"duplicates", len(res.Duplicates),
		"rejected", len(res.Rejected),
		"conflicts", len(res.Conflicts),
	)
	return res, nil
}

// validate runs the checks that need no store access.
func (p *Pipeline) validate(ev event.Event) (policy.FieldPolicy, *Rejection) {
	reject := func(code Code, reason string) (policy.FieldPolicy, *Rejection) {
		return policy.FieldPolicy{}, &Rejection{EventID: ev.EventID, Code: code, Reason: reason}
	}

	if err := ev.Validate(); err != nil {
		return reject(CodeMalformedDelta, err.Error())
	}
	agg, err := event.ParseAggregate(ev.AggregateID)
	if err != nil {
		return reject(CodeMalformedDelta, err.Error())
	}
	fp, err := p.policy.Lookup(agg.Kind, ev.Payload.Field)
	switch {
	case errors.Is(err, policy.ErrUnknownAggregate):
		return reject(CodeUnknownAggregate, err.Error())
	case err != nil:
		return reject(CodeMalformedDelta, err.Error())
	}
	if ev.Payload.Delta.Kind() != fp.Strategy {
		return reject(CodeMalformedDelta, fmt.Sprintf("field %s.%s uses %s, got %s delta",
			agg.Kind, ev.Payload.Field, fp.Strategy, ev.Payload.Delta.Kind()))
	}
	return fp, nil
}

// FetchSince returns, in ingestion order, the aggregate's events whose
// emitting device component exceeds the caller's clock.
func (p *Pipeline) FetchSince(ctx context.Context, aggregateID string, since vclock.Clock) ([]event.Event, error) {
	events, err := p.store.EventsSince(ctx, aggregateID, since)
	if err != nil {
		return nil, &Error{Code: CodeDurabilityFailure, Message: "fetch since", Err: err}
	}
	return events, nil
}

// Page is a run of log events and the log position after them.
type Page struct {
	Events []event.Event `json:"events"`
	Cursor int64         `json:"cursor"`
}

// FetchAfter returns, in ingestion order, the aggregate's events recorded
// after log position cursor. Passing the returned Cursor back resumes where
// the page ended. Unlike FetchSince it also yields events that arrive after
// later events from the same device.
func (p *Pipeline) FetchAfter(ctx context.Context, aggregateID string, cursor int64) (Page, error) {
	events, next, err := p.store.EventsAfter(ctx, aggregateID, cursor)
	if err != nil {
		return Page{}, &Error{Code: CodeDurabilityFailure, Message: "fetch after", Err: err}
	}
	return Page{Events: events, Cursor: next}, nil
}

// Aggregates lists every aggregate with at least one recorded event.
func (p *Pipeline) Aggregates(ctx context.Context) ([]string, error) {
	aggs, err := p.store.Aggregates(ctx)
	if err != nil {
		return nil, &Error{Code: CodeDurabilityFailure, Message: "list aggregates", Err: err}
	}
	return aggs, nil
}

// Snapshot returns the aggregate's current state.
func (p *Pipeline) Snapshot(ctx context.Context, aggregateID string) (store.Snapshot, error) {
	snap, err := p.store.Snapshot(ctx, aggregateID)
	if err != nil {
		return store.Snapshot{}, &Error{Code: CodeDurabilityFailure, Message: "snapshot", Err: err}
	}
	return snap, nil
}

// Value returns the computed value of one field, or the empty value of its
// strategy when never written.
func (p *Pipeline) Value(ctx context.Context, aggregateID, field string) (crdt.State, error) {
	agg, err := event.ParseAggregate(aggregateID)
	if err != nil {
		return nil, &Error{Code: CodeMalformedDelta, Message: err.Error()}
	}
	fp, err := p.policy.Lookup(agg.Kind, field)
	if err != nil {
		code := CodeMalformedDelta
		if errors.Is(err, policy.ErrUnknownAggregate) {
			code = CodeUnknownAggregate
		}
		return nil, &Error{Code: code, Message: err.Error()}
	}
	rec, found, err := p.store.Field(ctx, aggregateID, field)
	if err != nil {
		return nil, &Error{Code: CodeDurabilityFailure, Message: "read field", Err: err}
	}
	if !found {
		return crdt.Empty(fp.Strategy)
	}
	return rec.State, nil
}
