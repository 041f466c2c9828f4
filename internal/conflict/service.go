// Package conflict lists open last-writer-wins conflicts and resolves them.
//
// A resolution never edits state in place. It is a new register delta that
// carries the chosen value with a timestamp above every candidate and a
// vector clock that dominates both writers, published like any other event.
// Replicas that apply it converge on the decision and close their own record.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/hlc"
	"github.com/roach88/tillsync/internal/ingest"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/vclock"
)

// Record is a stored conflict.
type Record = store.ConflictRecord

var (
	// ErrNotFound means no conflict has the requested id.
	ErrNotFound = errors.New("conflict not found")

	// ErrAlreadyResolved means the conflict was closed earlier.
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// Publisher delivers a resolution event. A server publishes straight into
// its pipeline; a device enqueues and applies locally.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev event.Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev event.Event) error { return f(ctx, ev) }

// IngestPublisher submits resolution events to a pipeline.
type IngestPublisher struct {
	Pipeline *ingest.Pipeline
}

// Publish submits ev as a batch of one. A rejection is returned as an
// *ingest.Error carrying the rejection code.
func (p IngestPublisher) Publish(ctx context.Context, ev event.Event) error {
	res, err := p.Pipeline.Submit(ctx, []event.Event{ev})
	if err != nil {
		return err
	}
	if len(res.Rejected) > 0 {
		r := res.Rejected[0]
		return &ingest.Error{Code: r.Code, Message: r.Reason, EventID: r.EventID}
	}
	return nil
}

// Stamper returns the vector clock of a resolution event written by resolver
// that has seen clock seen.
type Stamper func(ctx context.Context, aggregateID, resolver string, seen vclock.Clock) (vclock.Clock, error)

// Service lists and resolves conflicts of one replica.
type Service struct {
	store  *store.Store
	pub    Publisher
	clock  *hlc.Clock
	stamp  Stamper
	mu     sync.Locker
	ids    event.IDGenerator
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the timestamp clock. Default: wall clock.
func WithClock(c *hlc.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithStamper sets how resolution events get their vector clock. Default:
// the stored aggregate clock merged with seen, ticked for the resolver.
func WithStamper(f Stamper) Option {
	return func(s *Service) { s.stamp = f }
}

// WithLocker sets the lock held from reading the conflict until its
// resolution is published. A replica passes the lock that serializes its
// other writes. Default: a lock private to the service.
func WithLocker(l sync.Locker) Option {
	return func(s *Service) { s.mu = l }
}

// WithIDGenerator sets the generator for event ids and idempotency keys.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// New creates a service reading conflicts from st and publishing
// resolutions through pub.
func New(st *store.Store, pub Publisher, opts ...Option) *Service {
	s := &Service{
		store:  st,
		pub:    pub,
		clock:  hlc.New(),
		mu:     &sync.Mutex{},
		ids:    event.UUIDv7Generator{},
		logger: slog.Default(),
		tracer: otel.Tracer("tillsync/conflict"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stamp == nil {
		s.stamp = s.storedClock
	}
	return s
}

// ListOpen returns open conflicts, most urgent first. An empty aggregateID
// lists every aggregate.
func (s *Service) ListOpen(ctx context.Context, aggregateID string) ([]Record, error) {
	recs, err := s.store.OpenConflicts(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list open conflicts: %w", err)
	}
	return recs, nil
}

// Get returns one conflict by id.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	rec, found, err := s.store.Conflict(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("get conflict %s: %w", id, err)
	}
	if !found {
		return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// Resolve emits the resolution event for conflict id and returns it.
// resolver is the deciding device; it becomes the event's device and the
// register tie-break.
func (s *Service) Resolve(ctx context.Context, id string, decision event.Decision, resolver string) (event.Event, error) {
	ctx, span := s.tracer.Start(ctx, "conflict.Service.Resolve",
		trace.WithAttributes(
			attribute.String("conflict.id", id),
			attribute.String("conflict.decision", string(decision)),
		))
	defer span.End()

	ev, err := s.resolve(ctx, id, decision, resolver)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return event.Event{}, err
	}
	span.SetStatus(codes.Ok, "")
	return ev, nil
}

func (s *Service) resolve(ctx context.Context, id string, decision event.Decision, resolver string) (event.Event, error) {
	if _, err := event.ParseDecision(string(decision)); err != nil {
		return event.Event{}, err
	}
	if resolver == "" {
		return event.Event{}, errors.New("resolve conflict: resolver device is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return event.Event{}, err
	}
	if rec.Status == store.ConflictResolved {
		return event.Event{}, fmt.Errorf("%s (%s by %s): %w", id, rec.Decision, rec.ResolvedBy, ErrAlreadyResolved)
	}

	ev, err := s.build(ctx, rec, decision, resolver)
	if err != nil {
		return event.Event{}, err
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		return event.Event{}, fmt.Errorf("publish resolution of %s: %w", id, err)
	}

	s.logger.Info("conflict resolved",
		"conflict_id", id,
		"aggregate_id", rec.AggregateID,
		"field", rec.Field,
		"decision", decision,
		"resolver", resolver,
		"event_id", ev.EventID,
	)
	return ev, nil
}

// build makes the resolution event. Its timestamp exceeds both candidates
// and the current register, and its clock dominates both writers and the
// replica's view of the aggregate.
func (s *Service) build(ctx context.Context, rec Record, decision event.Decision, resolver string) (event.Event, error) {
	chosen := rec.Mine
	if decision == event.TakeTheirs {
		chosen = rec.Theirs
	}

	floor := max(rec.Mine.Timestamp, rec.Theirs.Timestamp)
	current, found, err := s.store.Field(ctx, rec.AggregateID, rec.Field)
	if err != nil {
		return event.Event{}, fmt.Errorf("read %s.%s: %w", rec.AggregateID, rec.Field, err)
	}
	if found {
		if reg, ok := current.State.(crdt.Register); ok {
			floor = max(floor, reg.Timestamp)
		}
	}
	s.clock.Observe(floor)
	ts := s.clock.Next()

	clock, err := s.stamp(ctx, rec.AggregateID, resolver, vclock.Merge(rec.MineClock, rec.TheirsClock))
	if err != nil {
		return event.Event{}, fmt.Errorf("stamp resolution of %s: %w", rec.ID, err)
	}

	return event.Event{
		EventID:        s.ids.Generate(),
		IdempotencyKey: event.Key(s.ids.Generate()),
		AggregateID:    rec.AggregateID,
		DeviceID:       resolver,
		Clock:          clock,
		Type:           event.TypeResolution,
		Payload: event.Payload{
			Field: rec.Field,
			Delta: crdt.RegisterDelta{
				Value:     chosen.Value,
				Timestamp: ts,
				TieBreak:  resolver,
			},
			Resolution: &event.Resolution{ConflictID: rec.ID, Decision: decision},
		},
		OccurredAt: ts,
	}, nil
}

func (s *Service) storedClock(ctx context.Context, aggregateID, resolver string, seen vclock.Clock) (vclock.Clock, error) {
	stored, err := s.store.Clock(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("read clock of %s: %w", aggregateID, err)
	}
	return vclock.Tick(vclock.Merge(stored, seen), resolver), nil
}
