// Package device is a local replica: a point-of-sale terminal that writes
// offline and syncs with an authority when it can.
//
// Every local write is stamped with the device's vector clock, enqueued in
// the outbox and then applied through the local pipeline, so reads reflect
// it immediately. Flush pushes the outbox; Pull brings in what other devices
// wrote.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/conflict"
	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/hlc"
	"github.com/roach88/tillsync/internal/ingest"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/outbox"
	"github.com/roach88/tillsync/internal/policy"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/vclock"
)

// Device is one replica.
//
// Thread-safety: all methods are safe for concurrent use; local writes are
// serialized.
type Device struct {
	id        string
	store     *store.Store
	pipeline  *ingest.Pipeline
	flusher   *outbox.Flusher
	conflicts *conflict.Service
	tracker   *vclock.Tracker
	clock     *hlc.Clock
	ids       event.IDGenerator
	now       func() time.Time
	logger    *slog.Logger

	mu sync.Mutex
}

type options struct {
	policy    *policy.Table
	ids       event.IDGenerator
	clock     *hlc.Clock
	now       func() time.Time
	logger    *slog.Logger
	outboxCfg outbox.Config
}

// Option configures a Device.
type Option func(*options)

// WithPolicy sets the policy table. Default: policy.Default().
func WithPolicy(t *policy.Table) Option {
	return func(o *options) { o.policy = t }
}

// WithIDGenerator sets the generator for event ids, keys, tags and conflict
// ids. Default: UUIDv7.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithClock sets the hybrid timestamp clock.
func WithClock(c *hlc.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithNow sets the wall clock used for outbox scheduling.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOutbox sets the outbox delivery configuration.
func WithOutbox(cfg outbox.Config) Option {
	return func(o *options) { o.outboxCfg = cfg }
}

// Open opens (or creates) the device database at path.
func Open(path, id string, opts ...Option) (*Device, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	d, err := New(st, id, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

// New creates a device over an open store.
func New(st *store.Store, id string, opts ...Option) (*Device, error) {
	if id == "" {
		return nil, errors.New("device id is required")
	}
	o := options{
		policy:    policy.Default(),
		ids:       event.UUIDv7Generator{},
		now:       time.Now,
		logger:    slog.Default(),
		outboxCfg: outbox.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = hlc.NewWithSource(func() int64 { return o.now().UnixMilli() })
	}
	logger := o.logger.With("device", id)

	d := &Device{
		id:      id,
		store:   st,
		tracker: vclock.NewTracker(id),
		clock:   o.clock,
		ids:     o.ids,
		now:     o.now,
		logger:  logger,
	}
	d.pipeline = ingest.New(st, o.policy,
		ingest.WithIDGenerator(o.ids),
		ingest.WithNow(func() int64 { return o.now().UnixMilli() }),
		ingest.WithLogger(logger),
	)
	d.flusher = outbox.NewFlusher(st, o.outboxCfg,
		outbox.WithNow(o.now),
		outbox.WithLogger(logger),
	)
	d.conflicts = conflict.New(st, conflict.PublisherFunc(d.publishLocked),
		conflict.WithLocker(&d.mu),
		conflict.WithStamper(d.resolutionClock),
		conflict.WithClock(o.clock),
		conflict.WithIDGenerator(o.ids),
		conflict.WithLogger(logger),
	)
	return d, nil
}

// ID returns the device id.
func (d *Device) ID() string { return d.id }

// Store returns the local store.
func (d *Device) Store() *store.Store { return d.store }

// Pipeline returns the local ingestion pipeline.
func (d *Device) Pipeline() *ingest.Pipeline { return d.pipeline }

// Conflicts returns the local conflict service.
func (d *Device) Conflicts() *conflict.Service { return d.conflicts }

// Close closes the local store.
func (d *Device) Close() error { return d.store.Close() }

// Emit stamps, enqueues and locally applies one delta. key is the
// idempotency key; empty means a fresh one.
func (d *Device) Emit(ctx context.Context, aggregateID, field string, delta crdt.Delta, key string) (event.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emitLocked(ctx, aggregateID, field, delta, key)
}

func (d *Device) emitLocked(ctx context.Context, aggregateID, field string, delta crdt.Delta, key string) (event.Event, error) {
	clock, err := d.nextClock(ctx, aggregateID)
	if err != nil {
		return event.Event{}, err
	}
	if key == "" {
		key = d.ids.Generate()
	}
	ev := event.Event{
		EventID:        d.ids.Generate(),
		IdempotencyKey: event.Key(key),
		AggregateID:    aggregateID,
		DeviceID:       d.id,
		Clock:          clock,
		Type:           event.TypeDelta,
		Payload:        event.Payload{Field: field, Delta: delta},
		OccurredAt:     d.now().UnixMilli(),
	}
	if err := d.enqueueAndApply(ctx, ev); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

// nextClock ticks the device component on top of everything the local
// store has seen for the aggregate.
func (d *Device) nextClock(ctx context.Context, aggregateID string) (vclock.Clock, error) {
	stored, err := d.store.Clock(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("read clock of %s: %w", aggregateID, err)
	}
	d.tracker.Observe(aggregateID, stored)
	return d.tracker.Bump(aggregateID), nil
}

// enqueueAndApply queues ev for delivery, then applies it locally. An event
// the local pipeline rejects is parked as a dead letter; it would be
// rejected by the authority too.
func (d *Device) enqueueAndApply(ctx context.Context, ev event.Event) error {
	if err := d.store.Enqueue(ctx, ev, d.now().UnixMilli()); err != nil {
		return err
	}
	res, err := d.pipeline.Submit(ctx, []event.Event{ev})
	if err != nil {
		return err
	}
	if len(res.Rejected) == 0 {
		return nil
	}
	r := res.Rejected[0]
	if err := d.store.DeadLetter(ctx, ev.EventID, 0, fmt.Sprintf("%s: %s", r.Code, r.Reason)); err != nil {
		return err
	}
	return &ingest.Error{Code: r.Code, Message: r.Reason, EventID: ev.EventID}
}

// resolutionClock stamps a resolution by this device. The conflict service
// calls it holding d.mu, so the counter comes from the same sequence as
// Emit's.
func (d *Device) resolutionClock(ctx context.Context, aggregateID, resolver string, seen vclock.Clock) (vclock.Clock, error) {
	if resolver != d.id {
		return nil, fmt.Errorf("device %s cannot resolve as %s", d.id, resolver)
	}
	d.tracker.Observe(aggregateID, seen)
	return d.nextClock(ctx, aggregateID)
}

// publishLocked delivers a resolution event built by the conflict service,
// which holds d.mu.
func (d *Device) publishLocked(ctx context.Context, ev event.Event) error {
	return d.enqueueAndApply(ctx, ev)
}

// Resolve settles a local conflict as this device.
func (d *Device) Resolve(ctx context.Context, conflictID string, decision event.Decision) (event.Event, error) {
	return d.conflicts.Resolve(ctx, conflictID, decision, d.id)
}

// Value returns the field's current local value.
func (d *Device) Value(ctx context.Context, aggregateID, field string) (ir.IRValue, error) {
	st, err := d.pipeline.Value(ctx, aggregateID, field)
	if err != nil {
		return nil, err
	}
	return crdt.Value(st), nil
}

func (d *Device) state(ctx context.Context, aggregateID, field string) (crdt.State, error) {
	return d.pipeline.Value(ctx, aggregateID, field)
}

// Flush pushes due outbox entries to tr.
func (d *Device) Flush(ctx context.Context, tr outbox.Transport) (outbox.Report, error) {
	return d.flusher.Flush(ctx, tr)
}

// Flusher returns the device's outbox flusher, for scheduling with
// outbox.Runner.
func (d *Device) Flusher() *outbox.Flusher { return d.flusher }

// Stats reports the outbox backlog.
func (d *Device) Stats(ctx context.Context) (outbox.Stats, error) {
	return d.flusher.Stats(ctx)
}
