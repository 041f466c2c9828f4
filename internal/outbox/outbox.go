// Package outbox delivers a device's queued events to an authority.
//
// Events are enqueued in the device store before any network attempt. A
// Flusher sends due entries in batches, deletes the ones the authority
// acknowledged (accepted or duplicate), parks rejected ones as dead letters
// and reschedules the rest with exponential backoff. Delivery is at least
// once; the authority's idempotency keys make redelivery harmless.
package outbox

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
	"golang.org/x/time/rate"

	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/ingest"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/vclock"
)

// Transport is the authority as seen from a device. Pulls page through the
// authority log with FetchAfter; FetchSince is the clock-based view.
type Transport interface {
	Submit(ctx context.Context, batch []event.Event) (ingest.Result, error)
	FetchSince(ctx context.Context, aggregateID string, since vclock.Clock) ([]event.Event, error)
	FetchAfter(ctx context.Context, aggregateID string, cursor int64) (ingest.Page, error)
	Aggregates(ctx context.Context) ([]string, error)
}

// A pipeline on another store is an in-process authority.
var _ Transport = (*ingest.Pipeline)(nil)

// Config tunes delivery.
type Config struct {
	// BatchSize is the maximum number of events per Submit.
	BatchSize int
	// BatchesPerSecond paces Submit calls; Burst allows short bursts.
	BatchesPerSecond float64
	Burst            int
	// BackoffBase and BackoffMax bound the retry delay
	// min(BackoffBase*2^attempts, BackoffMax).
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxAttempts is the number of failed deliveries after which an entry
	// becomes a dead letter. Zero retries forever.
	MaxAttempts int
}

// DefaultConfig returns the delivery defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:        100,
		BatchesPerSecond: 10,
		Burst:            1,
		BackoffBase:      time.Second,
		BackoffMax:       5 * time.Minute,
		MaxAttempts:      20,
	}
}

// Backoff returns the delay before the next attempt after attempts failures
// have already been recorded.
func (c Config) Backoff(attempts int) time.Duration {
	if c.BackoffBase <= 0 {
		return 0
	}
	d := c.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= c.BackoffMax || d <= 0 {
			return c.BackoffMax
		}
	}
	return min(d, c.BackoffMax)
}

// Report summarizes one Flush.
type Report struct {
	Batches    int `json:"batches"`
	Sent       int `json:"sent"`
	Acked      int `json:"acked"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Retried    int `json:"retried"`
	Dead       int `json:"dead"`
}

// Flusher drains a store's outbox into a Transport.
type Flusher struct {
	store   *store.Store
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures a Flusher.
type Option func(*Flusher)

// WithNow sets the clock used for scheduling.
func WithNow(now func() time.Time) Option {
	return func(f *Flusher) { f.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Flusher) { f.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(f *Flusher) { f.tracer = t }
}

// NewFlusher creates a flusher over st.
func NewFlusher(st *store.Store, cfg Config, opts ...Option) *Flusher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	limit := rate.Inf
	if cfg.BatchesPerSecond > 0 {
		limit = rate.Limit(cfg.BatchesPerSecond)
	}
	f := &Flusher{
		store:   st,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, max(cfg.Burst, 1)),
		now:     time.Now,
		logger:  slog.Default(),
		tracer:  otel.Tracer("tillsync/outbox"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Flush sends due entries until none are left or a delivery fails. A
// transport failure is recorded on the entries and ends the flush without an
// error; only store failures and context cancellation are returned. A
// cancelled flush leaves unsent entries queued.
func (f *Flusher) Flush(ctx context.Context, tr Transport) (Report, error) {
	ctx, span := f.tracer.Start(ctx, "outbox.Flusher.Flush")
	defer span.End()
	start := time.Now()
	defer func() { flushDuration.Observe(time.Since(start).Seconds()) }()

	rep, err := f.flush(ctx, tr)
	span.SetAttributes(
		attribute.Int("outbox.batches", rep.Batches),
		attribute.Int("outbox.acked", rep.Acked),
		attribute.Int("outbox.retried", rep.Retried),
		attribute.Int("outbox.dead", rep.Dead),
	)
	recordReport(rep)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rep, err
	}
	span.SetStatus(codes.Ok, "")
	if rep.Sent > 0 {
		f.logger.Debug("outbox flushed",
			"batches", rep.Batches,
			"acked", rep.Acked,
			"duplicates", rep.Duplicates,
			"rejected", rep.Rejected,
			"retried", rep.Retried,
			"dead", rep.Dead,
		)
	}
	return rep, nil
}

func (f *Flusher) flush(ctx context.Context, tr Transport) (Report, error) {
	var rep Report
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		due, err := f.store.DueOutbox(ctx, f.now().UnixMilli(), f.cfg.BatchSize)
		if err != nil {
			return rep, err
		}
		if len(due) == 0 {
			return rep, nil
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return rep, err
		}

		done, err := f.deliver(ctx, tr, due, &rep)
		if err != nil || done {
			return rep, err
		}
	}
}

// deliver sends one batch. done is true when the flush should stop.
func (f *Flusher) deliver(ctx context.Context, tr Transport, due []store.OutboxEntry, rep *Report) (done bool, err error) {
	batch := make([]event.Event, len(due))
	for i, e := range due {
		batch[i] = e.Event
	}
	rep.Batches++
	rep.Sent += len(batch)

	res, sendErr := tr.Submit(ctx, batch)
	if sendErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return true, ctxErr
		}
		return true, f.fail(ctx, due, sendErr, rep)
	}

	acked, err := f.store.AckOutbox(ctx, res.Accepted)
	if err != nil {
		return true, err
	}
	rep.Acked += acked
	rep.Duplicates += len(res.Duplicates)

	byID := make(map[string]store.OutboxEntry, len(due))
	for _, e := range due {
		byID[e.Event.EventID] = e
	}
	for _, r := range res.Rejected {
		e, ok := byID[r.EventID]
		if !ok {
			continue
		}
		reason := fmt.Sprintf("%s: %s", r.Code, r.Reason)
		if err := f.store.DeadLetter(ctx, r.EventID, e.Attempts+1, reason); err != nil {
			return true, err
		}
		rep.Rejected++
		rep.Dead++
		f.logger.Warn("outbox entry rejected", "event_id", r.EventID, "code", r.Code, "reason", r.Reason)
	}

	// An authority that answers without covering the batch would loop
	// forever on the same entries.
	if acked+len(res.Rejected) == 0 {
		return true, nil
	}
	return false, nil
}

// fail records a transport failure on every entry of the batch.
func (f *Flusher) fail(ctx context.Context, due []store.OutboxEntry, sendErr error, rep *Report) error {
	now := f.now()
	msg := sendErr.Error()
	var ie *ingest.Error
	retryable := !errors.As(sendErr, &ie) || ie.Retryable()

	for _, e := range due {
		attempts := e.Attempts + 1
		if !retryable || (f.cfg.MaxAttempts > 0 && attempts >= f.cfg.MaxAttempts) {
			if err := f.store.DeadLetter(ctx, e.Event.EventID, attempts, msg); err != nil {
				return err
			}
			rep.Dead++
			continue
		}
		next := now.Add(f.cfg.Backoff(e.Attempts)).UnixMilli()
		if err := f.store.RetryLater(ctx, e.Event.EventID, attempts, next, msg); err != nil {
			return err
		}
		rep.Retried++
	}
	f.logger.Warn("outbox delivery failed",
		"batch", len(due),
		"retried", rep.Retried,
		"dead", rep.Dead,
		"error", sendErr,
	)
	return nil
}

// Stats is the backlog of an outbox.
type Stats struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
	// OldestPendingAge is how long the oldest pending entry has waited.
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}

// Stats reports the backlog.
func (f *Flusher) Stats(ctx context.Context) (Stats, error) {
	return ReadStats(ctx, f.store, f.now())
}

// ReadStats reports the backlog of st as of now.
func ReadStats(ctx context.Context, st *store.Store, now time.Time) (Stats, error) {
	raw, err := st.OutboxStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{Pending: raw.Pending, Dead: raw.Dead}
	if raw.Pending > 0 {
		out.OldestPendingAge = max(now.Sub(time.UnixMilli(raw.OldestPendingAt)), 0)
	}
	pendingGauge.Set(float64(out.Pending))
	deadGauge.Set(float64(out.Dead))
	return out, nil
}
