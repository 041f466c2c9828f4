package outbox

import (
	"context"
	"fmt"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"
)

// DefaultSchedule flushes every thirty seconds.
const DefaultSchedule = "@every 30s"

// Runner flushes on a cron schedule until its context ends. Runs never
// overlap; a tick that arrives during a slow flush is skipped.
type Runner struct {
	flusher   *Flusher
	transport Transport
	schedule  string
	logger    *slog.Logger
}

// NewRunner creates a runner. An empty schedule means DefaultSchedule.
func NewRunner(f *Flusher, tr Transport, schedule string, logger *slog.Logger) *Runner {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{flusher: f, transport: tr, schedule: schedule, logger: logger}
}

// Run blocks until ctx is cancelled. It returns an error only for an
// invalid schedule.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := cronlib.ParseStandard(r.schedule); err != nil {
		return fmt.Errorf("parse schedule %q: %w", r.schedule, err)
	}

	c := cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	if _, err := c.AddFunc(r.schedule, func() { r.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule flush: %w", err)
	}

	c.Start()
	r.logger.Info("outbox runner started", "schedule", r.schedule)
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("outbox runner stopped")
	return nil
}

func (r *Runner) tick(ctx context.Context) {
	rep, err := r.flusher.Flush(ctx, r.transport)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("outbox flush failed", "error", err)
		}
		return
	}
	if rep.Retried > 0 || rep.Dead > 0 {
		r.logger.Warn("outbox flush incomplete", "retried", rep.Retried, "dead", rep.Dead)
	}
}
