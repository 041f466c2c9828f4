package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/device"
	"github.com/roach88/tillsync/internal/ingest"
	"github.com/roach88/tillsync/internal/outbox"
)

// OutboxOptions holds flags shared by the outbox subcommands.
type OutboxOptions struct {
	*RootOptions
	Database  string
	Device    string
	Authority string
	Schedule  string
	Pull      bool
	Dead      bool
}

// DeadLetterView is one dead-lettered entry.
type DeadLetterView struct {
	EventID   string `json:"event_id"`
	Aggregate string `json:"aggregate"`
	Field     string `json:"field"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
}

// OutboxStatusView is the payload of outbox status.
type OutboxStatusView struct {
	Pending          int              `json:"pending"`
	Dead             int              `json:"dead"`
	OldestPendingAge string           `json:"oldest_pending_age"`
	DeadLetters      []DeadLetterView `json:"dead_letters,omitempty"`
}

// FlushView is the payload of outbox flush.
type FlushView struct {
	outbox.Report
	Pulled *device.PullReport `json:"pulled,omitempty"`
}

// NewOutboxCommand creates the outbox command group.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and deliver queued local writes",
		Long: `Every local write is queued in the outbox before any delivery attempt and
leaves it only once the authority acknowledges it. Failed deliveries back
off exponentially; entries that exhaust their attempts or are rejected
become dead letters.`,
	}
	cmd.AddCommand(newOutboxStatusCommand(rootOpts))
	cmd.AddCommand(newOutboxFlushCommand(rootOpts))
	cmd.AddCommand(newOutboxRunCommand(rootOpts))
	cmd.AddCommand(newOutboxRequeueCommand(rootOpts))
	return cmd
}

func newOutboxStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OutboxOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show the outbox backlog",
		Example:       "  tillsync outbox status --db ./till-A.db --dead",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutboxStatus(opts, cmd)
		},
	}
	dbFlag(cmd, &opts.Database, "path to SQLite database")
	cmd.Flags().BoolVar(&opts.Dead, "dead", false, "list dead letters")
	return cmd
}

func runOutboxStatus(opts *OutboxOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	db, err := opts.dbPath(opts.Database)
	if err != nil {
		return err
	}
	st, err := openExisting(db)
	if err != nil {
		return err
	}
	defer closeStore(opts.RootOptions, st)

	stats, err := outbox.ReadStats(cmd.Context(), st, time.Now())
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeGeneric, "read outbox stats failed", err)
	}
	view := OutboxStatusView{
		Pending:          stats.Pending,
		Dead:             stats.Dead,
		OldestPendingAge: stats.OldestPendingAge.Round(time.Second).String(),
	}
	if opts.Dead {
		entries, err := st.DeadLetters(cmd.Context())
		if err != nil {
			return out.Fail(ExitFailure, ErrCodeGeneric, "read dead letters failed", err)
		}
		for _, e := range entries {
			view.DeadLetters = append(view.DeadLetters, DeadLetterView{
				EventID:   e.Event.EventID,
				Aggregate: e.Event.AggregateID,
				Field:     e.Event.Payload.Field,
				Attempts:  e.Attempts,
				LastError: e.LastError,
			})
		}
	}

	return out.Result(view, func(w io.Writer) {
		fmt.Fprintf(w, "pending=%d dead=%d oldest=%s\n", view.Pending, view.Dead, view.OldestPendingAge)
		for _, d := range view.DeadLetters {
			fmt.Fprintf(w, "  ✗ %s %s.%s attempts=%d: %s\n", d.EventID, d.Aggregate, d.Field, d.Attempts, d.LastError)
		}
	})
}

func newOutboxFlushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OutboxOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Deliver due entries to an authority database",
		Long: `Deliver due outbox entries to an authority replica opened in-process,
optionally pulling the authority's events back afterwards.

Example:
  tillsync outbox flush --db ./till-A.db --device till-A --authority ./authority.db --pull`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutboxFlush(opts, cmd)
		},
	}
	addDeliveryFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.Pull, "pull", false, "pull every local and authority aggregate after flushing")
	return cmd
}

func addDeliveryFlags(cmd *cobra.Command, opts *OutboxOptions) {
	dbFlag(cmd, &opts.Database, "path to the local SQLite database")
	cmd.Flags().StringVar(&opts.Device, "device", "", "local device id")
	cmd.Flags().StringVar(&opts.Authority, "authority", "", "path to the authority SQLite database (required)")
	_ = cmd.MarkFlagRequired("authority")
}

// openDelivery opens the local device and the authority pipeline.
func (o *OutboxOptions) openDelivery() (*device.Device, *ingest.Pipeline, func(), error) {
	db, err := o.dbPath(o.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	id, err := o.deviceID(o.Device)
	if err != nil {
		return nil, nil, nil, err
	}
	d, err := o.openDevice(db, id)
	if err != nil {
		return nil, nil, nil, err
	}
	authority, err := o.openPipeline(o.Authority)
	if err != nil {
		d.Close()
		return nil, nil, nil, err
	}
	closeAll := func() {
		closeStore(o.RootOptions, authority.Store())
		if err := d.Close(); err != nil {
			o.logger().Error("error closing database", "error", err)
		}
	}
	return d, authority, closeAll, nil
}

func runOutboxFlush(opts *OutboxOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	d, authority, closeAll, err := opts.openDelivery()
	if err != nil {
		return err
	}
	defer closeAll()

	rep, err := d.Flush(cmd.Context(), authority)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeGeneric, "flush failed", err)
	}
	view := FlushView{Report: rep}
	if opts.Pull {
		pulled, err := d.Pull(cmd.Context(), authority, nil)
		if err != nil {
			return out.Fail(ExitFailure, ErrCodeGeneric, "pull failed", err)
		}
		view.Pulled = &pulled
	}

	return out.Result(view, func(w io.Writer) {
		fmt.Fprintf(w, "batches=%d sent=%d acked=%d duplicates=%d rejected=%d retried=%d dead=%d\n",
			rep.Batches, rep.Sent, rep.Acked, rep.Duplicates, rep.Rejected, rep.Retried, rep.Dead)
		if view.Pulled != nil {
			fmt.Fprintf(w, "pulled fetched=%d applied=%d duplicates=%d rejected=%d conflicts=%d\n",
				view.Pulled.Fetched, view.Pulled.Applied, view.Pulled.Duplicates, len(view.Pulled.Rejected), len(view.Pulled.Conflicts))
		}
	})
}

func newOutboxRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OutboxOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Flush on a schedule until interrupted",
		Long: `Flush the outbox to an authority on a cron schedule until SIGINT or
SIGTERM. The schedule defaults to the config value (@every 30s).

Example:
  tillsync outbox run --db ./till-A.db --device till-A --authority ./authority.db --schedule "@every 10s"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutboxRun(opts, cmd)
		},
	}
	addDeliveryFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.Schedule, "schedule", "", "cron schedule (default from config)")
	return cmd
}

func runOutboxRun(opts *OutboxOptions, cmd *cobra.Command) error {
	d, authority, closeAll, err := opts.openDelivery()
	if err != nil {
		return err
	}
	defer closeAll()

	schedule := opts.Schedule
	if schedule == "" {
		schedule = opts.Config.Outbox.Schedule
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Flushing %s to %s on %q. Press Ctrl-C to stop.\n", d.ID(), opts.Authority, schedule)
	runner := outbox.NewRunner(d.Flusher(), authority, schedule, opts.logger())
	if err := runner.Run(ctx); err != nil {
		return WrapExitError(ExitCommandError, "invalid schedule", err)
	}
	return nil
}

func newOutboxRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OutboxOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "requeue",
		Short:         "Move dead letters back to pending",
		Example:       "  tillsync outbox requeue --db ./till-A.db",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			db, err := opts.dbPath(opts.Database)
			if err != nil {
				return err
			}
			st, err := openExisting(db)
			if err != nil {
				return err
			}
			defer closeStore(opts.RootOptions, st)

			n, err := st.Requeue(cmd.Context(), time.Now().UnixMilli())
			if err != nil {
				return out.Fail(ExitFailure, ErrCodeGeneric, "requeue failed", err)
			}
			return out.Result(map[string]int{"requeued": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Requeued %d dead letter(s).\n", n)
			})
		},
	}
	dbFlag(cmd, &opts.Database, "path to SQLite database")
	return cmd
}
