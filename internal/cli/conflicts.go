package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/conflict"
	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/ir"
)

// ConflictView is the JSON rendering of a conflict record.
type ConflictView struct {
	ID                string     `json:"id"`
	Aggregate         string     `json:"aggregate"`
	Field             string     `json:"field"`
	Mine              ir.IRValue `json:"mine"`
	Theirs            ir.IRValue `json:"theirs"`
	MineEventID       string     `json:"mine_event_id"`
	LosingEventID     string     `json:"losing_event_id"`
	Priority          string     `json:"priority"`
	Status            string     `json:"status"`
	Decision          string     `json:"decision,omitempty"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
	ResolutionEventID string     `json:"resolution_event_id,omitempty"`
	CreatedAt         int64      `json:"created_at"`
	UpdatedAt         int64      `json:"updated_at"`
}

func newConflictView(r conflict.Record) ConflictView {
	return ConflictView{
		ID:                r.ID,
		Aggregate:         r.AggregateID,
		Field:             r.Field,
		Mine:              r.Mine.Value,
		Theirs:            r.Theirs.Value,
		MineEventID:       r.MineEventID,
		LosingEventID:     r.LosingEventID,
		Priority:          string(r.Priority),
		Status:            string(r.Status),
		Decision:          string(r.Decision),
		ResolvedBy:        r.ResolvedBy,
		ResolutionEventID: r.ResolutionEventID,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// ConflictsOptions holds flags shared by the conflicts subcommands.
type ConflictsOptions struct {
	*RootOptions
	Database  string
	Aggregate string
	Device    string
	Direct    bool
}

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve field conflicts",
		Long: `Concurrent writes to a field that requires confirmation keep the
last-writer-wins value in effect and open a conflict record. A conflict stays
open until a device decides to keep the current value or take the other one.`,
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open conflicts, most urgent first",
		Example: `  tillsync conflicts list --db ./till-A.db
  tillsync conflicts list --db ./till-A.db --aggregate product/42`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsList(opts, cmd)
		},
	}
	dbFlag(cmd, &opts.Database, "path to SQLite database")
	cmd.Flags().StringVar(&opts.Aggregate, "aggregate", "", "limit to one aggregate")
	return cmd
}

func runConflictsList(opts *ConflictsOptions, cmd *cobra.Command) error {
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

	recs, err := conflict.New(st, nil, conflict.WithLogger(opts.logger())).ListOpen(cmd.Context(), opts.Aggregate)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeGeneric, "list conflicts failed", err)
	}
	views := make([]ConflictView, 0, len(recs))
	for _, r := range recs {
		views = append(views, newConflictView(r))
	}

	return out.Result(views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, "No open conflicts.")
			return
		}
		for _, v := range views {
			fmt.Fprintf(w, "%s [%s] %s.%s: mine=%s theirs=%s\n",
				v.ID, v.Priority, v.Aggregate, v.Field, renderValue(v.Mine), renderValue(v.Theirs))
		}
	})
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id> keep_mine|take_theirs",
		Short: "Settle an open conflict",
		Long: `Settle an open conflict on the local replica. The decision is written as a
new event that dominates both candidates; it is applied locally at once and
queued in the outbox for the authority.

With --direct the database is treated as an authority: the resolution is
ingested into it at once and nothing is queued.

Example:
  tillsync conflicts resolve --db ./till-A.db --device till-A 0192... take_theirs
  tillsync conflicts resolve --db ./authority.db --device desk --direct 0192... keep_mine`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsResolve(opts, args[0], args[1], cmd)
		},
	}
	dbFlag(cmd, &opts.Database, "path to SQLite database")
	cmd.Flags().StringVar(&opts.Device, "device", "", "resolving device id")
	cmd.Flags().BoolVar(&opts.Direct, "direct", false, "ingest the resolution into --db instead of queueing it")
	return cmd
}

func runConflictsResolve(opts *ConflictsOptions, id, decisionArg string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	decision, err := event.ParseDecision(decisionArg)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeBadInput, "invalid decision", err)
	}
	db, err := opts.dbPath(opts.Database)
	if err != nil {
		return err
	}
	deviceID, err := opts.deviceID(opts.Device)
	if err != nil {
		return err
	}
	ev, err := opts.resolve(cmd.Context(), db, deviceID, id, decision)
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return err
	case errors.Is(err, conflict.ErrNotFound):
		return out.Fail(ExitCommandError, ErrCodeNotFound, "conflict not found", err)
	case errors.Is(err, conflict.ErrAlreadyResolved):
		return out.Fail(ExitFailure, ErrCodeGeneric, "conflict already resolved", err)
	case err != nil:
		return out.Fail(ExitFailure, ErrCodeGeneric, "resolve failed", err)
	}

	return out.Result(ev, func(w io.Writer) {
		fmt.Fprintf(w, "Resolved %s (%s) with event %s\n", id, decision, ev.EventID)
	})
}

// resolve settles conflict id as device deviceID: through the local replica
// and its outbox, or with --direct straight into the database's pipeline.
func (opts *ConflictsOptions) resolve(ctx context.Context, db, deviceID, id string, decision event.Decision) (event.Event, error) {
	if opts.Direct {
		p, err := opts.openExistingPipeline(db)
		if err != nil {
			return event.Event{}, err
		}
		defer closeStore(opts.RootOptions, p.Store())
		svc := conflict.New(p.Store(), conflict.IngestPublisher{Pipeline: p}, conflict.WithLogger(opts.logger()))
		return svc.Resolve(ctx, id, decision, deviceID)
	}

	d, err := opts.openDevice(db, deviceID)
	if err != nil {
		return event.Event{}, err
	}
	defer func() {
		if err := d.Close(); err != nil {
			opts.logger().Error("error closing database", "error", err)
		}
	}()
	return d.Resolve(ctx, id, decision)
}
