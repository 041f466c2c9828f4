package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/vclock"
)

// FetchOptions holds flags for the fetch command.
type FetchOptions struct {
	*RootOptions
	Database  string
	Aggregate string
	Since     string
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "List events a replica has not seen",
		Long: `List the stored events of an aggregate that are not covered by a clock.

The clock uses the compact form "device:n,device:m". An empty clock lists
every event, in ingestion order.

Example:
  tillsync fetch --db ./authority.db --aggregate product/42 --since "till-A:3,till-B:1"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(opts, cmd)
		},
	}

	dbFlag(cmd, &opts.Database, "path to SQLite database")
	cmd.Flags().StringVar(&opts.Aggregate, "aggregate", "", "aggregate id, e.g. product/42 (required)")
	cmd.Flags().StringVar(&opts.Since, "since", "", "vector clock already seen")
	_ = cmd.MarkFlagRequired("aggregate")

	return cmd
}

func runFetch(opts *FetchOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	since, err := vclock.Parse(opts.Since)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeBadInput, "invalid --since clock", err)
	}
	db, err := opts.dbPath(opts.Database)
	if err != nil {
		return err
	}
	st, err := openExisting(db)
	if err != nil {
		return err
	}
	defer closeStore(opts.RootOptions, st)

	events, err := st.EventsSince(cmd.Context(), opts.Aggregate, since)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeGeneric, "fetch failed", err)
	}
	if events == nil {
		events = []event.Event{}
	}

	return out.Result(events, func(w io.Writer) {
		if len(events) == 0 {
			fmt.Fprintln(w, "No events.")
			return
		}
		for _, ev := range events {
			fmt.Fprintf(w, "%s %s %s.%s clock=%s\n", ev.EventID, ev.DeviceID, ev.AggregateID, ev.Payload.Field, ev.Clock)
		}
	})
}
