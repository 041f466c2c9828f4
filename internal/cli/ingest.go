package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/event"
	"github.com/roach88/tillsync/internal/ingest"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Database string
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <batch.json>",
		Short: "Submit a batch of events",
		Long: `Submit a JSON array of events to a replica, as the authority does.

The batch is applied in one transaction. Duplicates are accepted without
effect; malformed events are rejected one by one without aborting the
batch. A store failure aborts the whole batch, which may be retried.

Exit codes:
  0 - Every event accepted
  1 - One or more events rejected, or the store failed
  2 - Command error (unreadable batch, bad database path)

Example:
  tillsync ingest --db ./authority.db batch.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, args[0], cmd)
		},
	}

	dbFlag(cmd, &opts.Database, "path to SQLite database")
	return cmd
}

func runIngest(opts *IngestOptions, path string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	data, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeNotFound, "failed to read batch", err)
	}
	batch, err := event.DecodeBatch(data)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeBadInput, "failed to decode batch", err)
	}

	db, err := opts.dbPath(opts.Database)
	if err != nil {
		return err
	}
	p, err := opts.openPipeline(db)
	if err != nil {
		return err
	}
	defer closeStore(opts.RootOptions, p.Store())

	out.VerboseLog("Submitting %d event(s) to %s", len(batch), db)
	res, err := p.Submit(cmd.Context(), batch)
	if err != nil {
		var ie *ingest.Error
		if errors.As(err, &ie) && ie.Retryable() {
			return out.Fail(ExitFailure, ErrCodeDurability, "batch aborted", err)
		}
		return out.Fail(ExitFailure, ErrCodeGeneric, "ingest failed", err)
	}

	if err := out.Result(res, func(w io.Writer) { printIngestResult(w, res) }); err != nil {
		return err
	}
	if len(res.Rejected) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d event(s) rejected", len(res.Rejected)))
	}
	return nil
}

func printIngestResult(w io.Writer, res ingest.Result) {
	fmt.Fprintf(w, "accepted=%d duplicates=%d rejected=%d conflicts=%d\n",
		len(res.Accepted), len(res.Duplicates), len(res.Rejected), len(res.Conflicts))
	for _, r := range res.Rejected {
		fmt.Fprintf(w, "  ✗ %s %s: %s\n", r.EventID, r.Code, r.Reason)
	}
	for _, id := range res.Conflicts {
		fmt.Fprintf(w, "  ! conflict %s\n", id)
	}
}

// readInput reads a file, or stdin for "-".
func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
