package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/policy"
)

// FieldView describes one field of a policy table.
type FieldView struct {
	Aggregate string `json:"aggregate"`
	Field     string `json:"field"`
	Strategy  string `json:"strategy"`
	Confirm   bool   `json:"confirm"`
	Priority  string `json:"priority"`
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Check and show per-field merge policies",
	}
	cmd.AddCommand(newPolicyValidateCommand(rootOpts))
	cmd.AddCommand(newPolicyShowCommand(rootOpts))
	return cmd
}

func newPolicyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <policy.cue>",
		Short: "Validate a CUE policy file",
		Long: `Unify a CUE policy file with the policy schema and report the first
problem with its position.

Example:
  tillsync policy validate ./policy.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			table, err := policy.LoadFile(args[0])
			if err != nil {
				var le *policy.LoadError
				if errors.As(err, &le) {
					return out.Fail(ExitFailure, ErrCodeInvalidSpec, "invalid policy", err)
				}
				return out.Fail(ExitCommandError, ErrCodeNotFound, "failed to load policy", err)
			}
			rows := policyRows(table)
			return out.Result(rows, func(w io.Writer) {
				fmt.Fprintf(w, "✓ %s is valid (%d aggregates, %d fields)\n", args[0], len(table.Aggregates()), len(rows))
			})
		},
	}
}

func newPolicyShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show [policy.cue]",
		Short:         "Print a policy table (the configured one by default)",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			var table *policy.Table
			var err error
			if len(args) == 1 {
				table, err = policy.LoadFile(args[0])
			} else {
				table, err = rootOpts.Config.PolicyTable()
			}
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeInvalidSpec, "failed to load policy", err)
			}
			rows := policyRows(table)
			return out.Result(rows, func(w io.Writer) {
				for _, r := range rows {
					confirm := ""
					if r.Confirm {
						confirm = " confirm"
					}
					fmt.Fprintf(w, "%-14s %-14s %-10s %-8s%s\n", r.Aggregate, r.Field, r.Strategy, r.Priority, confirm)
				}
			})
		},
	}
}

func policyRows(t *policy.Table) []FieldView {
	var rows []FieldView
	for _, agg := range t.Aggregates() {
		for _, field := range t.Fields(agg) {
			fp, err := t.Lookup(agg, field)
			if err != nil {
				continue
			}
			rows = append(rows, FieldView{
				Aggregate: agg,
				Field:     field,
				Strategy:  string(fp.Strategy),
				Confirm:   fp.RequiresConfirmation,
				Priority:  string(fp.Priority),
			})
		}
	}
	return rows
}
