package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/telemetry"
)

// RootOptions holds global flags and the state built from them.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Config is the loaded configuration; flags override it per command.
	Config config.Config
	Logger *slog.Logger

	provider *telemetry.Provider
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tillsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Config: config.Defaults()}

	cmd := &cobra.Command{
		Use:   "tillsync",
		Short: "tillsync - offline-first replication for point-of-sale tills",
		Long: `Replicate point-of-sale state between tills that work offline.

Every till keeps a local SQLite replica, queues its writes in an outbox and
exchanges events with an authority. Concurrent writes merge through CRDTs;
collisions on confirmed fields surface as conflicts until someone decides.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.teardown()
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))
	cmd.AddCommand(NewPolicyCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// setup validates global flags, loads the config and installs the logger
// and tracer provider.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	o.Config = cfg

	level := cfg.LogLevel
	if o.Verbose {
		level = "debug"
	}
	logger, err := telemetry.NewLogger(cmd.ErrOrStderr(), cfg.LogFormat, level)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create logger", err)
	}
	o.Logger = logger
	slog.SetDefault(logger)

	p, err := telemetry.Init(cmd.Context(), cfg.Telemetry, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialise tracing", err)
	}
	o.provider = p
	return nil
}

func (o *RootOptions) teardown() error {
	if o.provider == nil {
		return nil
	}
	if err := o.provider.Shutdown(context.Background()); err != nil {
		o.logger().Warn("tracer shutdown failed", "error", err)
	}
	return nil
}

func (o *RootOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to keep JSON clean
		Verbose:   o.Verbose,
	}
}
