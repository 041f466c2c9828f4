package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/device"
	"github.com/roach88/tillsync/internal/ingest"
	"github.com/roach88/tillsync/internal/store"
)

// dbFlag registers --db. An empty flag falls back to the config file.
func dbFlag(cmd *cobra.Command, target *string, usage string) {
	cmd.Flags().StringVar(target, "db", "", usage)
}

func (o *RootOptions) dbPath(flag string) (string, error) {
	path := flag
	if path == "" {
		path = o.Config.DB
	}
	if path == "" {
		return "", NewExitError(ExitCommandError, "database path is required (--db or config db)")
	}
	return path, nil
}

func (o *RootOptions) deviceID(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if o.Config.Device == "" {
		return "", NewExitError(ExitCommandError, "device id is required (--device or config device)")
	}
	return o.Config.Device, nil
}

// openExisting opens a store that must already exist on disk.
func openExisting(path string) (*store.Store, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// openPipeline opens (creating if needed) a store and its ingestion
// pipeline.
func (o *RootOptions) openPipeline(path string) (*ingest.Pipeline, error) {
	table, err := o.Config.PolicyTable()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load policy", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return ingest.New(st, table, ingest.WithLogger(o.logger())), nil
}

// openExistingPipeline is openPipeline for a database that must already
// exist.
func (o *RootOptions) openExistingPipeline(path string) (*ingest.Pipeline, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	return o.openPipeline(path)
}

// openDevice opens the local replica at path as device id.
func (o *RootOptions) openDevice(path, id string) (*device.Device, error) {
	table, err := o.Config.PolicyTable()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load policy", err)
	}
	d, err := device.Open(path, id,
		device.WithPolicy(table),
		device.WithLogger(o.logger()),
		device.WithOutbox(o.Config.FlushConfig()),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open device", err)
	}
	return d, nil
}

func closeStore(o *RootOptions, st *store.Store) {
	if err := st.Close(); err != nil {
		o.logger().Error("error closing database", "error", err)
	}
}
