// Package config loads tillsync configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/outbox"
	"github.com/roach88/tillsync/internal/policy"
	"github.com/roach88/tillsync/internal/telemetry"
)

// Config is the file-level configuration of a device.
type Config struct {
	// DB is the SQLite database path.
	DB string `yaml:"db"`
	// Device is the id stamped on locally emitted events.
	Device string `yaml:"device"`
	// Policy is an optional CUE policy file; empty means the built-in table.
	// A relative path is resolved against the config file's directory.
	Policy string `yaml:"policy"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Outbox    OutboxConfig     `yaml:"outbox"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// OutboxConfig tunes outbox delivery.
type OutboxConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	BatchesPerSecond float64       `yaml:"batches_per_second"`
	Burst            int           `yaml:"burst"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	MaxAttempts      int           `yaml:"max_attempts"`
	// Schedule is a cron expression or @every descriptor for the runner.
	Schedule string `yaml:"schedule"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	ob := outbox.DefaultConfig()
	return Config{
		DB:        "tillsync.db",
		LogLevel:  "info",
		LogFormat: telemetry.FormatText,
		Outbox: OutboxConfig{
			BatchSize:        ob.BatchSize,
			BatchesPerSecond: ob.BatchesPerSecond,
			Burst:            ob.Burst,
			BackoffBase:      ob.BackoffBase,
			BackoffMax:       ob.BackoffMax,
			MaxAttempts:      ob.MaxAttempts,
			Schedule:         outbox.DefaultSchedule,
		},
		Telemetry: telemetry.Config{Exporter: "stdout"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	cfg, err = Parse(data)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Policy != "" && !filepath.IsAbs(cfg.Policy) {
		cfg.Policy = filepath.Join(filepath.Dir(path), cfg.Policy)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges and formats.
func (c Config) Validate() error {
	if _, err := telemetry.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case telemetry.FormatText, telemetry.FormatJSON:
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be positive, got %d", c.Outbox.BatchSize)
	}
	if c.Outbox.BatchesPerSecond < 0 {
		return fmt.Errorf("outbox.batches_per_second must not be negative")
	}
	if c.Outbox.BackoffMax < c.Outbox.BackoffBase {
		return fmt.Errorf("outbox.backoff_max (%s) is below backoff_base (%s)", c.Outbox.BackoffMax, c.Outbox.BackoffBase)
	}
	if c.Outbox.MaxAttempts < 0 {
		return fmt.Errorf("outbox.max_attempts must not be negative")
	}
	if _, err := cronlib.ParseStandard(c.Outbox.Schedule); err != nil {
		return fmt.Errorf("outbox.schedule: %w", err)
	}
	return nil
}

// FlushConfig converts the outbox section for the flusher.
func (c Config) FlushConfig() outbox.Config {
	return outbox.Config{
		BatchSize:        c.Outbox.BatchSize,
		BatchesPerSecond: c.Outbox.BatchesPerSecond,
		Burst:            c.Outbox.Burst,
		BackoffBase:      c.Outbox.BackoffBase,
		BackoffMax:       c.Outbox.BackoffMax,
		MaxAttempts:      c.Outbox.MaxAttempts,
	}
}

// PolicyTable loads the configured policy file or returns the built-in
// table.
func (c Config) PolicyTable() (*policy.Table, error) {
	if c.Policy == "" {
		return policy.Default(), nil
	}
	return policy.LoadFile(c.Policy)
}
