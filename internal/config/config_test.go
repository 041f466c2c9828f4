package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/outbox"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tillsync.db", cfg.DB)
	assert.Equal(t, outbox.DefaultSchedule, cfg.Outbox.Schedule)
	assert.Equal(t, outbox.DefaultConfig(), cfg.FlushConfig())
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tillsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db: /var/lib/till/a.db
device: till-A
policy: policy.cue
log_format: json
outbox:
  batch_size: 25
  backoff_base: 500ms
  backoff_max: 2m
  schedule: "*/5 * * * *"
telemetry:
  enabled: true
  exporter: none
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/till/a.db", cfg.DB)
	assert.Equal(t, "till-A", cfg.Device)
	assert.Equal(t, filepath.Join(dir, "policy.cue"), cfg.Policy)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)

	fc := cfg.FlushConfig()
	assert.Equal(t, 25, fc.BatchSize)
	assert.Equal(t, 500*time.Millisecond, fc.BackoffBase)
	assert.Equal(t, 2*time.Minute, fc.BackoffMax)
	// Untouched keys keep their defaults.
	assert.Equal(t, 20, fc.MaxAttempts)
	assert.Equal(t, "*/5 * * * *", cfg.Outbox.Schedule)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "dbpath: x\n", "field dbpath not found"},
		{"log level", "log_level: loud\n", `unknown log level "loud"`},
		{"log format", "log_format: xml\n", "log_format must be text or json"},
		{"batch size", "outbox: {batch_size: 0}\n", "outbox.batch_size must be positive"},
		{"backoff bounds", "outbox: {backoff_base: 10m, backoff_max: 1m}\n", "is below backoff_base"},
		{"schedule", "outbox: {schedule: sometimes}\n", "outbox.schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestPolicyTable(t *testing.T) {
	table, err := Defaults().PolicyTable()
	require.NoError(t, err)
	assert.True(t, table.HasAggregate("product"))

	cfg := Defaults()
	cfg.Policy = filepath.Join(t.TempDir(), "missing.cue")
	_, err = cfg.PolicyTable()
	assert.Error(t, err)
}
