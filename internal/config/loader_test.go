package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phaserun/internal/rollback"
)

// setHome points HOME at a temp directory so config paths resolve under it.
func setHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeConfig(t *testing.T, home, content string) string {
	t.Helper()
	dir := filepath.Join(home, ".config", "phaserun")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	setHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "chromem", cfg.Store.Backend)
	assert.Equal(t, rollback.StrategyHybrid, cfg.Rollback.Strategy)
	assert.Equal(t, rollback.ModeAuto, cfg.Rollback.Mode)
	assert.True(t, cfg.Commit.Enabled)
	assert.Equal(t, "origin", cfg.Commit.Remote)
	assert.True(t, cfg.Pipeline.StopOnFailure)
	assert.Equal(t, 10, cfg.Checkpoint.MaxCheckpointsPerTask)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	home := setHome(t)
	path := writeConfig(t, home, `
store:
  backend: memory
rollback:
  strategy: git
  mode: dryrun
commit:
  push: true
  remote: upstream
pipeline:
  stop_on_failure: false
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, rollback.StrategyGit, cfg.Rollback.Strategy)
	assert.Equal(t, rollback.ModeDryRun, cfg.Rollback.Mode)
	assert.True(t, cfg.Commit.Push)
	assert.Equal(t, "upstream", cfg.Commit.Remote)
	assert.False(t, cfg.Pipeline.StopOnFailure, "file can switch a default-true bool off")
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Sections the file does not mention keep their defaults.
	assert.Equal(t, 10, cfg.Checkpoint.MaxCheckpointsPerTask)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	home := setHome(t)
	path := writeConfig(t, home, "rollback:\n  mode: auto\n")
	t.Setenv("PHASERUN_ROLLBACK_MODE", "disabled")
	t.Setenv("PHASERUN_STORE_CHROMEM_PATH", "/tmp/phaserun-test-store")
	t.Setenv("PHASERUN_PIPELINE_STOP_ON_FAILURE", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, rollback.ModeDisabled, cfg.Rollback.Mode)
	assert.Equal(t, "/tmp/phaserun-test-store", cfg.Store.Chromem.Path)
	assert.False(t, cfg.Pipeline.StopOnFailure)
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	home := setHome(t)
	path := writeConfig(t, home, "store:\n  backend: memory\n")
	require.NoError(t, os.Chmod(path, 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "insecure config file permissions")
}

func TestLoad_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setHome(t)
	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte("{}"), 0o600))

	_, err := Load(outside)
	assert.ErrorContains(t, err, "config file must be in")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	home := setHome(t)
	path := writeConfig(t, home, "store:\n  backend: cassandra\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "store.backend must be")
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	home := setHome(t)
	path := writeConfig(t, home, "store: [unclosed\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to load config file")
}

func TestEnvKeyToPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"PHASERUN_ROLLBACK_STRATEGY", "rollback.strategy"},
		{"PHASERUN_PIPELINE_STOP_ON_FAILURE", "pipeline.stop_on_failure"},
		{"PHASERUN_STORE_BACKEND", "store.backend"},
		{"PHASERUN_STORE_CHROMEM_PATH", "store.chromem.path"},
		{"PHASERUN_STORE_BADGER_SYNC_WRITES", "store.badger.sync_writes"},
		{"PHASERUN_TELEMETRY_SAMPLING_RATE", "telemetry.sampling.rate"},
		{"PHASERUN_TELEMETRY_METRICS_EXPORT_INTERVAL", "telemetry.metrics.export_interval"},
		{"PHASERUN_CHECKPOINT_MAX_CHECKPOINTS_PER_TASK", "checkpoint.max_checkpoints_per_task"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, envKeyToPath(tt.in), tt.in)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults valid", func(c *Config) {}, ""},
		{"bad backend", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"bad strategy", func(c *Config) { c.Rollback.Strategy = "yolo" }, "rollback.strategy"},
		{"bad mode", func(c *Config) { c.Rollback.Mode = "sometimes" }, "rollback.mode"},
		{"negative checkpoint bound", func(c *Config) { c.Checkpoint.MaxCheckpointsPerTask = -1 }, "cannot be negative"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging"},
		{"bad telemetry", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Endpoint = ""
		}, "telemetry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestEnsureConfigDir(t *testing.T) {
	home := setHome(t)
	require.NoError(t, EnsureConfigDir())

	info, err := os.Stat(filepath.Join(home, ".config", "phaserun"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Idempotent.
	require.NoError(t, EnsureConfigDir())
}
