// Package config provides configuration loading for phaserun.
//
// Configuration is assembled from three layers: hardcoded defaults, an
// optional YAML file, and PHASERUN_-prefixed environment variables, in
// increasing order of precedence.
package config

import (
	"fmt"

	"github.com/fyrsmithlabs/phaserun/internal/autocommit"
	"github.com/fyrsmithlabs/phaserun/internal/logging"
	"github.com/fyrsmithlabs/phaserun/internal/pipeline"
	"github.com/fyrsmithlabs/phaserun/internal/rollback"
	"github.com/fyrsmithlabs/phaserun/internal/store"
	"github.com/fyrsmithlabs/phaserun/internal/taskctx"
	"github.com/fyrsmithlabs/phaserun/internal/telemetry"
)

// Config holds the complete phaserun configuration.
type Config struct {
	Store      store.Config      `koanf:"store"`
	Checkpoint taskctx.Config    `koanf:"checkpoint"`
	Rollback   rollback.Config   `koanf:"rollback"`
	Commit     autocommit.Config `koanf:"commit"`
	Pipeline   pipeline.Config   `koanf:"pipeline"`
	Logging    logging.Config    `koanf:"logging"`
	Telemetry  telemetry.Config  `koanf:"telemetry"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Store:      store.DefaultConfig(),
		Checkpoint: taskctx.DefaultConfig(),
		Rollback:   rollback.DefaultConfig(),
		Commit:     autocommit.DefaultConfig(),
		Pipeline:   pipeline.DefaultConfig(),
		Logging:    *logging.DefaultConfig(),
		Telemetry:  *telemetry.NewDefaultConfig(),
	}
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", "chromem", "badger", "memory":
	default:
		return fmt.Errorf("store.backend must be chromem, badger, or memory, got %q", c.Store.Backend)
	}

	if s := c.Rollback.Strategy; s != "" && !s.Valid() {
		return fmt.Errorf("rollback.strategy must be git, filesystem, state, or hybrid, got %q", s)
	}
	if m := c.Rollback.Mode; m != "" && !m.Valid() {
		return fmt.Errorf("rollback.mode must be auto, interactive, dryrun, or disabled, got %q", m)
	}

	if c.Checkpoint.MaxCheckpointsPerTask < 0 {
		return fmt.Errorf("checkpoint.max_checkpoints_per_task cannot be negative")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
