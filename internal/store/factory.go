package store

import (
	"fmt"

	"go.uber.org/zap"
)

// Config selects and configures a store backend.
type Config struct {
	// Backend is one of "chromem" (default), "badger", "memory".
	Backend string `koanf:"backend"`

	Chromem ChromemConfig `koanf:"chromem"`
	Badger  BadgerConfig  `koanf:"badger"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Backend: "chromem",
		Chromem: ChromemConfig{Path: "~/.local/share/phaserun/store"},
		Badger:  BadgerConfig{Path: "~/.local/share/phaserun/badger", SyncWrites: true},
	}
}

// New creates a Store based on the configuration.
//
//   - "chromem" (default): embedded document store, no external deps
//   - "badger": embedded key/value store
//   - "memory": in-process, not persisted; tests and dry runs
//
// An unrecognized backend is a programmer error and returns an error rather
// than silently degrading.
func New(cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "chromem", "":
		return NewChromemStore(cfg.Chromem, logger)
	case "badger":
		badgerCfg := cfg.Badger
		if badgerCfg.Path != "" {
			expanded, err := expandPath(badgerCfg.Path)
			if err != nil {
				return nil, fmt.Errorf("expanding badger path: %w", err)
			}
			badgerCfg.Path = expanded
		}
		return NewBadgerStore(badgerCfg, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (want chromem, badger, or memory)", cfg.Backend)
	}
}
