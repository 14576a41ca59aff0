package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.Caller)
	assert.Equal(t, "phaserun", cfg.Fields["service"])
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid json", cfg: Config{Level: "info", Format: "json"}},
		{name: "valid console", cfg: Config{Level: "debug", Format: "console"}},
		{name: "trace level", cfg: Config{Level: "trace", Format: "json"}},
		{name: "bad format", cfg: Config{Level: "info", Format: "xml"}, wantErr: true},
		{name: "bad level", cfg: Config{Level: "loud", Format: "json"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLevelFromString_Trace(t *testing.T) {
	level, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, level)
	assert.True(t, level < zapcore.DebugLevel)
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	logger, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&Config{Level: "info", Format: "xml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid logging config")
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithTaskID(ctx, "task-1")
	ctx = WithPhaseID(ctx, "phase-2")

	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "task.id", fields[0].Key)
	assert.Equal(t, "task-1", fields[0].String)
	assert.Equal(t, "phase.id", fields[1].Key)
	assert.Equal(t, "phase-2", fields[1].String)
}

func TestTaskIDFromContext_Unset(t *testing.T) {
	assert.Empty(t, TaskIDFromContext(context.Background()))
	assert.Empty(t, PhaseIDFromContext(context.Background()))
}
