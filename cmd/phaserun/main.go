// Package main implements the phaserun CLI: plan execution with
// checkpointing, phase auto-commits, and rollback on failure.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaserun/internal/autocommit"
	"github.com/fyrsmithlabs/phaserun/internal/config"
	"github.com/fyrsmithlabs/phaserun/internal/gitops"
	"github.com/fyrsmithlabs/phaserun/internal/logging"
	"github.com/fyrsmithlabs/phaserun/internal/pipeline"
	"github.com/fyrsmithlabs/phaserun/internal/rollback"
	"github.com/fyrsmithlabs/phaserun/internal/store"
	"github.com/fyrsmithlabs/phaserun/internal/taskctx"
	"github.com/fyrsmithlabs/phaserun/internal/telemetry"
)

var (
	configPath string
	workRoot   string

	version = "dev"
)

const timeRounding = 10 * time.Millisecond

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "phaserun",
	Short: "Dependency-ordered task plan execution with checkpoints and rollback",
	Long: `phaserun executes task plans phase by phase in dependency order.

Every phase gets a rollback point before it runs. Completed phases are
checkpointed and committed to git; failed phases roll the workspace back
according to the configured strategy.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/phaserun/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&workRoot, "root", ".", "workspace root to operate on")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(rollbackCmd)
}

// app bundles the wired services behind every subcommand.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	store     store.Store
	git       *gitops.Service
	contexts  *taskctx.Service
	rollbacks *rollback.Service
	commits   *autocommit.Service
	runner    *pipeline.Runner
}

// newApp loads configuration and wires the service graph for one command
// invocation. Extra rollback options (a confirmer for interactive mode) are
// passed through.
func newApp(ctx context.Context, rollbackOpts ...rollback.Option) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	tel, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry unavailable", zap.Error(err))
	}

	st, err := store.New(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	git := gitops.Open(workRoot, logger)

	contexts, err := taskctx.NewService(cfg.Checkpoint, st, logger)
	if err != nil {
		return nil, err
	}
	rollbacks, err := rollback.NewService(cfg.Rollback, git, contexts, st, logger, rollbackOpts...)
	if err != nil {
		return nil, err
	}
	commits, err := autocommit.NewService(cfg.Commit, git, logger)
	if err != nil {
		return nil, err
	}
	runner, err := pipeline.NewRunner(cfg.Pipeline, contexts, rollbacks, commits, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		store:     st,
		git:       git,
		contexts:  contexts,
		rollbacks: rollbacks,
		commits:   commits,
		runner:    runner,
	}, nil
}

// Close flushes telemetry and releases the store.
func (a *app) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", zap.Error(err))
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	logging.Sync(a.logger)
}

// loadTask resolves a task context from memory or the persisted store.
func (a *app) loadTask(ctx context.Context, taskID string) (*taskctx.TaskContext, error) {
	if tc, ok := a.contexts.GetContext(taskID); ok {
		return tc, nil
	}
	if tc, ok := a.contexts.LoadContext(ctx, taskID); ok {
		return tc, nil
	}
	return nil, fmt.Errorf("task %s not found", taskID)
}
