package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phaserun/internal/rollback"
)

var rollbackDryRun bool

var rollbackCmd = &cobra.Command{
	Use:   "rollback <task-id> <phase-id>",
	Short: "Roll a phase back to its recorded rollback point",
	Long: `Roll a phase back to the rollback point captured before it ran,
using the configured strategy. With --dry-run the planned actions are
printed and nothing is touched.

Examples:
  phaserun rollback 4f8c2d1e-... impl
  phaserun rollback 4f8c2d1e-... impl --dry-run
  phaserun rollback 4f8c2d1e-... impl --strategy filesystem`,
	Args: cobra.ExactArgs(2),
	RunE: runRollback,
}

var rollbackStrategy string

func init() {
	rollbackCmd.Flags().BoolVar(&rollbackDryRun, "dry-run", false, "show planned actions without executing them")
	rollbackCmd.Flags().StringVar(&rollbackStrategy, "strategy", "", "rollback strategy override (git, filesystem, state, hybrid)")
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	taskID, phaseID := args[0], args[1]
	if _, err := app.loadTask(ctx, taskID); err != nil {
		return err
	}

	cfg := app.cfg.Rollback
	cfg.Mode = rollback.ModeAuto
	if rollbackDryRun {
		cfg.Mode = rollback.ModeDryRun
	}
	if rollbackStrategy != "" {
		cfg.Strategy = rollback.Strategy(rollbackStrategy)
	}
	svc, err := rollback.NewService(cfg, app.git, app.contexts, app.store, app.logger)
	if err != nil {
		return err
	}

	result := svc.RollbackOnFailure(ctx, taskID, phaseID, "requested from the command line")
	fmt.Printf("rollback %s/%s: %s (%s strategy)\n", taskID, phaseID, result.Status, result.Strategy)
	if result.Reason != "" {
		fmt.Println("  " + result.Reason)
	}
	for _, action := range result.Actions {
		fmt.Println("  " + action)
	}
	for _, file := range result.RestoredFiles {
		fmt.Println("  restored " + file)
	}
	for _, e := range result.Errors {
		fmt.Println("  error: " + e)
	}
	if result.Status == rollback.ResultFailed {
		return fmt.Errorf("rollback failed")
	}
	return nil
}
