package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phaserun/internal/taskctx"
)

var progressCmd = &cobra.Command{
	Use:   "progress <task-id>",
	Short: "Show phase completion for a task",
	Long: `Show per-phase status and overall completion for a task.

Examples:
  phaserun progress 4f8c2d1e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runProgress,
}

func runProgress(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	tc, err := app.loadTask(ctx, args[0])
	if err != nil {
		return err
	}
	prog, ok := app.contexts.Progress(tc.TaskID)
	if !ok {
		return fmt.Errorf("task %s not found", tc.TaskID)
	}

	fmt.Printf("task %s (plan %s)\n", tc.TaskID, tc.Plan.ID)
	for _, phase := range tc.Plan.Phases {
		state := tc.PhaseStates[phase.ID]
		if state == nil {
			continue
		}
		line := fmt.Sprintf("  %-12s %-12s %s", phase.ID, state.Status, phase.Name)
		if state.Status == taskctx.StatusCompleted && !state.CompletedAt.IsZero() && !state.StartedAt.IsZero() {
			line += fmt.Sprintf(" (%s)", state.CompletedAt.Sub(state.StartedAt).Round(timeRounding))
		}
		if state.Error != "" {
			line += "  " + state.Error
		}
		fmt.Println(line)
	}
	fmt.Printf("%d/%d completed (%.0f%%), %d failed, %d skipped\n",
		prog.Completed, prog.Total, prog.Percent, prog.Failed, prog.Skipped)
	if !prog.EstimatedCompletion.IsZero() {
		fmt.Printf("estimated completion: %s\n", prog.EstimatedCompletion.Format("2006-01-02 15:04:05"))
	}
	return nil
}
