package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <task-id>",
	Short: "List the checkpoints recorded for a task",
	Long: `List the checkpoints recorded for a task, oldest first.

Examples:
  phaserun checkpoints 4f8c2d1e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpoints,
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
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
	if len(tc.CheckpointIDs) == 0 {
		fmt.Printf("task %s has no checkpoints\n", tc.TaskID)
		return nil
	}
	for _, id := range tc.CheckpointIDs {
		cp, ok := app.contexts.GetCheckpoint(ctx, id)
		if !ok {
			fmt.Printf("  %s  (unavailable)\n", id)
			continue
		}
		line := fmt.Sprintf("  %s  %s  %s", cp.ID, cp.CreatedAt.Format("2006-01-02 15:04:05"), cp.Name)
		if cp.PhaseID != "" {
			line += "  phase=" + cp.PhaseID
		}
		fmt.Println(line)
	}
	return nil
}
