package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaserun/internal/autocommit"
	"github.com/fyrsmithlabs/phaserun/internal/pipeline"
	"github.com/fyrsmithlabs/phaserun/internal/plan"
	"github.com/fyrsmithlabs/phaserun/internal/rollback"
	"github.com/fyrsmithlabs/phaserun/internal/taskctx"
)

var (
	runMode     string
	runStrategy string
	runExec     string
	runResume   string
)

var runCmd = &cobra.Command{
	Use:   "run [plan.yaml]",
	Short: "Execute a task plan phase by phase",
	Long: `Execute a task plan phase by phase in dependency order.

Each phase gets a rollback point before it runs, a checkpoint when it
completes, and an auto-commit of the files it changed. A failing phase
triggers rollback according to the configured strategy.

By default phases are recorded without running anything, which is useful
when an external agent performs the actual work. Pass --exec to run a
shell command per phase; the command sees the phase in PHASERUN_PHASE_ID,
PHASERUN_PHASE_NAME, and PHASERUN_TASK_ID.

Examples:
  phaserun run plan.yaml
  phaserun run plan.yaml --exec 'make $PHASERUN_PHASE_ID'
  phaserun run plan.yaml --strategy git --mode interactive
  phaserun run --resume 4f8c2d1e-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "", "rollback mode override (auto, interactive, dryrun, disabled)")
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "rollback strategy override (git, filesystem, state, hybrid)")
	runCmd.Flags().StringVar(&runExec, "exec", "", "shell command to run for each phase")
	runCmd.Flags().StringVar(&runResume, "resume", "", "resume an existing task instead of starting a new one")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runResume == "" && len(args) == 0 {
		return fmt.Errorf("a plan file or --resume is required")
	}

	var opts []rollback.Option
	if runMode == string(rollback.ModeInteractive) {
		opts = append(opts, rollback.WithConfirmer(stdinConfirmer()))
	}
	app, err := newApp(ctx, opts...)
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	if runMode != "" {
		app.cfg.Rollback.Mode = rollback.Mode(runMode)
	}
	if runStrategy != "" {
		app.cfg.Rollback.Strategy = rollback.Strategy(runStrategy)
	}
	if runMode != "" || runStrategy != "" {
		app.rollbacks, err = rollback.NewService(app.cfg.Rollback, app.git, app.contexts, app.store, app.logger, opts...)
		if err != nil {
			return err
		}
		app.runner, err = pipeline.NewRunner(app.cfg.Pipeline, app.contexts, app.rollbacks, app.commits, app.logger)
		if err != nil {
			return err
		}
	}

	executor := recordingExecutor(app.logger)
	if runExec != "" {
		executor = shellExecutor(runExec, app.logger)
	}

	var result *pipeline.RunResult
	if runResume != "" {
		result, err = app.runner.Resume(ctx, runResume, executor)
	} else {
		var p *plan.TaskPlan
		p, err = plan.Load(args[0])
		if err != nil {
			return err
		}
		result, err = app.runner.Run(ctx, p, executor, nil)
	}
	if result != nil {
		printRunResult(result)
	}
	if err != nil {
		return err
	}
	if !result.Succeeded {
		return fmt.Errorf("task %s did not complete all phases", result.TaskID)
	}
	return nil
}

// recordingExecutor records phase transitions without running anything.
func recordingExecutor(logger *zap.Logger) pipeline.PhaseExecutor {
	return pipeline.ExecutorFunc(func(ctx context.Context, tc *taskctx.TaskContext, phase plan.Phase) (map[string]any, error) {
		logger.Info("recording phase",
			zap.String("task_id", tc.TaskID),
			zap.String("phase_id", phase.ID),
			zap.String("category", string(phase.Category)))
		return map[string]any{"category": string(phase.Category)}, nil
	})
}

// shellExecutor runs command through the shell once per phase.
func shellExecutor(command string, logger *zap.Logger) pipeline.PhaseExecutor {
	return pipeline.ExecutorFunc(func(ctx context.Context, tc *taskctx.TaskContext, phase plan.Phase) (map[string]any, error) {
		c := exec.CommandContext(ctx, "sh", "-c", command)
		c.Dir = workRoot
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		c.Env = append(os.Environ(),
			"PHASERUN_TASK_ID="+tc.TaskID,
			"PHASERUN_PHASE_ID="+phase.ID,
			"PHASERUN_PHASE_NAME="+phase.Name,
		)
		logger.Info("running phase command",
			zap.String("phase_id", phase.ID),
			zap.String("command", command))
		if err := c.Run(); err != nil {
			return nil, fmt.Errorf("phase command: %w", err)
		}
		return map[string]any{"command": command, "category": string(phase.Category)}, nil
	})
}

// stdinConfirmer prompts on the terminal for interactive rollback.
func stdinConfirmer() rollback.Confirmer {
	reader := bufio.NewReader(os.Stdin)
	return rollback.ConfirmerFunc(func(ctx context.Context, prompt string) rollback.Decision {
		fmt.Fprintf(os.Stderr, "%s [y/N/d(isable)]: ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return rollback.Deny
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return rollback.Approve
		case "d", "disable":
			return rollback.Disable
		default:
			return rollback.Deny
		}
	})
}

func printRunResult(result *pipeline.RunResult) {
	fmt.Printf("task %s\n", result.TaskID)
	for _, pr := range result.Phases {
		line := fmt.Sprintf("  %-12s %-10s %s", pr.PhaseID, pr.Status, pr.Duration.Round(timeRounding))
		if pr.Commit != nil && pr.Commit.Status == autocommit.StatusSuccess {
			line += fmt.Sprintf("  commit %.8s", pr.Commit.Hash)
		}
		if pr.Rollback != nil {
			line += fmt.Sprintf("  rollback %s", pr.Rollback.Status)
		}
		if pr.Error != "" {
			line += "  " + pr.Error
		}
		fmt.Println(line)
	}
	if result.Progress != nil {
		fmt.Printf("progress: %d/%d completed (%.0f%%)\n",
			result.Progress.Completed, result.Progress.Total, result.Progress.Percent)
	}
}
