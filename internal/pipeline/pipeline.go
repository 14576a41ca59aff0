// Package pipeline drives a task plan through its phases: rollback point,
// start, execute, then commit on success or rollback on failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaserun/internal/autocommit"
	"github.com/fyrsmithlabs/phaserun/internal/logging"
	"github.com/fyrsmithlabs/phaserun/internal/plan"
	"github.com/fyrsmithlabs/phaserun/internal/rollback"
	"github.com/fyrsmithlabs/phaserun/internal/taskctx"
)

const instrumentationName = "github.com/fyrsmithlabs/phaserun/internal/pipeline"

// PhaseExecutor performs the actual work of one phase. Implementations
// return artifacts to merge into the phase state, or an error to trigger
// rollback.
type PhaseExecutor interface {
	Execute(ctx context.Context, task *taskctx.TaskContext, phase plan.Phase) (map[string]any, error)
}

// ExecutorFunc adapts a function to the PhaseExecutor interface.
type ExecutorFunc func(ctx context.Context, task *taskctx.TaskContext, phase plan.Phase) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *taskctx.TaskContext, phase plan.Phase) (map[string]any, error) {
	return f(ctx, task, phase)
}

// PhaseResult records how one phase ended.
type PhaseResult struct {
	PhaseID  string                 `json:"phase_id"`
	Name     string                 `json:"name"`
	Status   taskctx.PhaseStatus    `json:"status"`
	Duration time.Duration          `json:"duration"`
	Error    string                 `json:"error,omitempty"`
	Commit   *autocommit.CommitInfo `json:"commit,omitempty"`
	Rollback *rollback.Result       `json:"rollback,omitempty"`
}

// RunResult summarizes a full pipeline run.
type RunResult struct {
	TaskID    string            `json:"task_id"`
	Succeeded bool              `json:"succeeded"`
	Phases    []PhaseResult     `json:"phases"`
	Progress  *taskctx.Progress `json:"progress,omitempty"`
}

// Config configures the pipeline runner.
type Config struct {
	// StopOnFailure skips the remaining phases after the first failure
	// (default: true). When false, phases whose dependencies completed
	// still run.
	StopOnFailure bool `koanf:"stop_on_failure"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{StopOnFailure: true}
}

// Runner executes task plans phase by phase in dependency order.
type Runner struct {
	config    Config
	contexts  *taskctx.Service
	rollbacks *rollback.Service
	commits   *autocommit.Service
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewRunner creates a pipeline runner.
func NewRunner(cfg Config, contexts *taskctx.Service, rollbacks *rollback.Service, commits *autocommit.Service, logger *zap.Logger) (*Runner, error) {
	if contexts == nil {
		return nil, errors.New("context service is required")
	}
	if rollbacks == nil {
		return nil, errors.New("rollback service is required")
	}
	if commits == nil {
		return nil, errors.New("commit service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		config:    cfg,
		contexts:  contexts,
		rollbacks: rollbacks,
		commits:   commits,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}, nil
}

// Run executes every phase of the plan in dependency order.
//
// Each phase gets a rollback point before it starts. Success commits the
// phase; failure rolls back and, with StopOnFailure set, skips the rest.
// Cancellation stops before the next phase and returns ctx.Err().
func (r *Runner) Run(ctx context.Context, p *plan.TaskPlan, executor PhaseExecutor, global map[string]any) (*RunResult, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}

	tc, err := r.contexts.CreateContext(ctx, p, global)
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	return r.run(ctx, tc, executor)
}

// Resume continues a previously persisted task: phases already terminal are
// reported as-is and the rest execute in dependency order.
func (r *Runner) Resume(ctx context.Context, taskID string, executor PhaseExecutor) (*RunResult, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}

	tc, ok := r.contexts.GetContext(taskID)
	if !ok {
		tc, ok = r.contexts.LoadContext(ctx, taskID)
	}
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if tc.Plan == nil {
		return nil, fmt.Errorf("task %s has no plan attached", taskID)
	}
	return r.run(ctx, tc, executor)
}

func (r *Runner) run(ctx context.Context, tc *taskctx.TaskContext, executor PhaseExecutor) (*RunResult, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", tc.TaskID),
		attribute.Int("phase_count", len(tc.Plan.Phases)),
	)
	ctx = logging.WithTaskID(ctx, tc.TaskID)

	result := &RunResult{TaskID: tc.TaskID, Succeeded: true}
	ordered := plan.ExecutionOrder(tc.Plan.Phases)
	var halted, canceled bool

	for _, ph := range ordered {
		if !canceled && ctx.Err() != nil {
			canceled = true
			result.Succeeded = false
		}
		if canceled {
			r.contexts.SkipPhase(ctx, tc.TaskID, ph.ID, "run canceled")
			result.Phases = append(result.Phases, PhaseResult{
				PhaseID: ph.ID,
				Name:    ph.Name,
				Status:  taskctx.StatusSkipped,
			})
			continue
		}
		if state, ok := tc.State(ph.ID); ok && state.Status.Terminal() {
			result.Phases = append(result.Phases, PhaseResult{
				PhaseID:  ph.ID,
				Name:     ph.Name,
				Status:   state.Status,
				Duration: state.Duration(),
				Error:    state.Error,
			})
			if state.Status != taskctx.StatusCompleted {
				result.Succeeded = false
			}
			continue
		}

		if halted {
			r.contexts.SkipPhase(ctx, tc.TaskID, ph.ID, "earlier phase failed")
			result.Phases = append(result.Phases, PhaseResult{
				PhaseID: ph.ID,
				Name:    ph.Name,
				Status:  taskctx.StatusSkipped,
			})
			continue
		}
		result.Phases = append(result.Phases, r.runPhase(ctx, tc, executor, ph))
		last := &result.Phases[len(result.Phases)-1]
		if last.Status == taskctx.StatusFailed {
			result.Succeeded = false
			if r.config.StopOnFailure {
				halted = true
			}
		}
		if last.Status == taskctx.StatusSkipped {
			result.Succeeded = false
		}
	}

	result.Progress, _ = r.contexts.Progress(tc.TaskID)
	r.logger.With(logging.ContextFields(ctx)...).Info("pipeline run finished",
		zap.Bool("succeeded", result.Succeeded),
		zap.Int("phases", len(result.Phases)),
	)
	if canceled {
		return result, ctx.Err()
	}
	return result, nil
}

func (r *Runner) runPhase(ctx context.Context, tc *taskctx.TaskContext, executor PhaseExecutor, ph plan.Phase) PhaseResult {
	ctx, span := r.tracer.Start(ctx, "pipeline.phase")
	defer span.End()
	span.SetAttributes(attribute.String("phase_id", ph.ID))
	ctx = logging.WithPhaseID(ctx, ph.ID)
	log := r.logger.With(logging.ContextFields(ctx)...)

	res := PhaseResult{PhaseID: ph.ID, Name: ph.Name}

	if _, err := r.rollbacks.CreateRollbackPoint(ctx, tc.TaskID, ph.ID, ph.Files); err != nil {
		log.Warn("phase runs without a rollback point", zap.Error(err))
	}

	if !r.contexts.StartPhase(ctx, tc.TaskID, ph.ID, nil) {
		r.contexts.SkipPhase(ctx, tc.TaskID, ph.ID, "dependencies not completed")
		res.Status = taskctx.StatusSkipped
		return res
	}

	started := time.Now()
	artifacts, execErr := r.executePhase(ctx, tc, executor, ph)
	res.Duration = time.Since(started)

	if execErr != nil {
		res.Status = taskctx.StatusFailed
		res.Error = execErr.Error()
		r.contexts.FailPhase(ctx, tc.TaskID, ph.ID, execErr.Error())
		res.Rollback = r.rollbacks.RollbackOnFailure(ctx, tc.TaskID, ph.ID, execErr.Error())
		return res
	}

	res.Status = taskctx.StatusCompleted
	r.contexts.CompletePhase(ctx, tc.TaskID, ph.ID, artifacts, nil)
	res.Commit = r.commits.CommitPhase(ctx, tc.TaskID, ph.ID, ph.Name, artifacts, false)
	return res
}

// executePhase shields the runner from executor panics; a panic fails the
// phase like any other error.
func (r *Runner) executePhase(ctx context.Context, tc *taskctx.TaskContext, executor PhaseExecutor, ph plan.Phase) (artifacts map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.With(logging.ContextFields(ctx)...).Error("phase executor panicked",
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("executor panic: %v", rec)
		}
	}()
	return executor.Execute(ctx, tc, ph)
}
