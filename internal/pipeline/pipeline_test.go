package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/phaserun/internal/autocommit"
	"github.com/fyrsmithlabs/phaserun/internal/gitops"
	"github.com/fyrsmithlabs/phaserun/internal/plan"
	"github.com/fyrsmithlabs/phaserun/internal/rollback"
	"github.com/fyrsmithlabs/phaserun/internal/store"
	"github.com/fyrsmithlabs/phaserun/internal/taskctx"
)

type fixture struct {
	dir       string
	contexts  *taskctx.Service
	rollbacks *rollback.Service
	commits   *autocommit.Service
	runner    *Runner
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	gitSvc := gitops.Open(dir, nil)
	writeFile(t, dir, "README.md", "# demo\n")
	require.NoError(t, gitSvc.Stage("README.md"))
	_, err = gitSvc.Commit("initial")
	require.NoError(t, err)

	st := store.NewMemoryStore()
	contexts, err := taskctx.NewService(taskctx.DefaultConfig(), st, nil)
	require.NoError(t, err)
	rollbacks, err := rollback.NewService(rollback.Config{Strategy: rollback.StrategyGit}, gitSvc, contexts, st, nil)
	require.NoError(t, err)
	commits, err := autocommit.NewService(autocommit.DefaultConfig(), gitSvc, nil)
	require.NoError(t, err)

	runner, err := NewRunner(cfg, contexts, rollbacks, commits, nil)
	require.NoError(t, err)
	return &fixture{dir: dir, contexts: contexts, rollbacks: rollbacks, commits: commits, runner: runner}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testPlan() *plan.TaskPlan {
	return &plan.TaskPlan{
		ID: "plan-1",
		Phases: []plan.Phase{
			{ID: "setup", Name: "Setup", Category: plan.CategorySetup},
			{ID: "impl", Name: "Implement", Category: plan.CategoryImplementation, DependsOn: []string{"setup"}},
			{ID: "test", Name: "Test", Category: plan.CategoryTesting, DependsOn: []string{"impl"}},
		},
	}
}

// writingExecutor writes one file per phase so commits have content.
func writingExecutor(dir string) ExecutorFunc {
	return func(_ context.Context, _ *taskctx.TaskContext, ph plan.Phase) (map[string]any, error) {
		path := filepath.Join(dir, ph.ID+".go")
		if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
			return nil, err
		}
		return map[string]any{"file": ph.ID + ".go"}, nil
	}
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(DefaultConfig(), nil, nil, nil, nil)
	assert.ErrorContains(t, err, "context service is required")
}

func TestRun_AllPhasesSucceed(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	result, err := f.runner.Run(context.Background(), testPlan(), writingExecutor(f.dir), nil)
	require.NoError(t, err)

	assert.True(t, result.Succeeded)
	require.Len(t, result.Phases, 3)
	assert.Equal(t, []string{"setup", "impl", "test"},
		[]string{result.Phases[0].PhaseID, result.Phases[1].PhaseID, result.Phases[2].PhaseID})

	for _, pr := range result.Phases {
		assert.Equal(t, taskctx.StatusCompleted, pr.Status, "phase %s", pr.PhaseID)
		require.NotNil(t, pr.Commit, "phase %s", pr.PhaseID)
		assert.Equal(t, autocommit.StatusSuccess, pr.Commit.Status, "phase %s", pr.PhaseID)
		assert.Nil(t, pr.Rollback)
	}

	require.NotNil(t, result.Progress)
	assert.Equal(t, 100.0, result.Progress.Percent)
}

func TestRun_FailureStopsAndRollsBack(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	executor := ExecutorFunc(func(_ context.Context, _ *taskctx.TaskContext, ph plan.Phase) (map[string]any, error) {
		if ph.ID == "impl" {
			return nil, errors.New("compilation failed")
		}
		return nil, os.WriteFile(filepath.Join(f.dir, ph.ID+".go"), []byte("package main\n"), 0o644)
	})

	result, err := f.runner.Run(context.Background(), testPlan(), executor, nil)
	require.NoError(t, err)

	assert.False(t, result.Succeeded)
	require.Len(t, result.Phases, 3)
	assert.Equal(t, taskctx.StatusCompleted, result.Phases[0].Status)

	failed := result.Phases[1]
	assert.Equal(t, taskctx.StatusFailed, failed.Status)
	assert.Equal(t, "compilation failed", failed.Error)
	require.NotNil(t, failed.Rollback)
	assert.Equal(t, rollback.ResultSuccess, failed.Rollback.Status)

	assert.Equal(t, taskctx.StatusSkipped, result.Phases[2].Status)
}

func TestRun_ContinueAfterFailure(t *testing.T) {
	f := newFixture(t, Config{StopOnFailure: false})

	// "docs" is independent of the failing phase.
	p := testPlan()
	p.Phases = append(p.Phases, plan.Phase{ID: "docs", Name: "Docs", Category: plan.CategoryDocumentation})

	executor := ExecutorFunc(func(_ context.Context, _ *taskctx.TaskContext, ph plan.Phase) (map[string]any, error) {
		if ph.ID == "impl" {
			return nil, errors.New("boom")
		}
		return nil, os.WriteFile(filepath.Join(f.dir, ph.ID+".go"), []byte("package main\n"), 0o644)
	})

	result, err := f.runner.Run(context.Background(), p, executor, nil)
	require.NoError(t, err)
	assert.False(t, result.Succeeded)

	byID := make(map[string]PhaseResult, len(result.Phases))
	for _, pr := range result.Phases {
		byID[pr.PhaseID] = pr
	}
	assert.Equal(t, taskctx.StatusCompleted, byID["setup"].Status)
	assert.Equal(t, taskctx.StatusFailed, byID["impl"].Status)
	// "test" depends on the failed phase, so its gate rejects it.
	assert.Equal(t, taskctx.StatusSkipped, byID["test"].Status)
	assert.Equal(t, taskctx.StatusCompleted, byID["docs"].Status)
}

func TestRun_ExecutorPanicFailsPhase(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	executor := ExecutorFunc(func(context.Context, *taskctx.TaskContext, plan.Phase) (map[string]any, error) {
		panic("unexpected state")
	})

	result, err := f.runner.Run(context.Background(), testPlan(), executor, nil)
	require.NoError(t, err)

	assert.False(t, result.Succeeded)
	assert.Equal(t, taskctx.StatusFailed, result.Phases[0].Status)
	assert.Contains(t, result.Phases[0].Error, "executor panic")
}

func TestRun_LogsCarryCorrelationFields(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	core, logs := observer.New(zapcore.InfoLevel)
	runner, err := NewRunner(DefaultConfig(), f.contexts, f.rollbacks, f.commits, zap.New(core))
	require.NoError(t, err)

	executor := ExecutorFunc(func(context.Context, *taskctx.TaskContext, plan.Phase) (map[string]any, error) {
		panic("unexpected state")
	})
	result, err := runner.Run(context.Background(), testPlan(), executor, nil)
	require.NoError(t, err)

	panicked := logs.FilterMessage("phase executor panicked").All()
	require.NotEmpty(t, panicked)
	fields := panicked[0].ContextMap()
	assert.Equal(t, result.TaskID, fields["task.id"])
	assert.Equal(t, "setup", fields["phase.id"])

	finished := logs.FilterMessage("pipeline run finished").All()
	require.Len(t, finished, 1)
	assert.Equal(t, result.TaskID, finished[0].ContextMap()["task.id"])
}

func TestRun_Cancellation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	executor := ExecutorFunc(func(_ context.Context, _ *taskctx.TaskContext, ph plan.Phase) (map[string]any, error) {
		if ph.ID == "setup" {
			cancel()
		}
		return nil, os.WriteFile(filepath.Join(f.dir, ph.ID+".go"), []byte("package main\n"), 0o644)
	})

	result, err := f.runner.Run(ctx, testPlan(), executor, nil)
	assert.ErrorIs(t, err, context.Canceled)

	assert.False(t, result.Succeeded)
	require.Len(t, result.Phases, 3)
	assert.Equal(t, taskctx.StatusCompleted, result.Phases[0].Status)
	assert.Equal(t, taskctx.StatusSkipped, result.Phases[1].Status)
	assert.Equal(t, taskctx.StatusSkipped, result.Phases[2].Status)
}

func TestRun_RequiresExecutor(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.runner.Run(context.Background(), testPlan(), nil, nil)
	assert.ErrorContains(t, err, "executor is required")
}

func TestResume_ReportsTerminalPhasesAndRunsRest(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	// First run completes "setup" and then gets canceled.
	executor := writingExecutor(f.dir)
	canceling := ExecutorFunc(func(c context.Context, tc *taskctx.TaskContext, ph plan.Phase) (map[string]any, error) {
		artifacts, err := executor(c, tc, ph)
		cancel()
		return artifacts, err
	})
	first, err := f.runner.Run(ctx, testPlan(), canceling, nil)
	require.ErrorIs(t, err, context.Canceled)
	taskID := first.TaskID

	// Skipped phases are terminal, so only "setup" carries over as done;
	// the rest were skipped and stay skipped on resume.
	second, err := f.runner.Resume(context.Background(), taskID, executor)
	require.NoError(t, err)
	require.Len(t, second.Phases, 3)
	assert.Equal(t, taskctx.StatusCompleted, second.Phases[0].Status)
	assert.Equal(t, taskctx.StatusSkipped, second.Phases[1].Status)

	_, err = f.runner.Resume(context.Background(), "ghost", executor)
	assert.ErrorContains(t, err, "not found")
}
