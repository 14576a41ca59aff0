package autocommit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phaserun/internal/gitops"
)

// initRepo creates a git repository with one committed file.
func initRepo(t *testing.T) (string, *gitops.Service) {
	t.Helper()
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	svc := gitops.Open(dir, nil)
	require.True(t, svc.Available())

	writeFile(t, dir, "main.go", "package main\n")
	require.NoError(t, svc.Stage("main.go"))
	_, err = svc.Commit("initial")
	require.NoError(t, err)
	return dir, svc
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestService(t *testing.T, cfg Config, git *gitops.Service) *Service {
	t.Helper()
	svc, err := NewService(cfg, git, nil)
	require.NoError(t, err)
	return svc
}

func TestNewService_RequiresGit(t *testing.T) {
	_, err := NewService(DefaultConfig(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git service is required")
}

func TestCommitPhase_Success(t *testing.T) {
	dir, git := initRepo(t)
	svc := newTestService(t, DefaultConfig(), git)

	writeFile(t, dir, "feature.go", "package main\n\nfunc feature() {}\n")

	info := svc.CommitPhase(context.Background(), "task-1", "impl", "Implement feature", map[string]any{"tests": 3}, false)
	require.Equal(t, StatusSuccess, info.Status)
	assert.Len(t, info.Hash, 40)
	assert.Contains(t, info.ChangedFiles, "feature.go")
	assert.Equal(t, 3, info.Added)
	assert.Equal(t, 0, info.Removed)

	assert.Contains(t, info.Message, "phase: Implement feature")
	assert.Contains(t, info.Message, "Task: task-1")
	assert.Contains(t, info.Message, "Phase: impl")
	assert.Contains(t, info.Message, "Completed: "+info.Timestamp.Format(time.RFC3339))
	assert.Contains(t, info.Message, "tests=3")

	head, ok := git.Head()
	require.True(t, ok)
	assert.Equal(t, info.Hash, head)
}

func TestCommitPhase_NoChanges(t *testing.T) {
	_, git := initRepo(t)
	svc := newTestService(t, DefaultConfig(), git)

	info := svc.CommitPhase(context.Background(), "task-1", "impl", "Implement", nil, false)
	assert.Equal(t, StatusNoChanges, info.Status)
	assert.Empty(t, info.Hash)
}

func TestCommitPhase_Disabled(t *testing.T) {
	dir, git := initRepo(t)
	cfg := DefaultConfig()
	cfg.Enabled = false
	svc := newTestService(t, cfg, git)

	writeFile(t, dir, "feature.go", "package main\n")

	info := svc.CommitPhase(context.Background(), "task-1", "impl", "Implement", nil, false)
	assert.Equal(t, StatusSkipped, info.Status)
	assert.Equal(t, "auto-commit disabled", info.Reason)
}

func TestCommitPhase_NoRepository(t *testing.T) {
	git := gitops.Open(t.TempDir(), nil)
	svc := newTestService(t, DefaultConfig(), git)

	info := svc.CommitPhase(context.Background(), "task-1", "impl", "Implement", nil, false)
	assert.Equal(t, StatusSkipped, info.Status)
	assert.Equal(t, "no git repository", info.Reason)
}

func TestCommitPhase_AtMostOnce(t *testing.T) {
	dir, git := initRepo(t)
	svc := newTestService(t, DefaultConfig(), git)

	writeFile(t, dir, "a.go", "package main\n")
	first := svc.CommitPhase(context.Background(), "task-1", "impl", "Implement", nil, false)
	require.Equal(t, StatusSuccess, first.Status)

	writeFile(t, dir, "b.go", "package main\n")
	second := svc.CommitPhase(context.Background(), "task-1", "impl", "Implement", nil, false)
	assert.Equal(t, StatusSkipped, second.Status)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, "phase already committed", second.Reason)

	// Force overrides the at-most-once guard.
	third := svc.CommitPhase(context.Background(), "task-1", "impl", "Implement", nil, true)
	assert.Equal(t, StatusSuccess, third.Status)
	assert.NotEqual(t, first.Hash, third.Hash)
}

func TestCommitPhase_OtherPhaseStillCommits(t *testing.T) {
	dir, git := initRepo(t)
	svc := newTestService(t, DefaultConfig(), git)

	writeFile(t, dir, "a.go", "package main\n")
	require.Equal(t, StatusSuccess, svc.CommitPhase(context.Background(), "task-1", "impl", "Implement", nil, false).Status)

	writeFile(t, dir, "b.go", "package main\n")
	info := svc.CommitPhase(context.Background(), "task-1", "test", "Test", nil, false)
	assert.Equal(t, StatusSuccess, info.Status)
}

func TestCommitPhase_IgnoresFilteredPaths(t *testing.T) {
	dir, git := initRepo(t)
	svc := newTestService(t, DefaultConfig(), git)

	writeFile(t, dir, "node_modules/pkg/index.js", "module.exports = {}\n")
	writeFile(t, dir, "out.log", "noise\n")

	info := svc.CommitPhase(context.Background(), "task-1", "impl", "Implement", nil, false)
	assert.Equal(t, StatusNoChanges, info.Status)
}

func TestCommitPhase_ExtraIgnorePatterns(t *testing.T) {
	dir, git := initRepo(t)
	cfg := DefaultConfig()
	cfg.IgnorePatterns = []string{"*.gen.go"}
	svc := newTestService(t, cfg, git)

	writeFile(t, dir, "api.gen.go", "package main\n")
	writeFile(t, dir, "api.go", "package main\n")

	info := svc.CommitPhase(context.Background(), "task-1", "impl", "Implement", nil, false)
	require.Equal(t, StatusSuccess, info.Status)
	assert.Equal(t, []string{"api.go"}, info.ChangedFiles)
}

func TestCommitPhase_RepoIgnoreFileWins(t *testing.T) {
	dir, git := initRepo(t)
	svc := newTestService(t, DefaultConfig(), git)

	// A committed .gitignore replaces the fallback patterns.
	writeFile(t, dir, ".gitignore", "secrets.env\n")
	require.NoError(t, git.Stage(".gitignore"))
	_, err := git.Commit("add gitignore")
	require.NoError(t, err)

	writeFile(t, dir, "secrets.env", "KEY=1\n")
	writeFile(t, dir, "app.go", "package main\n")

	info := svc.CommitPhase(context.Background(), "task-1", "impl", "Implement", nil, false)
	require.Equal(t, StatusSuccess, info.Status)
	assert.Equal(t, []string{"app.go"}, info.ChangedFiles)
}

func TestCommits_History(t *testing.T) {
	dir, git := initRepo(t)
	svc := newTestService(t, DefaultConfig(), git)

	writeFile(t, dir, "a.go", "package main\n")
	svc.CommitPhase(context.Background(), "task-1", "impl", "Implement", nil, false)
	svc.CommitPhase(context.Background(), "task-1", "impl", "Implement", nil, false)

	history := svc.Commits("task-1")
	require.Len(t, history, 2)
	assert.Equal(t, StatusSuccess, history[0].Status)
	assert.Equal(t, StatusSkipped, history[1].Status)

	assert.Empty(t, svc.Commits("other-task"))
}

func TestBuildMessage_FallsBackToPhaseID(t *testing.T) {
	completed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	msg := buildMessage("", "t1", "p1", completed, []string{"a.go"}, nil)
	assert.Contains(t, msg, "phase: p1")
	assert.Contains(t, msg, "Completed: 2026-08-30T12:00:00Z")
	assert.Contains(t, msg, "Files changed: 1")
}

func TestSummarizeArtifacts(t *testing.T) {
	assert.Empty(t, summarizeArtifacts(nil))

	summary := summarizeArtifacts(map[string]any{"b": 2, "a": "x"})
	assert.Equal(t, "a=x, b=2", summary)

	long := map[string]any{"key": string(make([]rune, 500))}
	truncated := summarizeArtifacts(long)
	assert.LessOrEqual(t, len([]rune(truncated)), maxArtifactSummary+3)
}
