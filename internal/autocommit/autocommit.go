// Package autocommit records completed phases as git commits.
//
// Commits are best effort: a missing repository, an empty worktree, or a git
// failure produces a CommitInfo describing the outcome, never an error or a
// panic into the calling pipeline.
package autocommit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaserun/internal/gitops"
	"github.com/fyrsmithlabs/phaserun/internal/ignore"
)

const instrumentationName = "github.com/fyrsmithlabs/phaserun/internal/autocommit"

// Status classifies the outcome of a CommitPhase call.
type Status string

const (
	// StatusSuccess means a commit was created.
	StatusSuccess Status = "success"
	// StatusNoChanges means the worktree had nothing to commit after
	// ignore filtering.
	StatusNoChanges Status = "no_changes"
	// StatusFailed means git staging or committing failed.
	StatusFailed Status = "failed"
	// StatusSkipped means committing was disabled, the repository is
	// unavailable, or the phase was already committed.
	StatusSkipped Status = "skipped"
)

// CommitInfo describes one auto-commit attempt.
type CommitInfo struct {
	Hash         string    `json:"hash,omitempty"`
	TaskID       string    `json:"task_id"`
	PhaseID      string    `json:"phase_id"`
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message,omitempty"`
	ChangedFiles []string  `json:"changed_files,omitempty"`
	Added        int       `json:"added"`
	Removed      int       `json:"removed"`
	Status       Status    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
}

// Config configures phase auto-commits.
type Config struct {
	// Enabled toggles committing entirely (default: true).
	Enabled bool `koanf:"enabled"`

	// Push pushes after each successful commit (default: false).
	Push bool `koanf:"push"`

	// Remote is the push target (default: "origin").
	Remote string `koanf:"remote"`

	// IgnorePatterns augments the repository's ignore files. Gitignore
	// syntax.
	IgnorePatterns []string `koanf:"ignore_patterns"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Push:    false,
		Remote:  "origin",
	}
}

// maxArtifactSummary bounds the artifact section of a commit message.
const maxArtifactSummary = 256

// Service creates one commit per completed phase.
type Service struct {
	config Config
	git    *gitops.Service
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	commitCounter metric.Int64Counter

	mu        sync.Mutex
	committed map[string]string // taskID/phaseID -> commit hash
	history   map[string][]CommitInfo
}

// NewService creates an auto-commit service over the given repository.
func NewService(cfg Config, git *gitops.Service, logger *zap.Logger) (*Service, error) {
	if git == nil {
		return nil, errors.New("git service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Remote == "" {
		cfg.Remote = DefaultConfig().Remote
	}

	s := &Service{
		config:    cfg,
		git:       git,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
		committed: make(map[string]string),
		history:   make(map[string][]CommitInfo),
	}

	var err error
	s.commitCounter, err = s.meter.Int64Counter(
		"phaserun.autocommit.commits_total",
		metric.WithDescription("Total number of phase auto-commit attempts"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		s.logger.Warn("failed to create commit counter", zap.Error(err))
	}
	return s, nil
}

// CommitPhase stages the worktree's changes, filtered through the ignore
// patterns, and commits them attributed to the given phase.
//
// A phase is committed at most once per task unless force is set; repeated
// calls return a skipped CommitInfo carrying the original hash.
func (s *Service) CommitPhase(ctx context.Context, taskID, phaseID, phaseName string, artifacts map[string]any, force bool) *CommitInfo {
	ctx, span := s.tracer.Start(ctx, "autocommit.commit_phase")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("phase_id", phaseID),
	)

	info := &CommitInfo{
		TaskID:    taskID,
		PhaseID:   phaseID,
		Timestamp: time.Now(),
	}

	if !s.config.Enabled {
		info.Status = StatusSkipped
		info.Reason = "auto-commit disabled"
		return s.record(ctx, info)
	}
	if !s.git.Available() {
		info.Status = StatusSkipped
		info.Reason = "no git repository"
		s.logger.Debug("auto-commit skipped: no repository",
			zap.String("task_id", taskID),
			zap.String("phase_id", phaseID),
		)
		return s.record(ctx, info)
	}

	key := taskID + "/" + phaseID
	s.mu.Lock()
	prior, done := s.committed[key]
	s.mu.Unlock()
	if done && !force {
		info.Status = StatusSkipped
		info.Hash = prior
		info.Reason = "phase already committed"
		return s.record(ctx, info)
	}

	changed, err := s.changedFiles()
	if err != nil {
		info.Status = StatusFailed
		info.Reason = err.Error()
		s.logger.Warn("auto-commit failed reading status",
			zap.String("task_id", taskID),
			zap.String("phase_id", phaseID),
			zap.Error(err),
		)
		return s.record(ctx, info)
	}
	if len(changed) == 0 {
		info.Status = StatusNoChanges
		return s.record(ctx, info)
	}
	info.ChangedFiles = changed

	for _, path := range changed {
		if err := s.git.Stage(path); err != nil {
			info.Status = StatusFailed
			info.Reason = fmt.Sprintf("stage %s: %v", path, err)
			s.logger.Warn("auto-commit failed staging file",
				zap.String("path", path),
				zap.Error(err),
			)
			return s.record(ctx, info)
		}
	}

	info.Message = buildMessage(phaseName, taskID, phaseID, info.Timestamp, changed, artifacts)
	hash, err := s.git.Commit(info.Message)
	if err != nil {
		info.Status = StatusFailed
		info.Reason = err.Error()
		s.logger.Warn("auto-commit failed",
			zap.String("task_id", taskID),
			zap.String("phase_id", phaseID),
			zap.Error(err),
		)
		return s.record(ctx, info)
	}
	info.Hash = hash
	info.Status = StatusSuccess

	if added, removed, err := s.git.CommitStats(hash); err == nil {
		info.Added = added
		info.Removed = removed
	} else {
		s.logger.Debug("commit stats unavailable", zap.String("hash", hash), zap.Error(err))
	}

	s.mu.Lock()
	s.committed[key] = hash
	s.mu.Unlock()

	if s.config.Push {
		if err := s.git.Push(s.config.Remote); err != nil {
			s.logger.Warn("push after auto-commit failed",
				zap.String("remote", s.config.Remote),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("phase committed",
		zap.String("task_id", taskID),
		zap.String("phase_id", phaseID),
		zap.String("hash", hash),
		zap.Int("files", len(changed)),
		zap.Int("added", info.Added),
		zap.Int("removed", info.Removed),
	)
	span.SetAttributes(attribute.String("hash", hash))
	return s.record(ctx, info)
}

// Commits returns the commit attempts recorded for a task, oldest first.
func (s *Service) Commits(taskID string) []CommitInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CommitInfo(nil), s.history[taskID]...)
}

// changedFiles lists worktree changes minus ignored paths.
func (s *Service) changedFiles() ([]string, error) {
	status, err := s.git.Status()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	matcher, err := ignore.NewParser(nil, nil).ParseRoot(s.git.Root())
	if err != nil {
		return nil, fmt.Errorf("ignore patterns: %w", err)
	}

	changed := matcher.Filter(status.Changed())
	if len(s.config.IgnorePatterns) > 0 {
		changed = ignore.NewMatcher(s.config.IgnorePatterns).Filter(changed)
	}
	return changed, nil
}

func (s *Service) record(ctx context.Context, info *CommitInfo) *CommitInfo {
	if s.commitCounter != nil {
		s.commitCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(info.Status)),
		))
	}
	s.mu.Lock()
	s.history[info.TaskID] = append(s.history[info.TaskID], *info)
	s.mu.Unlock()
	return info
}

// buildMessage renders the structured commit message for a phase.
func buildMessage(phaseName, taskID, phaseID string, completedAt time.Time, files []string, artifacts map[string]any) string {
	var b strings.Builder
	if phaseName == "" {
		phaseName = phaseID
	}
	fmt.Fprintf(&b, "phase: %s\n\n", phaseName)
	fmt.Fprintf(&b, "Task: %s\n", taskID)
	fmt.Fprintf(&b, "Phase: %s\n", phaseID)
	fmt.Fprintf(&b, "Completed: %s\n", completedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Files changed: %d\n", len(files))

	if summary := summarizeArtifacts(artifacts); summary != "" {
		fmt.Fprintf(&b, "Artifacts: %s\n", summary)
	}
	return b.String()
}

// summarizeArtifacts renders artifacts as sorted key=value pairs, truncated
// to maxArtifactSummary runes.
func summarizeArtifacts(artifacts map[string]any) string {
	if len(artifacts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(artifacts))
	for k := range artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, artifacts[k]))
	}
	summary := strings.Join(parts, ", ")
	if runes := []rune(summary); len(runes) > maxArtifactSummary {
		summary = string(runes[:maxArtifactSummary]) + "..."
	}
	return summary
}
