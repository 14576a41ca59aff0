// Package rollback captures restore points before risky phases and reverts
// the workspace when a phase fails.
//
// A rollback point always snapshots task state through a checkpoint; the git
// and filesystem strategies additionally record repository artifacts and file
// backups. Recovery never panics into the pipeline: outcomes are reported as
// a Result, and per-file problems degrade the result to partial instead of
// aborting it.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaserun/internal/gitops"
	"github.com/fyrsmithlabs/phaserun/internal/store"
	"github.com/fyrsmithlabs/phaserun/internal/taskctx"
)

const instrumentationName = "github.com/fyrsmithlabs/phaserun/internal/rollback"

const (
	categoryRollbackPoint  = "rollback_point"
	categoryFailurePattern = "failure_pattern"
	taskTagPrefix          = "task:"
	phaseTagPrefix         = "phase:"
)

// Strategy selects what a rollback restores.
type Strategy string

const (
	// StrategyGit resets the repository to the recorded commit.
	StrategyGit Strategy = "git"
	// StrategyFilesystem copies backed-up files over the workspace.
	StrategyFilesystem Strategy = "filesystem"
	// StrategyState restores the task checkpoint only.
	StrategyState Strategy = "state"
	// StrategyHybrid restores state, then git, then file backups.
	StrategyHybrid Strategy = "hybrid"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyGit, StrategyFilesystem, StrategyState, StrategyHybrid:
		return true
	}
	return false
}

// Mode controls whether and how rollbacks execute.
type Mode string

const (
	// ModeAuto rolls back immediately on failure.
	ModeAuto Mode = "auto"
	// ModeInteractive asks the configured Confirmer before rolling back.
	ModeInteractive Mode = "interactive"
	// ModeDryRun reports what a rollback would do without mutating anything.
	ModeDryRun Mode = "dryrun"
	// ModeDisabled records the failure and does nothing else.
	ModeDisabled Mode = "disabled"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeInteractive, ModeDryRun, ModeDisabled:
		return true
	}
	return false
}

// Decision is a Confirmer's answer for a pending rollback.
type Decision int

const (
	// Deny skips this rollback.
	Deny Decision = iota
	// Approve executes this rollback.
	Approve
	// Disable skips this rollback and flips the service to ModeDisabled.
	Disable
)

// Confirmer answers interactive rollback prompts.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) Decision
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, prompt string) Decision

func (f ConfirmerFunc) Confirm(ctx context.Context, prompt string) Decision {
	return f(ctx, prompt)
}

// RollbackPoint is a restorable snapshot taken before a phase runs.
type RollbackPoint struct {
	ID           string    `json:"rollback_point_id"`
	TaskID       string    `json:"task_id"`
	PhaseID      string    `json:"phase_id"`
	Strategy     Strategy  `json:"strategy"`
	CreatedAt    time.Time `json:"created_at"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`

	// Git artifacts, populated when a repository is available.
	CommitHash    string   `json:"commit_hash,omitempty"`
	Branch        string   `json:"branch,omitempty"`
	StagedFiles   []string `json:"staged_files,omitempty"`
	ModifiedFiles []string `json:"modified_files,omitempty"`

	// Filesystem artifacts, populated for the filesystem and hybrid
	// strategies.
	BackupDir   string            `json:"backup_dir,omitempty"`
	FileBackups map[string]string `json:"file_backups,omitempty"`
	FileErrors  map[string]string `json:"file_errors,omitempty"`
}

// ResultStatus classifies a rollback outcome.
type ResultStatus string

const (
	// ResultSuccess means every restore action succeeded.
	ResultSuccess ResultStatus = "success"
	// ResultPartial means some actions succeeded and some failed.
	ResultPartial ResultStatus = "partial"
	// ResultFailed means no action succeeded.
	ResultFailed ResultStatus = "failed"
	// ResultSkipped means the rollback did not run.
	ResultSkipped ResultStatus = "skipped"
	// ResultDryRun means the actions were planned but not executed.
	ResultDryRun ResultStatus = "dry_run"
)

// Result describes one rollback attempt.
type Result struct {
	PointID       string       `json:"rollback_point_id,omitempty"`
	TaskID        string       `json:"task_id"`
	PhaseID       string       `json:"phase_id"`
	Strategy      Strategy     `json:"strategy,omitempty"`
	Mode          Mode         `json:"mode"`
	Status        ResultStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	Actions       []string     `json:"actions,omitempty"`
	RestoredFiles []string     `json:"restored_files,omitempty"`
	Errors        []string     `json:"errors,omitempty"`
}

// Config configures rollback behavior.
type Config struct {
	// Strategy selects what rollbacks restore (default: hybrid).
	Strategy Strategy `koanf:"strategy"`

	// Mode controls execution (default: auto).
	Mode Mode `koanf:"mode"`

	// BackupRoot holds per-point file backup directories. Empty means
	// "<workspace>/.phaserun/backups".
	BackupRoot string `koanf:"backup_root"`

	// MaxBackupFiles caps how many files one rollback point backs up
	// (default: 500).
	MaxBackupFiles int `koanf:"max_backup_files"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyHybrid,
		Mode:           ModeAuto,
		MaxBackupFiles: 500,
	}
}

// Service creates rollback points and recovers from phase failures.
type Service struct {
	config    Config
	git       *gitops.Service
	contexts  *taskctx.Service
	store     store.Store
	logger    *zap.Logger
	confirmer Confirmer

	tracer          trace.Tracer
	meter           metric.Meter
	rollbackCounter metric.Int64Counter

	mu          sync.Mutex
	mode        Mode
	points      map[string]*RollbackPoint
	byPhase     map[string]string // taskID/phaseID -> latest point id
	ptRecordIDs map[string]string // point id -> store record id
}

// Option configures optional collaborators.
type Option func(*Service)

// WithConfirmer sets the interactive-mode confirmer.
func WithConfirmer(c Confirmer) Option {
	return func(s *Service) { s.confirmer = c }
}

// NewService creates a rollback service.
func NewService(cfg Config, git *gitops.Service, contexts *taskctx.Service, st store.Store, logger *zap.Logger, opts ...Option) (*Service, error) {
	if git == nil {
		return nil, errors.New("git service is required")
	}
	if contexts == nil {
		return nil, errors.New("context service is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = DefaultConfig().Strategy
	}
	if !cfg.Strategy.Valid() {
		return nil, fmt.Errorf("unknown rollback strategy %q (want git, filesystem, state, or hybrid)", cfg.Strategy)
	}
	if cfg.Mode == "" {
		cfg.Mode = DefaultConfig().Mode
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("unknown rollback mode %q (want auto, interactive, dryrun, or disabled)", cfg.Mode)
	}
	if cfg.MaxBackupFiles <= 0 {
		cfg.MaxBackupFiles = DefaultConfig().MaxBackupFiles
	}

	s := &Service{
		config:      cfg,
		git:         git,
		contexts:    contexts,
		store:       st,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
		mode:        cfg.Mode,
		points:      make(map[string]*RollbackPoint),
		byPhase:     make(map[string]string),
		ptRecordIDs: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	s.rollbackCounter, err = s.meter.Int64Counter(
		"phaserun.rollback.rollbacks_total",
		metric.WithDescription("Total number of rollback attempts"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		s.logger.Warn("failed to create rollback counter", zap.Error(err))
	}
	return s, nil
}

// Mode returns the current execution mode. Interactive sessions can flip it
// to disabled through a Disable decision.
func (s *Service) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// CreateRollbackPoint snapshots the workspace before a phase runs.
//
// The task checkpoint always happens. Git artifacts are recorded for the git
// and hybrid strategies when a repository is available; file backups are
// taken for the filesystem and hybrid strategies. A point only ever carries
// the artifacts its strategy restores. File backup problems are recorded per
// path on the point rather than failing the call.
func (s *Service) CreateRollbackPoint(ctx context.Context, taskID, phaseID string, files []string) (*RollbackPoint, error) {
	ctx, span := s.tracer.Start(ctx, "rollback.create_point")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("phase_id", phaseID),
		attribute.String("strategy", string(s.config.Strategy)),
	)

	point := &RollbackPoint{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		PhaseID:   phaseID,
		Strategy:  s.config.Strategy,
		CreatedAt: time.Now(),
	}

	cpID, ok := s.contexts.CreateCheckpoint(ctx, taskID, phaseID, "rollback_point")
	if !ok {
		return nil, fmt.Errorf("checkpoint for task %s failed", taskID)
	}
	point.CheckpointID = cpID

	if (s.config.Strategy == StrategyGit || s.config.Strategy == StrategyHybrid) && s.git.Available() {
		if head, ok := s.git.Head(); ok {
			point.CommitHash = head
		}
		if branch, ok := s.git.Branch(); ok {
			point.Branch = branch
		}
		if status, err := s.git.Status(); err == nil {
			point.StagedFiles = status.Staged
			point.ModifiedFiles = status.Modified
		} else {
			s.logger.Warn("rollback point has no git status", zap.Error(err))
		}
	}

	if s.config.Strategy == StrategyFilesystem || s.config.Strategy == StrategyHybrid {
		s.backupFiles(point, files)
	}

	s.mu.Lock()
	s.points[point.ID] = point
	s.byPhase[taskID+"/"+phaseID] = point.ID
	s.mu.Unlock()

	s.persistPoint(ctx, point)

	s.logger.Info("created rollback point",
		zap.String("task_id", taskID),
		zap.String("phase_id", phaseID),
		zap.String("rollback_point_id", point.ID),
		zap.String("commit", point.CommitHash),
		zap.Int("backed_up_files", len(point.FileBackups)),
	)
	return point, nil
}

// Point returns a rollback point from memory or the persisted store.
func (s *Service) Point(ctx context.Context, pointID string) (*RollbackPoint, bool) {
	s.mu.Lock()
	point, ok := s.points[pointID]
	s.mu.Unlock()
	if ok {
		return point, true
	}

	results, err := s.store.Search(ctx, `"rollback_point_id":"`+pointID+`"`, categoryRollbackPoint, 1)
	if err != nil || len(results) == 0 {
		return nil, false
	}
	var loaded RollbackPoint
	if err := json.Unmarshal([]byte(results[0].Content), &loaded); err != nil {
		s.logger.Error("unreadable rollback point record",
			zap.String("rollback_point_id", pointID),
			zap.Error(err),
		)
		return nil, false
	}

	s.mu.Lock()
	s.points[loaded.ID] = &loaded
	s.byPhase[loaded.TaskID+"/"+loaded.PhaseID] = loaded.ID
	s.ptRecordIDs[loaded.ID] = results[0].ID
	s.mu.Unlock()
	return &loaded, true
}

// latestPoint finds the most recent point for a task phase, checking memory
// first and the persisted store second.
func (s *Service) latestPoint(ctx context.Context, taskID, phaseID string) (*RollbackPoint, bool) {
	s.mu.Lock()
	pointID, ok := s.byPhase[taskID+"/"+phaseID]
	if ok {
		point := s.points[pointID]
		s.mu.Unlock()
		if point != nil {
			return point, true
		}
	} else {
		s.mu.Unlock()
	}

	results, err := s.store.Search(ctx, `"task_id":"`+taskID+`"`, categoryRollbackPoint, store.DefaultSearchLimit)
	if err != nil {
		return nil, false
	}
	for _, rec := range results {
		var point RollbackPoint
		if err := json.Unmarshal([]byte(rec.Content), &point); err != nil {
			continue
		}
		if point.PhaseID != phaseID {
			continue
		}
		s.mu.Lock()
		s.points[point.ID] = &point
		s.byPhase[taskID+"/"+phaseID] = point.ID
		s.ptRecordIDs[point.ID] = rec.ID
		s.mu.Unlock()
		return &point, true
	}
	return nil, false
}

func (s *Service) persistPoint(ctx context.Context, point *RollbackPoint) {
	data, err := json.Marshal(point)
	if err != nil {
		s.logger.Error("rollback point serialization failed",
			zap.String("rollback_point_id", point.ID),
			zap.Error(err),
		)
		return
	}
	id, err := s.store.Add(ctx, string(data), categoryRollbackPoint,
		[]string{taskTagPrefix + point.TaskID, phaseTagPrefix + point.PhaseID}, 0.8)
	if err != nil {
		s.logger.Error("rollback point persistence failed",
			zap.String("rollback_point_id", point.ID),
			zap.Error(err),
		)
		return
	}
	s.mu.Lock()
	s.ptRecordIDs[point.ID] = id
	s.mu.Unlock()
}

// recordFailurePattern stores a searchable description of the failure and
// the rollback outcome for later diagnosis.
func (s *Service) recordFailurePattern(ctx context.Context, taskID, phaseID, errorMsg string, result *Result) {
	pattern := map[string]any{
		"task_id":   taskID,
		"phase_id":  phaseID,
		"error":     errorMsg,
		"strategy":  result.Strategy,
		"mode":      result.Mode,
		"status":    result.Status,
		"errors":    result.Errors,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	data, err := json.Marshal(pattern)
	if err != nil {
		return
	}
	if _, err := s.store.Add(ctx, string(data), categoryFailurePattern,
		[]string{taskTagPrefix + taskID, phaseTagPrefix + phaseID}, 0.6); err != nil {
		s.logger.Warn("failure pattern persistence failed", zap.Error(err))
	}
}
