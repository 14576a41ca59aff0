package taskctx

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

	"github.com/fyrsmithlabs/phaserun/internal/plan"
	"github.com/fyrsmithlabs/phaserun/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/phaserun/internal/taskctx"

// Store categories and tag prefixes for persisted state.
const (
	categoryContext    = "task_context"
	categoryCheckpoint = "checkpoint"
	taskTagPrefix      = "task:"
	phaseTagPrefix     = "phase:"
)

// Config configures the context manager.
type Config struct {
	// MaxCheckpointsPerTask bounds checkpoint retention (default: 10).
	// The oldest checkpoint is evicted on overflow, in memory and in the
	// persisted store.
	MaxCheckpointsPerTask int `koanf:"max_checkpoints_per_task"`

	// AutoCheckpointOnStart takes a "phase_start" checkpoint in StartPhase.
	AutoCheckpointOnStart bool `koanf:"auto_checkpoint_on_start"`

	// AutoCheckpointOnComplete takes a "phase_complete" checkpoint in
	// CompletePhase.
	AutoCheckpointOnComplete bool `koanf:"auto_checkpoint_on_complete"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxCheckpointsPerTask:    10,
		AutoCheckpointOnStart:    false,
		AutoCheckpointOnComplete: true,
	}
}

// Service is the context manager.
//
// Expected failures (unknown ids, unsatisfied dependencies, persistence
// errors) surface as ok=false returns with a logged reason, never as panics
// or errors across the boundary.
type Service struct {
	config Config
	store  store.Store
	logger *zap.Logger

	tracer            trace.Tracer
	meter             metric.Meter
	checkpointCounter metric.Int64Counter
	restoreCounter    metric.Int64Counter

	mu           sync.RWMutex
	contexts     map[string]*TaskContext
	checkpoints  map[string]*Checkpoint
	ctxRecordIDs map[string]string // task id -> store record id
	cpRecordIDs  map[string]string // checkpoint id -> store record id
}

// NewService creates a context manager backed by the given store.
func NewService(cfg Config, st store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxCheckpointsPerTask <= 0 {
		cfg.MaxCheckpointsPerTask = DefaultConfig().MaxCheckpointsPerTask
	}

	s := &Service{
		config:       cfg,
		store:        st,
		logger:       logger,
		tracer:       otel.Tracer(instrumentationName),
		meter:        otel.Meter(instrumentationName),
		contexts:     make(map[string]*TaskContext),
		checkpoints:  make(map[string]*Checkpoint),
		ctxRecordIDs: make(map[string]string),
		cpRecordIDs:  make(map[string]string),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error

	s.checkpointCounter, err = s.meter.Int64Counter(
		"phaserun.taskctx.checkpoints_total",
		metric.WithDescription("Total number of checkpoints created"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create checkpoint counter", zap.Error(err))
	}

	s.restoreCounter, err = s.meter.Int64Counter(
		"phaserun.taskctx.restores_total",
		metric.WithDescription("Total number of checkpoint restores"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		s.logger.Warn("failed to create restore counter", zap.Error(err))
	}
}

// CreateContext seeds a TaskContext for the plan with every phase PENDING,
// persists it, and returns it.
func (s *Service) CreateContext(ctx context.Context, p *plan.TaskPlan, global map[string]any) (*TaskContext, error) {
	ctx, span := s.tracer.Start(ctx, "taskctx.create_context")
	defer span.End()

	if p == nil {
		return nil, errors.New("plan is required")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	now := time.Now()
	tc := &TaskContext{
		TaskID:        uuid.New().String(),
		Plan:          p,
		PhaseStates:   make(map[string]*PhaseState, len(p.Phases)),
		GlobalContext: cloneAnyMap(global),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i := range p.Phases {
		tc.PhaseStates[p.Phases[i].ID] = &PhaseState{
			PhaseID: p.Phases[i].ID,
			Status:  StatusPending,
		}
	}

	s.mu.Lock()
	s.contexts[tc.TaskID] = tc
	s.mu.Unlock()

	span.SetAttributes(
		attribute.String("task_id", tc.TaskID),
		attribute.Int("phase_count", len(p.Phases)),
	)
	s.persist(ctx, tc)

	s.logger.Info("created task context",
		zap.String("task_id", tc.TaskID),
		zap.String("plan_id", p.ID),
		zap.Int("phases", len(p.Phases)),
	)
	return tc, nil
}

// GetContext returns the in-memory context for a task. The returned value is
// owned by the service; callers must not mutate it.
func (s *Service) GetContext(taskID string) (*TaskContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tc, ok := s.contexts[taskID]
	return tc, ok
}

// StartPhase transitions a phase to IN_PROGRESS.
//
// Returns false when the task or phase is unknown, the phase is already
// terminal, or any dependency is not COMPLETED. Extra context is merged into
// the task's global context.
func (s *Service) StartPhase(ctx context.Context, taskID, phaseID string, extra map[string]any) bool {
	ctx, span := s.tracer.Start(ctx, "taskctx.start_phase")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("phase_id", phaseID),
	)

	s.mu.Lock()
	tc, ps, ok := s.lookupLocked(taskID, phaseID)
	if !ok {
		s.mu.Unlock()
		return false
	}
	if ps.Status.Terminal() {
		s.mu.Unlock()
		s.logger.Warn("start rejected: phase is terminal",
			zap.String("task_id", taskID),
			zap.String("phase_id", phaseID),
			zap.String("status", ps.Status.String()),
		)
		return false
	}

	ph, _ := tc.Plan.Phase(phaseID)
	for _, dep := range ph.DependsOn {
		depState, ok := tc.PhaseStates[dep]
		if !ok || dep == phaseID {
			// Unknown and self dependencies are scheduling noise, not gates.
			continue
		}
		if depState.Status != StatusCompleted {
			s.mu.Unlock()
			s.logger.Warn("start rejected: dependency not completed",
				zap.String("task_id", taskID),
				zap.String("phase_id", phaseID),
				zap.String("dependency", dep),
			)
			return false
		}
	}

	ps.Status = StatusInProgress
	ps.StartedAt = time.Now()
	tc.GlobalContext = mergeInto(tc.GlobalContext, extra)
	tc.CurrentPhase = phaseID
	tc.UpdatedAt = time.Now()
	s.mu.Unlock()

	if s.config.AutoCheckpointOnStart {
		s.CreateCheckpoint(ctx, taskID, phaseID, "phase_start")
	}

	s.logger.Info("phase started",
		zap.String("task_id", taskID),
		zap.String("phase_id", phaseID),
	)
	return s.persist(ctx, tc)
}

// CompletePhase transitions a phase to COMPLETED and merges artifacts and
// metadata into its state.
//
// Completion is deliberately lenient: a phase that never went through
// IN_PROGRESS may be completed directly as an administrative override; its
// StartedAt stays zero and it is excluded from duration extrapolation.
func (s *Service) CompletePhase(ctx context.Context, taskID, phaseID string, artifacts, metadata map[string]any) bool {
	ctx, span := s.tracer.Start(ctx, "taskctx.complete_phase")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("phase_id", phaseID),
	)

	s.mu.Lock()
	tc, ps, ok := s.lookupLocked(taskID, phaseID)
	if !ok {
		s.mu.Unlock()
		return false
	}
	if ps.Status.Terminal() {
		s.mu.Unlock()
		s.logger.Warn("complete rejected: phase is terminal",
			zap.String("task_id", taskID),
			zap.String("phase_id", phaseID),
			zap.String("status", ps.Status.String()),
		)
		return false
	}

	ps.Status = StatusCompleted
	ps.CompletedAt = time.Now()
	ps.Artifacts = mergeInto(ps.Artifacts, artifacts)
	ps.Metadata = mergeInto(ps.Metadata, metadata)
	tc.UpdatedAt = time.Now()
	s.mu.Unlock()

	if s.config.AutoCheckpointOnComplete {
		s.CreateCheckpoint(ctx, taskID, phaseID, "phase_complete")
	}

	s.logger.Info("phase completed",
		zap.String("task_id", taskID),
		zap.String("phase_id", phaseID),
	)
	return s.persist(ctx, tc)
}

// FailPhase transitions a phase to FAILED and records the error message.
// It does not trigger rollback; the driving pipeline does that explicitly.
func (s *Service) FailPhase(ctx context.Context, taskID, phaseID, errorMsg string) bool {
	ctx, span := s.tracer.Start(ctx, "taskctx.fail_phase")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("phase_id", phaseID),
	)

	s.mu.Lock()
	tc, ps, ok := s.lookupLocked(taskID, phaseID)
	if !ok {
		s.mu.Unlock()
		return false
	}
	if ps.Status.Terminal() {
		s.mu.Unlock()
		return false
	}

	ps.Status = StatusFailed
	ps.CompletedAt = time.Now()
	ps.Error = errorMsg
	tc.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.logger.Warn("phase failed",
		zap.String("task_id", taskID),
		zap.String("phase_id", phaseID),
		zap.String("error", errorMsg),
	)
	return s.persist(ctx, tc)
}

// SkipPhase administratively marks a pending phase SKIPPED.
func (s *Service) SkipPhase(ctx context.Context, taskID, phaseID, reason string) bool {
	ctx, span := s.tracer.Start(ctx, "taskctx.skip_phase")
	defer span.End()

	s.mu.Lock()
	tc, ps, ok := s.lookupLocked(taskID, phaseID)
	if !ok {
		s.mu.Unlock()
		return false
	}
	if ps.Status != StatusPending {
		s.mu.Unlock()
		return false
	}

	ps.Status = StatusSkipped
	ps.CompletedAt = time.Now()
	if reason != "" {
		ps.Metadata = mergeInto(ps.Metadata, map[string]any{"skip_reason": reason})
	}
	tc.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("phase skipped",
		zap.String("task_id", taskID),
		zap.String("phase_id", phaseID),
		zap.String("reason", reason),
	)
	return s.persist(ctx, tc)
}

// CreateCheckpoint deep-copies the task's global context and phase states
// into a new checkpoint, appends its id, evicts the oldest checkpoint when
// the bound is exceeded, persists, and returns the checkpoint id.
func (s *Service) CreateCheckpoint(ctx context.Context, taskID, phaseID, name string) (string, bool) {
	ctx, span := s.tracer.Start(ctx, "taskctx.create_checkpoint")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("name", name),
	)

	s.mu.Lock()
	tc, ok := s.contexts[taskID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("checkpoint rejected: unknown task", zap.String("task_id", taskID))
		return "", false
	}

	cp := &Checkpoint{
		ID:            uuid.New().String(),
		TaskID:        taskID,
		PhaseID:       phaseID,
		Name:          name,
		GlobalContext: cloneAnyMap(tc.GlobalContext),
		PhaseStates:   cloneStates(tc.PhaseStates),
		CreatedAt:     time.Now(),
	}
	s.checkpoints[cp.ID] = cp
	tc.CheckpointIDs = append(tc.CheckpointIDs, cp.ID)

	var evicted string
	if len(tc.CheckpointIDs) > s.config.MaxCheckpointsPerTask {
		evicted = tc.CheckpointIDs[0]
		tc.CheckpointIDs = tc.CheckpointIDs[1:]
		delete(s.checkpoints, evicted)
	}
	tc.UpdatedAt = time.Now()
	s.mu.Unlock()

	if s.checkpointCounter != nil {
		s.checkpointCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("name", name),
		))
	}

	s.persistCheckpoint(ctx, cp)
	if evicted != "" {
		s.deleteCheckpointRecord(ctx, evicted)
	}
	s.persist(ctx, tc)

	s.logger.Info("created checkpoint",
		zap.String("task_id", taskID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("name", name),
	)
	span.SetAttributes(attribute.String("checkpoint_id", cp.ID))
	return cp.ID, true
}

// GetCheckpoint retrieves a checkpoint from memory or the persisted store.
func (s *Service) GetCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, bool) {
	s.mu.RLock()
	cp, ok := s.checkpoints[checkpointID]
	s.mu.RUnlock()
	if ok {
		return cp, true
	}

	results, err := s.store.Search(ctx, `"checkpoint_id":"`+checkpointID+`"`, categoryCheckpoint, 1)
	if err != nil || len(results) == 0 {
		return nil, false
	}
	var loaded Checkpoint
	if err := json.Unmarshal([]byte(results[0].Content), &loaded); err != nil {
		s.logger.Error("unreadable checkpoint record",
			zap.String("checkpoint_id", checkpointID),
			zap.Error(err),
		)
		return nil, false
	}

	s.mu.Lock()
	s.checkpoints[loaded.ID] = &loaded
	s.cpRecordIDs[loaded.ID] = results[0].ID
	s.mu.Unlock()
	return &loaded, true
}

// RestoreCheckpoint overwrites the task's global context and phase states
// from the checkpoint. Restoring the same checkpoint twice yields identical
// state (the checkpoint itself is never mutated).
func (s *Service) RestoreCheckpoint(ctx context.Context, taskID, checkpointID string) bool {
	ctx, span := s.tracer.Start(ctx, "taskctx.restore_checkpoint")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("checkpoint_id", checkpointID),
	)

	cp, ok := s.GetCheckpoint(ctx, checkpointID)
	if !ok {
		s.logger.Warn("restore rejected: checkpoint not found",
			zap.String("checkpoint_id", checkpointID),
		)
		return false
	}
	if cp.TaskID != taskID {
		s.logger.Warn("restore rejected: checkpoint belongs to another task",
			zap.String("task_id", taskID),
			zap.String("checkpoint_task_id", cp.TaskID),
		)
		return false
	}

	s.mu.Lock()
	tc, ok := s.contexts[taskID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	tc.GlobalContext = cloneAnyMap(cp.GlobalContext)
	tc.PhaseStates = cloneStates(cp.PhaseStates)
	tc.CurrentPhase = cp.PhaseID
	tc.UpdatedAt = time.Now()
	s.mu.Unlock()

	if s.restoreCounter != nil {
		s.restoreCounter.Add(ctx, 1)
	}

	s.logger.Info("restored checkpoint",
		zap.String("task_id", taskID),
		zap.String("checkpoint_id", checkpointID),
		zap.String("name", cp.Name),
	)
	return s.persist(ctx, tc)
}

// Progress derives phase counts, completion percentage, and an estimated
// completion time extrapolated from the mean duration of completed phases.
func (s *Service) Progress(taskID string) (*Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc, ok := s.contexts[taskID]
	if !ok {
		return nil, false
	}

	p := &Progress{
		TaskID:       taskID,
		CurrentPhase: tc.CurrentPhase,
		Total:        len(tc.PhaseStates),
	}

	var totalDuration time.Duration
	var measured int
	for _, ps := range tc.PhaseStates {
		switch ps.Status {
		case StatusCompleted:
			p.Completed++
			if d := ps.Duration(); d > 0 {
				totalDuration += d
				measured++
			}
		case StatusFailed:
			p.Failed++
		case StatusInProgress:
			p.InProgress++
		case StatusSkipped:
			p.Skipped++
		default:
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed) / float64(p.Total) * 100
	}

	remaining := p.Pending + p.InProgress
	if measured > 0 && remaining > 0 {
		mean := totalDuration / time.Duration(measured)
		p.EstimatedCompletion = time.Now().Add(mean * time.Duration(remaining))
	}
	return p, true
}

// LoadContext reloads a task context from the persisted store after a
// process restart.
func (s *Service) LoadContext(ctx context.Context, taskID string) (*TaskContext, bool) {
	ctx, span := s.tracer.Start(ctx, "taskctx.load_context")
	defer span.End()

	results, err := s.store.Search(ctx, `"task_id":"`+taskID+`"`, categoryContext, 1)
	if err != nil {
		s.logger.Error("context reload failed", zap.String("task_id", taskID), zap.Error(err))
		return nil, false
	}
	if len(results) == 0 {
		return nil, false
	}

	var tc TaskContext
	if err := json.Unmarshal([]byte(results[0].Content), &tc); err != nil {
		s.logger.Error("unreadable context record",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return nil, false
	}

	s.mu.Lock()
	s.contexts[tc.TaskID] = &tc
	s.ctxRecordIDs[tc.TaskID] = results[0].ID
	s.mu.Unlock()

	s.logger.Info("reloaded task context",
		zap.String("task_id", taskID),
		zap.Int("phases", len(tc.PhaseStates)),
	)
	return &tc, true
}

// Cleanup discards a task's context and checkpoints, in memory and in the
// persisted store.
func (s *Service) Cleanup(ctx context.Context, taskID string) bool {
	ctx, span := s.tracer.Start(ctx, "taskctx.cleanup")
	defer span.End()

	s.mu.Lock()
	tc, ok := s.contexts[taskID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	cpIDs := append([]string(nil), tc.CheckpointIDs...)
	recordID := s.ctxRecordIDs[taskID]
	delete(s.contexts, taskID)
	delete(s.ctxRecordIDs, taskID)
	for _, id := range cpIDs {
		delete(s.checkpoints, id)
	}
	s.mu.Unlock()

	for _, id := range cpIDs {
		s.deleteCheckpointRecord(ctx, id)
	}
	if recordID != "" {
		if err := s.store.Delete(ctx, recordID); err != nil {
			s.logger.Warn("failed to delete context record",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("cleaned up task context", zap.String("task_id", taskID))
	return true
}

// lookupLocked resolves task and phase; callers hold s.mu.
func (s *Service) lookupLocked(taskID, phaseID string) (*TaskContext, *PhaseState, bool) {
	tc, ok := s.contexts[taskID]
	if !ok {
		s.logger.Warn("unknown task", zap.String("task_id", taskID))
		return nil, nil, false
	}
	ps, ok := tc.PhaseStates[phaseID]
	if !ok {
		s.logger.Warn("unknown phase",
			zap.String("task_id", taskID),
			zap.String("phase_id", phaseID),
		)
		return nil, nil, false
	}
	return tc, ps, true
}

// persist writes the context JSON to the store. Failures are logged and
// reported as false; the in-memory context stays authoritative.
func (s *Service) persist(ctx context.Context, tc *TaskContext) bool {
	s.mu.RLock()
	data, err := json.Marshal(tc)
	recordID := s.ctxRecordIDs[tc.TaskID]
	s.mu.RUnlock()
	if err != nil {
		s.logger.Error("context serialization failed",
			zap.String("task_id", tc.TaskID),
			zap.Error(err),
		)
		return false
	}

	if recordID == "" {
		id, err := s.store.Add(ctx, string(data), categoryContext, []string{taskTagPrefix + tc.TaskID}, 0.9)
		if err != nil {
			s.logger.Error("context persistence failed",
				zap.String("task_id", tc.TaskID),
				zap.Error(err),
			)
			return false
		}
		s.mu.Lock()
		s.ctxRecordIDs[tc.TaskID] = id
		s.mu.Unlock()
		return true
	}

	if err := s.store.Update(ctx, recordID, string(data)); err != nil {
		s.logger.Error("context persistence failed",
			zap.String("task_id", tc.TaskID),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *Service) persistCheckpoint(ctx context.Context, cp *Checkpoint) {
	data, err := json.Marshal(cp)
	if err != nil {
		s.logger.Error("checkpoint serialization failed",
			zap.String("checkpoint_id", cp.ID),
			zap.Error(err),
		)
		return
	}
	tags := []string{taskTagPrefix + cp.TaskID}
	if cp.PhaseID != "" {
		tags = append(tags, phaseTagPrefix+cp.PhaseID)
	}
	id, err := s.store.Add(ctx, string(data), categoryCheckpoint, tags, 0.7)
	if err != nil {
		s.logger.Error("checkpoint persistence failed",
			zap.String("checkpoint_id", cp.ID),
			zap.Error(err),
		)
		return
	}
	s.mu.Lock()
	s.cpRecordIDs[cp.ID] = id
	s.mu.Unlock()
}

func (s *Service) deleteCheckpointRecord(ctx context.Context, checkpointID string) {
	s.mu.Lock()
	recordID := s.cpRecordIDs[checkpointID]
	delete(s.cpRecordIDs, checkpointID)
	s.mu.Unlock()
	if recordID == "" {
		return
	}
	if err := s.store.Delete(ctx, recordID); err != nil {
		s.logger.Warn("failed to delete checkpoint record",
			zap.String("checkpoint_id", checkpointID),
			zap.Error(err),
		)
	}
}
