package rollback

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// RollbackOnFailure reacts to a failed phase according to the current mode.
//
// Disabled mode records the failure and skips. Dry-run mode reports the
// actions a rollback would take without touching anything. Interactive mode
// consults the configured Confirmer; a Disable decision flips the service to
// disabled for the rest of the run. Auto mode (and an approved interactive
// prompt) executes the strategy against the latest rollback point for the
// phase.
func (s *Service) RollbackOnFailure(ctx context.Context, taskID, phaseID, errorMsg string) *Result {
	return s.rollback(ctx, taskID, phaseID, errorMsg, nil)
}

// RollbackToPoint is RollbackOnFailure against a specific point the caller
// holds, rather than the latest one recorded for the phase.
func (s *Service) RollbackToPoint(ctx context.Context, point *RollbackPoint, errorMsg string) *Result {
	if point == nil {
		return &Result{
			Strategy: s.config.Strategy,
			Mode:     s.Mode(),
			Status:   ResultSkipped,
			Reason:   "no rollback point supplied",
		}
	}
	return s.rollback(ctx, point.TaskID, point.PhaseID, errorMsg, point)
}

func (s *Service) rollback(ctx context.Context, taskID, phaseID, errorMsg string, point *RollbackPoint) *Result {
	ctx, span := s.tracer.Start(ctx, "rollback.on_failure")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("phase_id", phaseID),
	)

	result := &Result{
		TaskID:   taskID,
		PhaseID:  phaseID,
		Strategy: s.config.Strategy,
		Mode:     s.Mode(),
	}
	defer func() {
		s.recordFailurePattern(ctx, taskID, phaseID, errorMsg, result)
		if s.rollbackCounter != nil {
			s.rollbackCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("status", string(result.Status)),
				attribute.String("strategy", string(result.Strategy)),
			))
		}
		span.SetAttributes(attribute.String("status", string(result.Status)))
	}()

	if result.Mode == ModeDisabled {
		result.Status = ResultSkipped
		result.Reason = "rollback disabled"
		s.logger.Info("rollback skipped: disabled",
			zap.String("task_id", taskID),
			zap.String("phase_id", phaseID),
		)
		return result
	}

	if point == nil {
		var ok bool
		point, ok = s.latestPoint(ctx, taskID, phaseID)
		if !ok {
			result.Status = ResultSkipped
			result.Reason = "no rollback point for phase"
			s.logger.Warn("rollback skipped: no point",
				zap.String("task_id", taskID),
				zap.String("phase_id", phaseID),
			)
			return result
		}
	}
	result.PointID = point.ID
	result.Strategy = point.Strategy

	switch result.Mode {
	case ModeDryRun:
		result.Status = ResultDryRun
		result.Actions = s.planActions(point)
		s.logger.Info("rollback dry run",
			zap.String("rollback_point_id", point.ID),
			zap.Strings("actions", result.Actions),
		)
		return result

	case ModeInteractive:
		if s.confirmer == nil {
			result.Status = ResultSkipped
			result.Reason = "interactive mode without a confirmer"
			s.logger.Warn("rollback skipped: no confirmer configured")
			return result
		}
		prompt := fmt.Sprintf("phase %s failed (%s); roll back to point %s?", phaseID, errorMsg, shortID(point.ID))
		switch s.confirmer.Confirm(ctx, prompt) {
		case Approve:
			// fall through to execution
		case Disable:
			s.mu.Lock()
			s.mode = ModeDisabled
			s.mu.Unlock()
			result.Status = ResultSkipped
			result.Reason = "declined, rollback disabled for remaining phases"
			s.logger.Info("rollback declined and disabled", zap.String("task_id", taskID))
			return result
		default:
			result.Status = ResultSkipped
			result.Reason = "declined"
			s.logger.Info("rollback declined", zap.String("task_id", taskID))
			return result
		}
	}

	s.execute(ctx, point, result)

	s.logger.Info("rollback finished",
		zap.String("task_id", taskID),
		zap.String("phase_id", phaseID),
		zap.String("rollback_point_id", point.ID),
		zap.String("status", string(result.Status)),
		zap.Strings("errors", result.Errors),
	)
	return result
}

// execute restores the point and classifies the outcome: success when every
// action worked, failed when none did, partial otherwise. The checkpoint
// restore runs for every strategy; git and filesystem artifacts restore only
// when the point's strategy captured them.
func (s *Service) execute(ctx context.Context, point *RollbackPoint, result *Result) {
	var succeeded, failed int
	run := func(action string, err error) {
		if err != nil {
			failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", action, err))
			return
		}
		succeeded++
		result.Actions = append(result.Actions, action)
	}

	run("restore checkpoint", s.restoreState(ctx, point))

	switch point.Strategy {
	case StrategyGit:
		run("git reset", s.restoreGit(point))
	case StrategyFilesystem:
		restored, err := s.restoreFiles(point, result)
		run(fmt.Sprintf("restore %d files", restored), err)
	case StrategyHybrid:
		run("git reset", s.restoreGit(point))
		if len(point.FileBackups) > 0 {
			restored, err := s.restoreFiles(point, result)
			run(fmt.Sprintf("restore %d files", restored), err)
		}
	}

	switch {
	case succeeded == 0:
		result.Status = ResultFailed
	case failed == 0 && len(result.Errors) == 0:
		result.Status = ResultSuccess
	default:
		result.Status = ResultPartial
	}
}

func (s *Service) restoreState(ctx context.Context, point *RollbackPoint) error {
	if point.CheckpointID == "" {
		return fmt.Errorf("rollback point %s has no checkpoint", shortID(point.ID))
	}
	if !s.contexts.RestoreCheckpoint(ctx, point.TaskID, point.CheckpointID) {
		return fmt.Errorf("checkpoint %s restore failed", shortID(point.CheckpointID))
	}
	return nil
}

func (s *Service) restoreGit(point *RollbackPoint) error {
	if point.CommitHash == "" {
		return fmt.Errorf("rollback point %s has no commit snapshot", shortID(point.ID))
	}
	if !s.git.Available() {
		return fmt.Errorf("no git repository at %s", s.git.Root())
	}
	return s.git.ResetHard(point.CommitHash)
}

// restoreFiles copies backups over the workspace. Individual copy failures
// are collected on the result; the call errors only when nothing could be
// restored.
func (s *Service) restoreFiles(point *RollbackPoint, result *Result) (int, error) {
	if len(point.FileBackups) == 0 {
		return 0, fmt.Errorf("rollback point %s has no file backups", shortID(point.ID))
	}
	root := s.git.Root()

	rels := make([]string, 0, len(point.FileBackups))
	for rel := range point.FileBackups {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	var restored int
	var lastErr error
	for _, rel := range rels {
		dst := filepath.Join(root, filepath.FromSlash(rel))
		if err := copyFile(point.FileBackups[rel], dst); err != nil {
			lastErr = err
			result.Errors = append(result.Errors, fmt.Sprintf("restore %s: %v", rel, err))
			continue
		}
		restored++
		result.RestoredFiles = append(result.RestoredFiles, rel)
	}
	if restored == 0 {
		return 0, fmt.Errorf("no files restored: %v", lastErr)
	}
	return restored, nil
}

// planActions renders the dry-run action list for a point. The checkpoint
// restore leads for every strategy, mirroring execute.
func (s *Service) planActions(point *RollbackPoint) []string {
	reset := fmt.Sprintf("git reset --hard %s", shortID(point.CommitHash))
	files := fmt.Sprintf("restore %d files from %s", len(point.FileBackups), point.BackupDir)

	actions := []string{fmt.Sprintf("restore checkpoint %s", shortID(point.CheckpointID))}
	switch point.Strategy {
	case StrategyGit:
		actions = append(actions, reset)
	case StrategyFilesystem:
		actions = append(actions, files)
	case StrategyHybrid:
		actions = append(actions, reset)
		if len(point.FileBackups) > 0 {
			actions = append(actions, files)
		}
	}
	return actions
}
