// Package taskctx implements the context manager: the authoritative record
// of a task's phase states, global context, and checkpoints.
//
// The in-memory TaskContext is the source of truth; every mutation is
// persisted to the memory store as JSON. Persistence failures are logged and
// surfaced as ok=false while memory stays authoritative until process
// restart, which requires a successful LoadContext.
package taskctx

import (
	"time"

	"github.com/fyrsmithlabs/phaserun/internal/plan"
)

// PhaseStatus is the run-time state of one phase.
type PhaseStatus string

const (
	StatusPending    PhaseStatus = "pending"
	StatusInProgress PhaseStatus = "in_progress"
	StatusCompleted  PhaseStatus = "completed"
	StatusFailed     PhaseStatus = "failed"
	StatusSkipped    PhaseStatus = "skipped"
)

// String returns the string representation of the status.
func (s PhaseStatus) String() string {
	return string(s)
}

// Terminal reports whether the status absorbs further transitions.
func (s PhaseStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// PhaseState is the mutable run-time record for one phase. It is owned
// exclusively by the Service; callers treat returned states as read-only.
type PhaseState struct {
	PhaseID     string         `json:"phase_id"`
	Status      PhaseStatus    `json:"status"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Duration returns the elapsed time for a finished phase, or 0 when either
// timestamp is missing (e.g. a phase completed administratively without
// ever starting).
func (ps *PhaseState) Duration() time.Duration {
	if ps.StartedAt.IsZero() || ps.CompletedAt.IsZero() {
		return 0
	}
	return ps.CompletedAt.Sub(ps.StartedAt)
}

// Clone returns a deep copy of the state.
func (ps *PhaseState) Clone() *PhaseState {
	cp := *ps
	cp.Artifacts = cloneAnyMap(ps.Artifacts)
	cp.Metadata = cloneAnyMap(ps.Metadata)
	return &cp
}

// TaskContext is the aggregate root for one task execution.
type TaskContext struct {
	TaskID        string                 `json:"task_id"`
	Plan          *plan.TaskPlan         `json:"plan"`
	CurrentPhase  string                 `json:"current_phase,omitempty"`
	PhaseStates   map[string]*PhaseState `json:"phase_states"`
	GlobalContext map[string]any         `json:"global_context,omitempty"`
	CheckpointIDs []string               `json:"checkpoint_ids,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// State returns the run-time state for a phase, or false if unknown.
func (tc *TaskContext) State(phaseID string) (*PhaseState, bool) {
	ps, ok := tc.PhaseStates[phaseID]
	return ps, ok
}

// Checkpoint is an immutable, timestamped snapshot of a task's state.
//
// Global context and phase states are deep copies: mutating the live
// TaskContext after checkpoint creation never changes a checkpoint.
type Checkpoint struct {
	ID            string                 `json:"checkpoint_id"`
	TaskID        string                 `json:"task_id"`
	PhaseID       string                 `json:"phase_id,omitempty"`
	Name          string                 `json:"name"`
	GlobalContext map[string]any         `json:"global_context,omitempty"`
	PhaseStates   map[string]*PhaseState `json:"phase_states"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Progress summarizes task execution state.
type Progress struct {
	TaskID              string    `json:"task_id"`
	CurrentPhase        string    `json:"current_phase,omitempty"`
	Total               int       `json:"total"`
	Completed           int       `json:"completed"`
	Failed              int       `json:"failed"`
	InProgress          int       `json:"in_progress"`
	Pending             int       `json:"pending"`
	Skipped             int       `json:"skipped"`
	Percent             float64   `json:"percent"`
	EstimatedCompletion time.Time `json:"estimated_completion,omitempty"`
}

// cloneAnyMap deep-copies a JSON-shaped map. Nested maps and slices are
// copied; scalars are shared (they are immutable in Go).
func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneAnyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// cloneStates deep-copies a phase-state map.
func cloneStates(states map[string]*PhaseState) map[string]*PhaseState {
	out := make(map[string]*PhaseState, len(states))
	for id, ps := range states {
		out[id] = ps.Clone()
	}
	return out
}

// mergeInto copies src entries into dst, allocating dst when needed.
func mergeInto(dst map[string]any, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}
