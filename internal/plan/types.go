// Package plan defines the task plan model and execution ordering.
//
// A TaskPlan is produced by an external planner and never mutated by the
// engine. Phases declare dependencies by id; ExecutionOrder turns the
// dependency graph into a sequential schedule that never deadlocks.
package plan

import (
	"fmt"
	"time"
)

// Category classifies the kind of work a phase performs.
type Category string

const (
	CategorySetup          Category = "setup"
	CategoryImplementation Category = "implementation"
	CategoryIntegration    Category = "integration"
	CategoryTesting        Category = "testing"
	CategoryDocumentation  Category = "documentation"
	CategoryDeployment     Category = "deployment"
)

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// Valid reports whether the category is a known value.
func (c Category) Valid() bool {
	switch c {
	case CategorySetup, CategoryImplementation, CategoryIntegration,
		CategoryTesting, CategoryDocumentation, CategoryDeployment:
		return true
	}
	return false
}

// Phase is an immutable unit-of-work description.
//
// Phases are created once by decomposition and never mutated; run-time
// state lives in taskctx.PhaseState.
type Phase struct {
	// ID uniquely identifies the phase within its plan.
	ID string `json:"id" yaml:"id"`

	// Name is a short human-readable title.
	Name string `json:"name" yaml:"name"`

	// Category classifies the phase.
	Category Category `json:"category" yaml:"category"`

	// Description is the directive text handed to the executor.
	Description string `json:"description" yaml:"description"`

	// DependsOn lists phase ids that must complete before this phase starts.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// EstimatedHours is the planner's effort estimate.
	EstimatedHours float64 `json:"estimated_hours,omitempty" yaml:"estimated_hours,omitempty"`

	// Files lists paths the phase is expected to touch.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`

	// SuccessCriteria describe how completion is judged.
	SuccessCriteria []string `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
}

// TaskPlan is an ordered collection of phases for one request.
type TaskPlan struct {
	// ID uniquely identifies the plan.
	ID string `json:"id" yaml:"id"`

	// Request is the original request text the plan decomposes.
	Request string `json:"request,omitempty" yaml:"request,omitempty"`

	// Phases in original planner order.
	Phases []Phase `json:"phases" yaml:"phases"`

	// TotalHours is the aggregate effort estimate.
	TotalHours float64 `json:"total_hours,omitempty" yaml:"total_hours,omitempty"`

	// EstimatedDuration is the planner's wall-clock estimate.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`

	// CreatedAt is when the plan was produced.
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Phase returns the phase with the given id, or false if absent.
func (p *TaskPlan) Phase(id string) (*Phase, bool) {
	for i := range p.Phases {
		if p.Phases[i].ID == id {
			return &p.Phases[i], true
		}
	}
	return nil, false
}

// Validate checks the plan for structural problems: empty plans, duplicate
// phase ids, and missing ids. Dependency problems are not errors; they are
// repaired by SanitizeDependencies.
func (p *TaskPlan) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("plan %q has no phases", p.ID)
	}
	seen := make(map[string]bool, len(p.Phases))
	for i := range p.Phases {
		id := p.Phases[i].ID
		if id == "" {
			return fmt.Errorf("plan %q: phase %d has empty id", p.ID, i)
		}
		if seen[id] {
			return fmt.Errorf("plan %q: duplicate phase id %q", p.ID, id)
		}
		seen[id] = true
	}
	return nil
}
