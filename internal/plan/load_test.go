package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlan = `
id: plan-1
request: add retry support to the fetcher
phases:
  - id: setup
    name: Prepare fixtures
    category: setup
    estimated_hours: 1
  - id: impl
    name: Implement retry
    category: implementation
    depends_on: [setup]
    estimated_hours: 3
    files: [fetcher.go]
    success_criteria: [retries transient failures]
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(samplePlan))
	require.NoError(t, err)

	assert.Equal(t, "plan-1", p.ID)
	require.Len(t, p.Phases, 2)
	assert.Equal(t, CategorySetup, p.Phases[0].Category)
	assert.Equal(t, []string{"setup"}, p.Phases[1].DependsOn)
	assert.Equal(t, 4.0, p.TotalHours, "summed from phase estimates")
}

func TestParse_GeneratesID(t *testing.T) {
	p, err := Parse([]byte("phases:\n  - id: only\n    name: Only\n"))
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: "id: p\n"},
		{name: "duplicate ids", doc: "phases:\n  - id: a\n  - id: a\n"},
		{name: "missing id", doc: "phases:\n  - name: unnamed\n"},
		{name: "not yaml", doc: "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePlan), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", p.ID)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestPlanPhaseLookup(t *testing.T) {
	p, err := Parse([]byte(samplePlan))
	require.NoError(t, err)

	ph, ok := p.Phase("impl")
	require.True(t, ok)
	assert.Equal(t, "Implement retry", ph.Name)

	_, ok = p.Phase("nope")
	assert.False(t, ok)
}

func TestCategoryValid(t *testing.T) {
	assert.True(t, CategoryTesting.Valid())
	assert.False(t, Category("refactor").Valid())
}
