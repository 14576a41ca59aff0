package plan

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func phase(id string, deps ...string) Phase {
	return Phase{ID: id, Name: id, Category: CategoryImplementation, DependsOn: deps}
}

func indexOf(t *testing.T, ordered []Phase, id string) int {
	t.Helper()
	for i := range ordered {
		if ordered[i].ID == id {
			return i
		}
	}
	t.Fatalf("phase %s not in order", id)
	return -1
}

func TestSanitizeDependencies(t *testing.T) {
	phases := []Phase{
		phase("a", "a", "ghost"),
		phase("b", "a"),
	}

	out := SanitizeDependencies(phases)

	assert.Empty(t, out[0].DependsOn, "self and dangling deps dropped")
	assert.Equal(t, []string{"a"}, out[1].DependsOn)
	// Input untouched.
	assert.Equal(t, []string{"a", "ghost"}, phases[0].DependsOn)
}

func TestExecutionOrder_Diamond(t *testing.T) {
	phases := []Phase{
		phase("d", "b", "c"),
		phase("b", "a"),
		phase("c", "a"),
		phase("a"),
	}

	ordered := ExecutionOrder(phases)
	require.Len(t, ordered, 4)

	assert.Equal(t, "a", ordered[0].ID)
	assert.Equal(t, "d", ordered[3].ID)
	// B and C may appear in either relative order between A and D.
	assert.Less(t, indexOf(t, ordered, "a"), indexOf(t, ordered, "b"))
	assert.Less(t, indexOf(t, ordered, "a"), indexOf(t, ordered, "c"))
	assert.Less(t, indexOf(t, ordered, "b"), indexOf(t, ordered, "d"))
	assert.Less(t, indexOf(t, ordered, "c"), indexOf(t, ordered, "d"))
}

func TestExecutionOrder_RespectsAllDependencies(t *testing.T) {
	// Chain plus fan-in.
	phases := []Phase{
		phase("e", "d"),
		phase("d", "a", "b", "c"),
		phase("c", "b"),
		phase("b", "a"),
		phase("a"),
	}

	ordered := ExecutionOrder(phases)
	require.Len(t, ordered, 5)

	for _, ph := range phases {
		for _, dep := range ph.DependsOn {
			assert.Less(t, indexOf(t, ordered, dep), indexOf(t, ordered, ph.ID),
				"%s must follow %s", ph.ID, dep)
		}
	}
}

func TestExecutionOrder_CycleTerminates(t *testing.T) {
	phases := []Phase{
		phase("a", "b"),
		phase("b", "a"),
		phase("c", "b"),
	}

	ordered := ExecutionOrder(phases)

	require.Len(t, ordered, 3, "every phase scheduled exactly once")
	seen := map[string]int{}
	for _, ph := range ordered {
		seen[ph.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "phase %s appears once", id)
	}
	// Deadlock fallback takes the first remaining phase in original order.
	assert.Equal(t, "a", ordered[0].ID)
}

func TestExecutionOrder_DanglingReferenceDoesNotBlock(t *testing.T) {
	phases := []Phase{
		phase("a", "missing"),
		phase("b", "a"),
	}

	ordered := ExecutionOrder(phases)
	require.Len(t, ordered, 2)
	assert.Equal(t, "a", ordered[0].ID)
	assert.Equal(t, "b", ordered[1].ID)
}

func TestExecutionOrder_Empty(t *testing.T) {
	assert.Empty(t, ExecutionOrder(nil))
}

func TestExecutionOrder_LargeAcyclicGraph(t *testing.T) {
	// Layered graph: each phase depends on one phase from the previous layer.
	var phases []Phase
	for layer := 0; layer < 10; layer++ {
		for n := 0; n < 5; n++ {
			id := fmt.Sprintf("p%d_%d", layer, n)
			if layer == 0 {
				phases = append(phases, phase(id))
			} else {
				phases = append(phases, phase(id, fmt.Sprintf("p%d_%d", layer-1, n)))
			}
		}
	}

	ordered := ExecutionOrder(phases)
	require.Len(t, ordered, len(phases))
	for _, ph := range phases {
		for _, dep := range ph.DependsOn {
			assert.Less(t, indexOf(t, ordered, dep), indexOf(t, ordered, ph.ID))
		}
	}
}
