package plan

// SanitizeDependencies returns a copy of phases with self-dependencies and
// dependencies on unknown phase ids removed. The input is not mutated.
func SanitizeDependencies(phases []Phase) []Phase {
	known := make(map[string]bool, len(phases))
	for i := range phases {
		known[phases[i].ID] = true
	}

	out := make([]Phase, len(phases))
	copy(out, phases)
	for i := range out {
		if len(out[i].DependsOn) == 0 {
			continue
		}
		deps := make([]string, 0, len(out[i].DependsOn))
		for _, dep := range out[i].DependsOn {
			if dep == out[i].ID || !known[dep] {
				continue
			}
			deps = append(deps, dep)
		}
		out[i].DependsOn = deps
	}
	return out
}

// ExecutionOrder produces a sequential schedule in which no phase precedes
// any of its dependencies.
//
// The algorithm repeatedly selects phases whose dependencies are all already
// ordered. When no phase qualifies and phases remain (a cycle or dangling
// reference), it takes the first remaining phase in original order and
// continues. Cycles are therefore not an error condition: the schedule
// always terminates and contains every phase exactly once.
//
// Dependencies are sanitized first, so unknown ids and self-references never
// block scheduling. Pure function; the input is not mutated.
func ExecutionOrder(phases []Phase) []Phase {
	phases = SanitizeDependencies(phases)

	ordered := make([]Phase, 0, len(phases))
	placed := make(map[string]bool, len(phases))

	for len(ordered) < len(phases) {
		progressed := false

		for i := range phases {
			if placed[phases[i].ID] {
				continue
			}
			if depsPlaced(phases[i].DependsOn, placed) {
				ordered = append(ordered, phases[i])
				placed[phases[i].ID] = true
				progressed = true
			}
		}

		if !progressed {
			// Cycle: take the first remaining phase in original order so
			// scheduling never hangs.
			for i := range phases {
				if !placed[phases[i].ID] {
					ordered = append(ordered, phases[i])
					placed[phases[i].ID] = true
					break
				}
			}
		}
	}

	return ordered
}

func depsPlaced(deps []string, placed map[string]bool) bool {
	for _, dep := range deps {
		if !placed[dep] {
			return false
		}
	}
	return true
}
