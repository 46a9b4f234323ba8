package scan

import (
	"fmt"
	"sort"

	"github.com/reconpoint/engine/pkg/domain/stage"
)

// Plan partitions the enabled stages of a run into ordered waves. All
// stages in wave i have every enabled prerequisite in some wave < i, and
// each stage sits in the earliest wave its longest prerequisite chain
// allows, so independent stages share a wave.
type Plan struct {
	Waves [][]stage.Name `json:"waves"`
}

// StageCount returns the number of stages across all waves.
func (p Plan) StageCount() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w)
	}
	return n
}

// WaveOf returns the wave index of name, or -1.
func (p Plan) WaveOf(name stage.Name) int {
	for i, w := range p.Waves {
		for _, s := range w {
			if s == name {
				return i
			}
		}
	}
	return -1
}

// Stages returns all planned stage names in wave order.
func (p Plan) Stages() []stage.Name {
	out := make([]stage.Name, 0, p.StageCount())
	for _, w := range p.Waves {
		out = append(out, w...)
	}
	return out
}

// BuildPlan layers the enabled stages by longest dependency path.
// Prerequisites that are not enabled are treated as satisfied, so
// disabling an upstream stage never blocks a downstream one. The result
// is deterministic: waves are derived purely from the dependency graph
// and names within a wave are sorted.
//
// Returns ErrCyclicDependency when the induced graph has a cycle. The
// default catalog is acyclic, so this only fires for hand-built
// registries, but the executor must never spin on a bad graph.
func BuildPlan(reg *stage.Registry, enabled []stage.Name) (Plan, error) {
	enabledSet := make(map[stage.Name]bool, len(enabled))
	for _, n := range enabled {
		if enabledSet[n] {
			return Plan{}, fmt.Errorf("stage %s enabled twice", n)
		}
		if !reg.Has(n) {
			return Plan{}, fmt.Errorf("%q: %w", n, stage.ErrUnknownStage)
		}
		enabledSet[n] = true
	}

	// Edges of the induced subgraph: enabled prerequisite -> stage.
	deps := make(map[stage.Name][]stage.Name, len(enabled))
	dependents := make(map[stage.Name][]stage.Name, len(enabled))
	indegree := make(map[stage.Name]int, len(enabled))
	for _, n := range enabled {
		def, err := reg.Get(n)
		if err != nil {
			return Plan{}, err
		}
		for _, dep := range def.DependsOn {
			if !enabledSet[dep] {
				continue
			}
			deps[n] = append(deps[n], dep)
			dependents[dep] = append(dependents[dep], n)
			indegree[n]++
		}
	}

	// Kahn's algorithm, tracking the longest path from any source as the
	// wave index.
	level := make(map[stage.Name]int, len(enabled))
	var frontier []stage.Name
	for _, n := range enabled {
		if indegree[n] == 0 {
			frontier = append(frontier, n)
		}
	}
	sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })

	processed := 0
	for len(frontier) > 0 {
		n := frontier[0]
		frontier = frontier[1:]
		processed++
		for _, next := range dependents[n] {
			if level[n]+1 > level[next] {
				level[next] = level[n] + 1
			}
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
		sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })
	}

	if processed != len(enabled) {
		var stuck []stage.Name
		for n, d := range indegree {
			if d > 0 {
				stuck = append(stuck, n)
			}
		}
		sort.Slice(stuck, func(i, j int) bool { return stuck[i] < stuck[j] })
		return Plan{}, fmt.Errorf("stages %v: %w", stuck, ErrCyclicDependency)
	}

	maxLevel := -1
	for _, l := range level {
		if l > maxLevel {
			maxLevel = l
		}
	}
	if len(enabled) > 0 && maxLevel < 0 {
		maxLevel = 0
	}

	waves := make([][]stage.Name, maxLevel+1)
	for n := range enabledSet {
		waves[level[n]] = append(waves[level[n]], n)
	}
	for _, w := range waves {
		sort.Slice(w, func(i, j int) bool { return w[i] < w[j] })
	}
	return Plan{Waves: waves}, nil
}

// BuildSingleStagePlan returns the one-wave plan used by subscans.
func BuildSingleStagePlan(name stage.Name) Plan {
	return Plan{Waves: [][]stage.Name{{name}}}
}

// UnmetPrerequisites returns the enabled prerequisites of name whose
// jobs did not succeed. The executor skips a job when this is non-empty.
func UnmetPrerequisites(reg *stage.Registry, r *Run, name stage.Name) ([]stage.Name, error) {
	def, err := reg.Get(name)
	if err != nil {
		return nil, err
	}
	var unmet []stage.Name
	for _, dep := range def.DependsOn {
		j, ok := r.Jobs[dep]
		if !ok {
			continue // disabled prerequisite, treated as satisfied
		}
		if j.Status != JobSucceeded {
			unmet = append(unmet, dep)
		}
	}
	sort.Slice(unmet, func(i, j int) bool { return unmet[i] < unmet[j] })
	return unmet, nil
}
