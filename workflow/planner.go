package workflow

import (
	"fmt"
	"sync"
)

// ExecutionPlan is the deterministic staging of a workflow DAG. Every stage
// contains step IDs whose dependencies all lie in strictly earlier stages.
type ExecutionPlan struct {
	Stages [][]string
}

// StageOf returns the index of the stage containing stepID, or -1.
func (p *ExecutionPlan) StageOf(stepID string) int {
	for i, stage := range p.Stages {
		for _, id := range stage {
			if id == stepID {
				return i
			}
		}
	}
	return -1
}

// StepCount returns the total number of steps across all stages.
func (p *ExecutionPlan) StepCount() int {
	n := 0
	for _, stage := range p.Stages {
		n += len(stage)
	}
	return n
}

// Planner derives execution plans from validated definitions. Plans are pure
// functions of the definition, so they are computed once and cached.
type Planner struct {
	mu    sync.Mutex
	cache map[*WorkflowDefinition]*ExecutionPlan
}

// NewPlanner creates a planner with an empty plan cache.
func NewPlanner() *Planner {
	return &Planner{cache: make(map[*WorkflowDefinition]*ExecutionPlan)}
}

// Plan stages the definition's dependency graph with Kahn's algorithm:
// repeatedly emit every step whose dependencies are fully contained in
// earlier stages. Within a stage, step order is definition insertion order,
// not map order, so runs are reproducible. O(V+E).
func (p *Planner) Plan(def *WorkflowDefinition) (*ExecutionPlan, error) {
	p.mu.Lock()
	if plan, ok := p.cache[def]; ok {
		p.mu.Unlock()
		return plan, nil
	}
	p.mu.Unlock()

	emitted := make(map[string]bool, len(def.Steps))
	pending := make([]string, 0, len(def.Steps))
	for i := range def.Steps {
		pending = append(pending, def.Steps[i].ID)
	}

	plan := &ExecutionPlan{}
	for len(pending) > 0 {
		var stage []string
		var rest []string
		for _, id := range pending {
			step, _ := def.Step(id)
			ready := true
			for _, dep := range step.DependsOn {
				if !emitted[dep] {
					ready = false
					break
				}
			}
			if ready {
				stage = append(stage, id)
			} else {
				rest = append(rest, id)
			}
		}
		if len(stage) == 0 {
			// Unreachable for validated definitions; guards against a plan
			// request on an unvalidated graph.
			return nil, fmt.Errorf("no progress staging workflow %s: %d steps blocked", def.Name, len(rest))
		}
		for _, id := range stage {
			emitted[id] = true
		}
		plan.Stages = append(plan.Stages, stage)
		pending = rest
	}

	p.mu.Lock()
	p.cache[def] = plan
	p.mu.Unlock()
	return plan, nil
}

// ReachableFrom returns stepID plus every step downstream of it in the
// dependency graph. The replay controller uses this to decide which outputs
// of a source run can be reused as a checkpoint prefix.
func ReachableFrom(def *WorkflowDefinition, stepID string) map[string]bool {
	// Invert depends_on into forward edges once.
	next := make(map[string][]string, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		for _, dep := range s.DependsOn {
			next[dep] = append(next[dep], s.ID)
		}
	}

	reachable := make(map[string]bool)
	queue := []string{stepID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		queue = append(queue, next[id]...)
	}
	return reachable
}
