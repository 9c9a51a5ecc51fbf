package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stagehand-ai/stagehand/types"
)

// Parser turns workflow documents into validated definitions. Parsing is
// pure: it never touches the agent runtime or any store.
type Parser struct{}

// NewParser creates a workflow document parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes a YAML workflow document and validates it. On validation
// failure it returns a single DEFINITION_INVALID error carrying every
// violation, so a caller can fix the document in one pass.
func (p *Parser) Parse(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrDefinitionInvalid, "parse YAML").WithCause(err)
	}

	if errs := Validate(&def); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, types.Errorf(types.ErrDefinitionInvalid,
			"%d validation error(s): %s", len(errs), strings.Join(msgs, "; "))
	}
	return &def, nil
}

// stepsRefPattern matches {steps.ID...} references inside parallel_over.
var stepsRefPattern = regexp.MustCompile(`\{steps\.([A-Za-z0-9_\-]+)[.}]`)

// Validate checks a definition's structural invariants and returns every
// violation found, not just the first.
func Validate(def *WorkflowDefinition) []error {
	var errs []error

	if def.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if len(def.Steps) == 0 {
		errs = append(errs, fmt.Errorf("steps must have at least one step"))
	}

	// Collect step IDs and report duplicates.
	ids := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("step %d: id is required", i))
			continue
		}
		if ids[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate step ID: %s", s.ID))
		}
		ids[s.ID] = true
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		errs = append(errs, validateStep(s, ids)...)
	}

	if cycle := findCycle(def); cycle != "" {
		errs = append(errs, fmt.Errorf("cycle detected at step %s", cycle))
	} else {
		// Fan-out ordering only makes sense on an acyclic graph.
		errs = append(errs, validateFanOutOrdering(def, ids)...)
	}

	return errs
}

func validateStep(s *StepDefinition, ids map[string]bool) []error {
	var errs []error

	if s.Prompt == "" {
		errs = append(errs, fmt.Errorf("step %s: prompt is required", s.ID))
	}
	for _, dep := range s.DependsOn {
		if !ids[dep] {
			errs = append(errs, fmt.Errorf("step %s: unknown depends_on target %q", s.ID, dep))
		}
		if dep == s.ID {
			errs = append(errs, fmt.Errorf("step %s: depends on itself", s.ID))
		}
	}

	if s.Retry != nil {
		if s.Retry.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("step %s: retry.max_attempts must be >= 1", s.ID))
		}
		switch s.Retry.Backoff {
		case "", BackoffExponential, BackoffFixed:
		default:
			errs = append(errs, fmt.Errorf("step %s: invalid retry.backoff %q", s.ID, s.Retry.Backoff))
		}
		switch s.Retry.OnFailure {
		case "", FailureAbort, FailureSkip, FailureFallback:
		default:
			errs = append(errs, fmt.Errorf("step %s: invalid retry.on_failure %q", s.ID, s.Retry.OnFailure))
		}
		if s.Retry.OnFailure == FailureFallback && s.Fallback == nil {
			errs = append(errs, fmt.Errorf("step %s: on_failure fallback requires a fallback definition", s.ID))
		}
	}
	if s.Fallback != nil && s.Fallback.Prompt == "" {
		errs = append(errs, fmt.Errorf("step %s: fallback.prompt is required", s.ID))
	}

	return errs
}

// validateFanOutOrdering checks that a parallel_over expression referencing
// another step names one of the fan-out step's ancestors, so the list value
// is guaranteed to exist when the stage is materialized.
func validateFanOutOrdering(def *WorkflowDefinition, ids map[string]bool) []error {
	var errs []error
	for i := range def.Steps {
		s := &def.Steps[i]
		if !s.IsFanOut() {
			continue
		}
		for _, m := range stepsRefPattern.FindAllStringSubmatch(s.ParallelOver, -1) {
			ref := m[1]
			if !ids[ref] {
				errs = append(errs, fmt.Errorf("step %s: parallel_over references unknown step %q", s.ID, ref))
				continue
			}
			if !isAncestor(def, ref, s.ID) {
				errs = append(errs, fmt.Errorf(
					"step %s: parallel_over references step %q which is not an upstream dependency", s.ID, ref))
			}
		}
	}
	return errs
}

// isAncestor reports whether candidate is in the transitive dependency
// closure of stepID.
func isAncestor(def *WorkflowDefinition, candidate, stepID string) bool {
	seen := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if seen[id] {
			return false
		}
		seen[id] = true
		step, ok := def.Step(id)
		if !ok {
			return false
		}
		for _, dep := range step.DependsOn {
			if dep == candidate || walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(stepID)
}

// findCycle runs a depth-first search with a recursion-stack set and returns
// the ID of the first step whose dependency chain revisits itself, or "".
func findCycle(def *WorkflowDefinition) string {
	const (
		white = 0 // unvisited
		gray  = 1 // on recursion stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(def.Steps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		step, ok := def.Step(id)
		if ok {
			for _, dep := range step.DependsOn {
				switch color[dep] {
				case gray:
					return dep
				case white:
					if hit := visit(dep); hit != "" {
						return hit
					}
				}
			}
		}
		color[id] = black
		return ""
	}

	for i := range def.Steps {
		id := def.Steps[i].ID
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}
