package workflow

import (
	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/types"
)

// StepOverride is the partial fork override applied to the replay target
// step. Zero-valued fields keep the original definition's values.
type StepOverride struct {
	Prompt         string `json:"prompt,omitempty"`
	Model          string `json:"model,omitempty"`
	MaxTurns       int    `json:"max_turns,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ReplayController reconstructs new runs from completed ones. The source
// run's recorded outputs form a checkpoint: everything strictly before the
// target step is reused verbatim, everything from the target onward
// re-executes. The source run is never mutated.
type ReplayController struct {
	planner *Planner
	logger  *zap.Logger
}

// NewReplayController creates a replay controller.
func NewReplayController(logger *zap.Logger) *ReplayController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplayController{
		planner: NewPlanner(),
		logger:  logger.With(zap.String("component", "replay")),
	}
}

// Replay builds a new run that re-executes fromStep and everything
// downstream of it, reusing the source run's outputs for the rest. The
// suffix uses the original step definitions unchanged.
func (c *ReplayController) Replay(def *WorkflowDefinition, source *RunContext, fromStep string) (*WorkflowDefinition, *RunContext, error) {
	return c.prepare(def, source, fromStep, nil)
}

// Fork is Replay with a partial override applied to fromStep only. All other
// suffix steps keep their original definitions.
func (c *ReplayController) Fork(def *WorkflowDefinition, source *RunContext, fromStep string, override *StepOverride) (*WorkflowDefinition, *RunContext, error) {
	if override == nil {
		override = &StepOverride{}
	}
	return c.prepare(def, source, fromStep, override)
}

func (c *ReplayController) prepare(def *WorkflowDefinition, source *RunContext, fromStep string, override *StepOverride) (*WorkflowDefinition, *RunContext, error) {
	if _, ok := def.Step(fromStep); !ok {
		return nil, nil, types.Errorf(types.ErrReplayTargetInvalid,
			"step %q is not part of workflow %s", fromStep, def.Name)
	}
	state, ok := source.StepState(fromStep)
	if !ok || !state.IsTerminal() {
		return nil, nil, types.Errorf(types.ErrReplayTargetInvalid,
			"step %q never reached a terminal state in run %s", fromStep, source.RunID)
	}

	newDef := def
	if override != nil {
		newDef = def.Clone()
		target, _ := newDef.Step(fromStep)
		if override.Prompt != "" {
			target.Prompt = override.Prompt
		}
		if override.Model != "" {
			target.Model = override.Model
		}
		if override.MaxTurns > 0 {
			target.MaxTurns = override.MaxTurns
		}
		if override.TimeoutSeconds > 0 {
			target.TimeoutSeconds = override.TimeoutSeconds
		}
	}

	plan, err := c.planner.Plan(newDef)
	if err != nil {
		return nil, nil, types.NewError(types.ErrReplayTargetInvalid, "plan replay suffix").WithCause(err)
	}

	input := make(map[string]any, len(source.Input))
	for k, v := range source.Input {
		input[k] = v
	}

	rc := NewRunContext(newDef.Name, input, source.BudgetUSD)
	rc.ParentRunID = source.RunID
	rc.ReplayFromStep = fromStep

	// Seed the checkpoint prefix: every step that is not the target and not
	// downstream of it keeps the source run's output and terminal state.
	reachable := ReachableFrom(newDef, fromStep)
	for i := range newDef.Steps {
		id := newDef.Steps[i].ID
		if reachable[id] {
			continue
		}
		if st, ok := source.StepStates[id]; ok && st.IsTerminal() {
			rc.StepStates[id] = st
			if out, ok := source.StepOutputs[id]; ok {
				rc.StepOutputs[id] = out
			}
		}
	}

	// Execution resumes at the stage containing the target; every earlier
	// stage holds only seeded prefix steps.
	rc.CompletedStages = plan.StageOf(fromStep)

	c.logger.Info("replay run prepared",
		zap.String("parent_run_id", source.RunID),
		zap.String("run_id", rc.RunID),
		zap.String("from_step", fromStep),
		zap.Int("seeded_steps", len(rc.StepStates)),
		zap.Bool("fork", override != nil),
	)
	return newDef, rc, nil
}
