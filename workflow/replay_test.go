package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-ai/stagehand/types"
)

func replayFixture(t *testing.T) (*WorkflowDefinition, *RunContext) {
	t.Helper()
	def := &WorkflowDefinition{
		Name: "report",
		Steps: []StepDefinition{
			{ID: "research", Prompt: "research {input.topic}"},
			{ID: "outline", Prompt: "outline {steps.research.output}", DependsOn: []string{"research"}},
			{ID: "draft", Prompt: "draft {steps.outline.output}", DependsOn: []string{"outline"}},
			{ID: "review", Prompt: "review {steps.draft.output}", DependsOn: []string{"draft"}},
		},
	}
	rt := &mockRuntime{}
	e := newTestExecutor(rt, newMemoryRunStore())
	rc := NewRunContext("report", map[string]any{"topic": "geothermal"}, 0)
	require.NoError(t, e.Execute(context.Background(), def, rc))
	require.Equal(t, RunCompleted, rc.Status)
	return def, rc
}

func TestReplayReusesPrefixVerbatim(t *testing.T) {
	def, source := replayFixture(t)
	c := NewReplayController(nil)

	newDef, replayRC, err := c.Replay(def, source, "draft")
	require.NoError(t, err)
	assert.Same(t, def, newDef)

	// Prefix outputs are carried over; the target and its downstream are
	// left unset so the executor re-dispatches them.
	assert.Equal(t, source.StepOutputs["research"], replayRC.StepOutputs["research"])
	assert.Equal(t, source.StepOutputs["outline"], replayRC.StepOutputs["outline"])
	assert.NotContains(t, replayRC.StepOutputs, "draft")
	assert.NotContains(t, replayRC.StepOutputs, "review")
	assert.Equal(t, StepCompleted, replayRC.StepStates["research"])
	assert.NotContains(t, replayRC.StepStates, "draft")

	assert.Equal(t, source.RunID, replayRC.ParentRunID)
	assert.Equal(t, "draft", replayRC.ReplayFromStep)
	assert.NotEqual(t, source.RunID, replayRC.RunID)
	assert.Equal(t, 2, replayRC.CompletedStages)
}

func TestReplayProducesIdenticalOutputsUnderDeterministicRuntime(t *testing.T) {
	def, source := replayFixture(t)
	c := NewReplayController(nil)

	newDef, replayRC, err := c.Replay(def, source, "outline")
	require.NoError(t, err)

	rt := &mockRuntime{}
	e := newTestExecutor(rt, newMemoryRunStore())
	require.NoError(t, e.Execute(context.Background(), newDef, replayRC))

	assert.Equal(t, RunCompleted, replayRC.Status)
	assert.Equal(t, source.StepOutputs, replayRC.StepOutputs)

	// Only the suffix was dispatched.
	assert.Equal(t, 0, rt.callsWithPrompt("research geothermal"))
	assert.Equal(t, 3, rt.callCount())
}

func TestReplaySourceRunUntouched(t *testing.T) {
	def, source := replayFixture(t)
	beforeResults := len(source.Results)
	beforeStatus := source.Status

	c := NewReplayController(nil)
	newDef, replayRC, err := c.Replay(def, source, "review")
	require.NoError(t, err)

	rt := &mockRuntime{}
	e := newTestExecutor(rt, newMemoryRunStore())
	require.NoError(t, e.Execute(context.Background(), newDef, replayRC))

	assert.Equal(t, beforeStatus, source.Status)
	assert.Len(t, source.Results, beforeResults)
}

func TestForkOverrideAppliesToTargetOnly(t *testing.T) {
	def, source := replayFixture(t)
	c := NewReplayController(nil)

	newDef, forkRC, err := c.Fork(def, source, "draft", &StepOverride{
		Prompt: "draft a shorter {steps.outline.output}",
		Model:  "runner-small",
	})
	require.NoError(t, err)

	// Fork clones the definition; the original is untouched.
	assert.NotSame(t, def, newDef)
	orig, _ := def.Step("draft")
	assert.Equal(t, "draft {steps.outline.output}", orig.Prompt)
	assert.Empty(t, orig.Model)

	target, _ := newDef.Step("draft")
	assert.Equal(t, "draft a shorter {steps.outline.output}", target.Prompt)
	assert.Equal(t, "runner-small", target.Model)

	// Sibling suffix steps keep their definitions.
	review, _ := newDef.Step("review")
	assert.Equal(t, "review {steps.draft.output}", review.Prompt)

	rt := &mockRuntime{}
	e := newTestExecutor(rt, newMemoryRunStore())
	require.NoError(t, e.Execute(context.Background(), newDef, forkRC))

	assert.Equal(t, RunCompleted, forkRC.Status)
	assert.NotEqual(t, source.StepOutputs["draft"], forkRC.StepOutputs["draft"])
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, call := range rt.calls {
		if call.Prompt == "review "+forkRC.StepOutputs["draft"].(string) {
			assert.Empty(t, call.Model)
		}
	}
}

func TestForkZeroOverrideBehavesLikeReplay(t *testing.T) {
	def, source := replayFixture(t)
	c := NewReplayController(nil)

	newDef, _, err := c.Fork(def, source, "draft", nil)
	require.NoError(t, err)

	target, _ := newDef.Step("draft")
	assert.Equal(t, "draft {steps.outline.output}", target.Prompt)
}

func TestReplayTargetValidation(t *testing.T) {
	def, source := replayFixture(t)
	c := NewReplayController(nil)

	t.Run("unknown step", func(t *testing.T) {
		_, _, err := c.Replay(def, source, "ghost")
		require.Error(t, err)
		assert.Equal(t, types.ErrReplayTargetInvalid, types.GetErrorCode(err))
	})

	t.Run("step never reached terminal state", func(t *testing.T) {
		partial := NewRunContext("report", nil, 0)
		partial.StepStates["research"] = StepCompleted
		partial.StepStates["outline"] = StepRunning
		_, _, err := c.Replay(def, partial, "outline")
		require.Error(t, err)
		assert.Equal(t, types.ErrReplayTargetInvalid, types.GetErrorCode(err))
	})
}

func TestReplayFromSkippedStepReexecutesIt(t *testing.T) {
	def := &WorkflowDefinition{
		Name: "skip-replay",
		Steps: []StepDefinition{
			{ID: "fetch", Prompt: "fetch",
				Retry: &RetryPolicy{MaxAttempts: 1, OnFailure: FailureSkip}},
			{ID: "use", Prompt: "use {steps.fetch.output}", DependsOn: []string{"fetch"}},
		},
	}
	failing := &mockRuntime{handler: func(req ExecuteRequest) (*ExecuteResult, error) {
		return nil, assert.AnError
	}}
	e := newTestExecutor(failing, newMemoryRunStore())
	source := NewRunContext("skip-replay", nil, 0)
	require.NoError(t, e.Execute(context.Background(), def, source))
	require.Equal(t, RunPartial, source.Status)

	// Skipped is terminal, so it is a valid replay target; the replay run
	// re-dispatches it from scratch.
	c := NewReplayController(nil)
	_, replayRC, err := c.Replay(def, source, "fetch")
	require.NoError(t, err)

	healthy := &mockRuntime{}
	e2 := newTestExecutor(healthy, newMemoryRunStore())
	require.NoError(t, e2.Execute(context.Background(), def, replayRC))
	assert.Equal(t, RunCompleted, replayRC.Status)
	assert.Equal(t, "ok:fetch", replayRC.StepOutputs["fetch"])
	assert.Equal(t, "ok:use ok:fetch", replayRC.StepOutputs["use"])
}
