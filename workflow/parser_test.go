package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-ai/stagehand/types"
)

const sampleDocument = `
name: research-digest
defaults:
  model: runner-large
  max_turns: 20
  timeout_seconds: 300
budget_usd: 5.0
steps:
  - id: gather
    prompt: "Collect sources about {input.topic}"
  - id: summarize
    prompt: "Summarize {item}"
    depends_on: [gather]
    parallel_over: "{steps.gather.output.sources}"
    retry:
      max_attempts: 3
      backoff: exponential
      on_failure: skip
  - id: digest
    prompt: "Write a digest from {steps.summarize.output}"
    depends_on: [summarize]
    model: runner-small
`

func TestParseValidDocument(t *testing.T) {
	p := NewParser()
	def, err := p.Parse([]byte(sampleDocument))
	require.NoError(t, err)

	assert.Equal(t, "research-digest", def.Name)
	require.Len(t, def.Steps, 3)
	assert.Equal(t, 5.0, def.BudgetUSD)

	summarize, ok := def.Step("summarize")
	require.True(t, ok)
	assert.True(t, summarize.IsFanOut())
	require.NotNil(t, summarize.Retry)
	assert.Equal(t, 3, summarize.Retry.MaxAttempts)
	assert.Equal(t, BackoffExponential, summarize.Retry.Backoff)
	assert.Equal(t, FailureSkip, summarize.Retry.OnFailure)

	digest, _ := def.Step("digest")
	assert.Equal(t, "runner-small", def.StepModel(digest))
	assert.Equal(t, "runner-large", def.StepModel(summarize))
	assert.Equal(t, 20, def.StepMaxTurns(digest))
}

func TestParseInvalidYAML(t *testing.T) {
	p := NewParser()
	_, err := p.Parse([]byte("steps: [unclosed"))
	require.Error(t, err)
	assert.Equal(t, types.ErrDefinitionInvalid, types.GetErrorCode(err))
}

func TestValidateCollectsAllErrors(t *testing.T) {
	def := &WorkflowDefinition{
		Steps: []StepDefinition{
			{ID: "a", Prompt: "x", DependsOn: []string{"ghost"}},
			{ID: "a", Prompt: "y"},
			{ID: "b", Prompt: "z", Retry: &RetryPolicy{MaxAttempts: 0}},
		},
	}
	errs := Validate(def)

	// One pass must surface every violation: missing name, unknown
	// depends_on target, duplicate ID, and invalid max_attempts.
	require.GreaterOrEqual(t, len(errs), 4)
	joined := ""
	for _, e := range errs {
		joined += e.Error() + "\n"
	}
	assert.Contains(t, joined, "name is required")
	assert.Contains(t, joined, `unknown depends_on target "ghost"`)
	assert.Contains(t, joined, "duplicate step ID: a")
	assert.Contains(t, joined, "max_attempts must be >= 1")
}

func TestValidateCycleDetection(t *testing.T) {
	def := &WorkflowDefinition{
		Name: "cyclic",
		Steps: []StepDefinition{
			{ID: "a", Prompt: "x", DependsOn: []string{"c"}},
			{ID: "b", Prompt: "x", DependsOn: []string{"a"}},
			{ID: "c", Prompt: "x", DependsOn: []string{"b"}},
		},
	}
	errs := Validate(def)
	require.NotEmpty(t, errs)
	joined := ""
	for _, e := range errs {
		joined += e.Error() + "\n"
	}
	assert.Contains(t, joined, "cycle detected")
}

func TestValidateSelfDependency(t *testing.T) {
	def := &WorkflowDefinition{
		Name:  "selfie",
		Steps: []StepDefinition{{ID: "a", Prompt: "x", DependsOn: []string{"a"}}},
	}
	errs := Validate(def)
	require.NotEmpty(t, errs)
	joined := ""
	for _, e := range errs {
		joined += e.Error() + "\n"
	}
	assert.Contains(t, joined, "depends on itself")
}

func TestValidateFanOutOrdering(t *testing.T) {
	t.Run("upstream reference is accepted", func(t *testing.T) {
		def := &WorkflowDefinition{
			Name: "ok",
			Steps: []StepDefinition{
				{ID: "list", Prompt: "x"},
				{ID: "fan", Prompt: "y", DependsOn: []string{"list"}, ParallelOver: "{steps.list.output}"},
			},
		}
		assert.Empty(t, Validate(def))
	})

	t.Run("non-upstream reference is rejected", func(t *testing.T) {
		def := &WorkflowDefinition{
			Name: "bad",
			Steps: []StepDefinition{
				{ID: "list", Prompt: "x"},
				{ID: "fan", Prompt: "y", ParallelOver: "{steps.list.output}"},
			},
		}
		errs := Validate(def)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "not an upstream dependency")
	})

	t.Run("unknown referenced step is rejected", func(t *testing.T) {
		def := &WorkflowDefinition{
			Name: "bad",
			Steps: []StepDefinition{
				{ID: "fan", Prompt: "y", ParallelOver: "{steps.ghost.output}"},
			},
		}
		errs := Validate(def)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), `unknown step "ghost"`)
	})

	t.Run("input reference needs no ordering check", func(t *testing.T) {
		def := &WorkflowDefinition{
			Name: "ok",
			Steps: []StepDefinition{
				{ID: "fan", Prompt: "y", ParallelOver: "{input.items}"},
			},
		}
		assert.Empty(t, Validate(def))
	})
}

func TestValidateFallbackRequirement(t *testing.T) {
	def := &WorkflowDefinition{
		Name: "fb",
		Steps: []StepDefinition{
			{ID: "a", Prompt: "x", Retry: &RetryPolicy{MaxAttempts: 2, OnFailure: FailureFallback}},
		},
	}
	errs := Validate(def)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "requires a fallback definition")
}

func TestParseNeverReturnsBothDefinitionAndErrors(t *testing.T) {
	p := NewParser()
	def, err := p.Parse([]byte("name: ''\nsteps: []"))
	assert.Nil(t, def)
	assert.Error(t, err)
}
