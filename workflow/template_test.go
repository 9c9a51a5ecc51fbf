package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-ai/stagehand/types"
)

// stubStorage implements Storage over a map for resolver tests.
type stubStorage struct {
	data map[string][]byte
	err  error
}

func (s *stubStorage) Read(_ context.Context, path string) ([]byte, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	data, ok := s.data[path]
	return data, ok, nil
}

func (s *stubStorage) Write(_ context.Context, path string, data []byte) error {
	if s.data == nil {
		s.data = make(map[string][]byte)
	}
	s.data[path] = data
	return nil
}

func testRunContext() *RunContext {
	rc := NewRunContext("tmpl-test", map[string]any{
		"topic": "tidal power",
		"depth": 3,
	}, 0)
	rc.RunID = "run-123"
	rc.StepOutputs["gather"] = map[string]any{
		"sources": []any{"a.txt", "b.txt"},
		"count":   2,
	}
	rc.StepOutputs["summarize"] = []any{"sum-a", "sum-b"}
	return rc
}

func TestResolveInputReferences(t *testing.T) {
	r := NewResolver(nil)
	rc := testRunContext()

	out, err := r.Resolve(context.Background(), "Research {input.topic} at depth {input.depth}", rc, nil)
	require.NoError(t, err)
	assert.Equal(t, "Research tidal power at depth 3", out)
}

func TestResolveMissingInputIsHardError(t *testing.T) {
	r := NewResolver(nil)
	rc := testRunContext()

	_, err := r.Resolve(context.Background(), "Use {input.missing}", rc, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMissingReference, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "{input.missing}")
}

func TestResolveStepOutputAndField(t *testing.T) {
	r := NewResolver(nil)
	rc := testRunContext()

	out, err := r.Resolve(context.Background(), "count={steps.gather.output.count}", rc, nil)
	require.NoError(t, err)
	assert.Equal(t, "count=2", out)

	// Whole composite outputs render as JSON.
	out, err = r.Resolve(context.Background(), "{steps.summarize.output}", rc, nil)
	require.NoError(t, err)
	assert.Equal(t, `["sum-a","sum-b"]`, out)
}

func TestResolveFanOutScope(t *testing.T) {
	r := NewResolver(nil)
	rc := testRunContext()
	scope := &FanOutScope{StepID: "summarize", Index: 1, Item: "b.txt"}

	// Inside its own fan-out body the step reference is the current item,
	// not the full list.
	out, err := r.Resolve(context.Background(), "Summarize {steps.summarize.output} ({parallel_index})", rc, scope)
	require.NoError(t, err)
	assert.Equal(t, "Summarize b.txt (1)", out)

	out, err = r.Resolve(context.Background(), "Summarize {item}", rc, scope)
	require.NoError(t, err)
	assert.Equal(t, "Summarize b.txt", out)
}

func TestResolveItemOutsideFanOutFails(t *testing.T) {
	r := NewResolver(nil)
	rc := testRunContext()

	_, err := r.Resolve(context.Background(), "{item}", rc, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMissingReference, types.GetErrorCode(err))
}

func TestResolveStorageReference(t *testing.T) {
	store := &stubStorage{data: map[string][]byte{"prompts/style": []byte("be terse")}}
	r := NewResolver(store)
	rc := testRunContext()

	out, err := r.Resolve(context.Background(), "Style: {storage.prompts/style}", rc, nil)
	require.NoError(t, err)
	assert.Equal(t, "Style: be terse", out)

	_, err = r.Resolve(context.Background(), "{storage.prompts/absent}", rc, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMissingReference, types.GetErrorCode(err))
}

func TestResolveRunMetadata(t *testing.T) {
	r := NewResolver(nil)
	rc := testRunContext()

	out, err := r.Resolve(context.Background(), "run {run_id} on {date}", rc, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "run run-123 on ")
	assert.Regexp(t, `\d{4}-\d{2}-\d{2}$`, out)
}

func TestResolveIsAtomic(t *testing.T) {
	r := NewResolver(nil)
	rc := testRunContext()

	// One bad token fails the whole string; nothing is partially filled.
	out, err := r.Resolve(context.Background(), "{input.topic} and {input.missing}", rc, nil)
	require.Error(t, err)
	assert.Empty(t, out)
}

func TestResolveNoTokensPassesThrough(t *testing.T) {
	r := NewResolver(nil)
	out, err := r.Resolve(context.Background(), "plain prompt", testRunContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, "plain prompt", out)
}

func TestResolveEnvReference(t *testing.T) {
	t.Setenv("STAGEHAND_TEST_REGION", "eu-west-1")
	r := NewResolver(nil)

	out, err := r.Resolve(context.Background(), "region={env.STAGEHAND_TEST_REGION}", testRunContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, "region=eu-west-1", out)
}

func TestResolveList(t *testing.T) {
	r := NewResolver(nil)
	rc := testRunContext()

	items, err := r.ResolveList(context.Background(), "{steps.gather.output.sources}", rc)
	require.NoError(t, err)
	assert.Equal(t, []any{"a.txt", "b.txt"}, items)

	_, err = r.ResolveList(context.Background(), "{steps.gather.output.count}", rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want a list")

	_, err = r.ResolveList(context.Background(), "not a token", rc)
	require.Error(t, err)
}
