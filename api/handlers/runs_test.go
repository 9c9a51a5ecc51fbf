package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/api"
	"github.com/stagehand-ai/stagehand/queue"
	"github.com/stagehand-ai/stagehand/runstore"
	"github.com/stagehand-ai/stagehand/storage"
	"github.com/stagehand-ai/stagehand/workflow"
)

type runsFixture struct {
	handler   *RunsHandler
	store     workflow.RunStore
	transport queue.Transport
	storage   workflow.Storage
	registry  *workflow.CancelRegistry
}

func newRunsFixture(t *testing.T) *runsFixture {
	t.Helper()
	store := runstore.NewMemoryStore()
	transport := queue.NewMemoryTransport(16)
	t.Cleanup(func() { _ = transport.Close() })
	backend := storage.NewMemory()
	registry := workflow.NewCancelRegistry()
	return &runsFixture{
		handler:   NewRunsHandler(store, transport, backend, registry, zap.NewNop()),
		store:     store,
		transport: transport,
		storage:   backend,
		registry:  registry,
	}
}

const linearDefinition = `{
	"name": "report",
	"steps": [
		{"id": "research", "prompt": "research {input.topic}"},
		{"id": "draft", "prompt": "draft from {steps.research.output}", "depends_on": ["research"]}
	]
}`

func submitBody(def string) string {
	return fmt.Sprintf(`{"definition": %s, "input": {"topic": "go"}, "budget_usd": 2.5}`, def)
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func dataAs(t *testing.T, resp Response, dst any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func TestSubmitAcceptsValidDefinition(t *testing.T) {
	f := newRunsFixture(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(submitBody(linearDefinition)))
	f.handler.HandleSubmit(w, r)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decodeEnvelope(t, w)
	assert.True(t, resp.Success)

	var accepted api.RunAccepted
	dataAs(t, resp, &accepted)
	assert.NotEmpty(t, accepted.RunID)
	assert.Equal(t, workflow.RunQueued, accepted.Status)

	// The run is persisted queued with the submitted budget.
	rc, err := f.store.Load(context.Background(), accepted.RunID)
	require.NoError(t, err)
	assert.Equal(t, "report", rc.WorkflowName)
	assert.Equal(t, 2.5, rc.BudgetUSD)

	// The job is on the queue with the parsed definition.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := f.transport.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, accepted.RunID, job.RunID)
	assert.Equal(t, "report", job.Definition.Name)

	// The definition is archived for later replay.
	_, found, err := f.storage.Read(context.Background(), definitionPath(accepted.RunID))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSubmitRejectsInvalidDefinition(t *testing.T) {
	f := newRunsFixture(t)

	// Unknown dependency reference fails validation.
	bad := `{"name": "broken", "steps": [{"id": "a", "prompt": "x", "depends_on": ["ghost"]}]}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(submitBody(bad)))
	f.handler.HandleSubmit(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeEnvelope(t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, "DEFINITION_INVALID", resp.Error.Code)

	// Nothing was enqueued.
	depth, err := f.transport.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSubmitRejectsMissingDefinition(t *testing.T) {
	f := newRunsFixture(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(`{"input": {}}`))
	f.handler.HandleSubmit(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetReturnsRunState(t *testing.T) {
	f := newRunsFixture(t)
	rc := workflow.NewRunContext("report", map[string]any{"topic": "go"}, 0)
	require.NoError(t, f.store.Save(context.Background(), rc))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/runs/"+rc.RunID, nil)
	r.SetPathValue("id", rc.RunID)
	f.handler.HandleGet(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var got workflow.RunContext
	dataAs(t, decodeEnvelope(t, w), &got)
	assert.Equal(t, rc.RunID, got.RunID)
	assert.Equal(t, workflow.RunQueued, got.Status)
}

func TestGetUnknownRunIs404(t *testing.T) {
	f := newRunsFixture(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/runs/nope", nil)
	r.SetPathValue("id", "nope")
	f.handler.HandleGet(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeEnvelope(t, w)
	assert.Equal(t, "RUN_NOT_FOUND", resp.Error.Code)
}

func TestListFiltersByStatus(t *testing.T) {
	f := newRunsFixture(t)
	for i := 0; i < 3; i++ {
		rc := workflow.NewRunContext("report", nil, 0)
		if i == 0 {
			rc.Status = workflow.RunCompleted
		} else {
			rc.Status = workflow.RunRunning
		}
		require.NoError(t, f.store.Save(context.Background(), rc))
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/runs?status=running", nil)
	f.handler.HandleList(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var page api.ListRunsResponse
	dataAs(t, decodeEnvelope(t, w), &page)
	assert.Equal(t, 2, page.Count)
}

func TestCancelQueuedRunSettlesImmediately(t *testing.T) {
	f := newRunsFixture(t)
	rc := workflow.NewRunContext("report", nil, 0)
	require.NoError(t, f.store.Save(context.Background(), rc))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/runs/"+rc.RunID+"/cancel", nil)
	r.SetPathValue("id", rc.RunID)
	f.handler.HandleCancel(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var result api.CancelResponse
	dataAs(t, decodeEnvelope(t, w), &result)
	assert.False(t, result.Interrupted)
	assert.Equal(t, workflow.RunCancelled, result.Status)

	got, err := f.store.Load(context.Background(), rc.RunID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCancelled, got.Status)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestCancelActiveRunInterrupts(t *testing.T) {
	f := newRunsFixture(t)
	rc := workflow.NewRunContext("report", nil, 0)
	rc.Status = workflow.RunRunning
	require.NoError(t, f.store.Save(context.Background(), rc))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.registry.Register(rc.RunID, cancel)
	defer f.registry.Unregister(rc.RunID)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/runs/"+rc.RunID+"/cancel", nil)
	r.SetPathValue("id", rc.RunID)
	f.handler.HandleCancel(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var result api.CancelResponse
	dataAs(t, decodeEnvelope(t, w), &result)
	assert.True(t, result.Interrupted)
	assert.Error(t, ctx.Err(), "registered cancel func should have fired")

	// The executor owns the terminal transition; cancel does not force it.
	got, err := f.store.Load(context.Background(), rc.RunID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunRunning, got.Status)
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	f := newRunsFixture(t)
	rc := workflow.NewRunContext("report", nil, 0)
	rc.Status = workflow.RunCompleted
	require.NoError(t, f.store.Save(context.Background(), rc))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/runs/"+rc.RunID+"/cancel", nil)
	r.SetPathValue("id", rc.RunID)
	f.handler.HandleCancel(w, r)

	assert.Equal(t, http.StatusConflict, w.Code)
}

// seedTerminalRun submits and hand-completes a run so replay has a source.
func seedTerminalRun(t *testing.T, f *runsFixture) *workflow.RunContext {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(submitBody(linearDefinition)))
	f.handler.HandleSubmit(w, r)
	require.Equal(t, http.StatusAccepted, w.Code)

	var accepted api.RunAccepted
	dataAs(t, decodeEnvelope(t, w), &accepted)

	rc, err := f.store.Load(context.Background(), accepted.RunID)
	require.NoError(t, err)
	rc.Status = workflow.RunCompleted
	rc.StepOutputs = map[string]any{"research": "facts", "draft": "text"}
	rc.StepStates = map[string]workflow.StepStatus{
		"research": workflow.StepCompleted,
		"draft":    workflow.StepCompleted,
	}
	rc.CompletedStages = 2
	require.NoError(t, f.store.Save(context.Background(), rc))

	// Drain the original submission job.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := f.transport.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, f.transport.Ack(context.Background(), job))
	return rc
}

func TestReplayEnqueuesNewRun(t *testing.T) {
	f := newRunsFixture(t)
	source := seedTerminalRun(t, f)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/runs/"+source.RunID+"/replay",
		strings.NewReader(`{"from_step": "draft"}`))
	r.SetPathValue("id", source.RunID)
	f.handler.HandleReplay(w, r)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var accepted api.RunAccepted
	dataAs(t, decodeEnvelope(t, w), &accepted)
	assert.NotEqual(t, source.RunID, accepted.RunID)

	newRun, err := f.store.Load(context.Background(), accepted.RunID)
	require.NoError(t, err)
	assert.Equal(t, source.RunID, newRun.ParentRunID)
	assert.Equal(t, "draft", newRun.ReplayFromStep)
	assert.Equal(t, "facts", newRun.StepOutputs["research"], "prefix output should be seeded")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := f.transport.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, accepted.RunID, job.RunID)
}

func TestForkAppliesOverride(t *testing.T) {
	f := newRunsFixture(t)
	source := seedTerminalRun(t, f)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/runs/"+source.RunID+"/fork",
		strings.NewReader(`{"from_step": "draft", "override": {"model": "gpt-max"}}`))
	r.SetPathValue("id", source.RunID)
	f.handler.HandleFork(w, r)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var accepted api.RunAccepted
	dataAs(t, decodeEnvelope(t, w), &accepted)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := f.transport.Dequeue(ctx)
	require.NoError(t, err)
	step, ok := job.Definition.Step("draft")
	require.True(t, ok)
	assert.Equal(t, "gpt-max", step.Model)
}

func TestReplayInvalidTargetIs422(t *testing.T) {
	f := newRunsFixture(t)
	source := seedTerminalRun(t, f)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/runs/"+source.RunID+"/replay",
		strings.NewReader(`{"from_step": "ghost"}`))
	r.SetPathValue("id", source.RunID)
	f.handler.HandleReplay(w, r)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeEnvelope(t, w)
	assert.Equal(t, "REPLAY_TARGET_INVALID", resp.Error.Code)
}

func TestReplayWithoutArchivedDefinitionIs404(t *testing.T) {
	f := newRunsFixture(t)
	rc := workflow.NewRunContext("report", nil, 0)
	rc.Status = workflow.RunCompleted
	require.NoError(t, f.store.Save(context.Background(), rc))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/runs/"+rc.RunID+"/replay",
		strings.NewReader(`{"from_step": "draft"}`))
	r.SetPathValue("id", rc.RunID)
	f.handler.HandleReplay(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
