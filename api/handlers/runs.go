package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/api"
	"github.com/stagehand-ai/stagehand/queue"
	"github.com/stagehand-ai/stagehand/runstore"
	"github.com/stagehand-ai/stagehand/types"
	"github.com/stagehand-ai/stagehand/workflow"
)

// RunsHandler serves the run lifecycle endpoints. It never executes
// anything itself: submissions go to the queue transport, state reads go to
// the run store.
type RunsHandler struct {
	store     workflow.RunStore
	transport queue.Transport
	storage   workflow.Storage
	replay    *workflow.ReplayController
	registry  *workflow.CancelRegistry
	parser    *workflow.Parser
	logger    *zap.Logger
}

// NewRunsHandler creates the run lifecycle handler. registry may be nil when
// no in-process workers exist; cancellation then only reaches queued runs.
func NewRunsHandler(store workflow.RunStore, transport queue.Transport, storage workflow.Storage, registry *workflow.CancelRegistry, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		store:     store,
		transport: transport,
		storage:   storage,
		replay:    workflow.NewReplayController(logger),
		registry:  registry,
		parser:    workflow.NewParser(),
		logger:    logger.With(zap.String("component", "runs_handler")),
	}
}

// definitionPath is where a run's definition is archived so replay and fork
// can reconstruct it later.
func definitionPath(runID string) string {
	return fmt.Sprintf("runs/%s/definition.json", runID)
}

// HandleSubmit accepts a workflow document, validates it, persists a queued
// run, and enqueues it for a worker. POST /v1/runs
func (h *RunsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if len(req.Definition) == 0 {
		WriteErrorMessage(w, types.ErrDefinitionInvalid, "definition is required", h.logger)
		return
	}

	def, err := h.parser.Parse(req.Definition)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}

	rc := workflow.NewRunContext(def.Name, req.Input, req.BudgetUSD)

	if err := h.archiveDefinition(r, rc.RunID, def); err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	if err := h.store.Save(r.Context(), rc); err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	if err := h.transport.Enqueue(r.Context(), queue.NewJob(rc.RunID, def)); err != nil {
		WriteError(w, types.NewError(types.ErrTransportFailure, "enqueue run").WithCause(err), h.logger)
		return
	}

	h.logger.Info("run accepted",
		zap.String("run_id", rc.RunID),
		zap.String("workflow", def.Name),
	)
	WriteAccepted(w, api.RunAccepted{RunID: rc.RunID, Status: rc.Status})
}

// HandleGet returns the persisted state of one run. GET /v1/runs/{id}
func (h *RunsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rc, err := h.store.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, rc)
}

// HandleList returns runs filtered by status. GET /v1/runs?status=&limit=
// Backends without enumeration support reject the request.
func (h *RunsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.store.(runstore.Lister)
	if !ok {
		WriteErrorMessage(w, types.ErrInternalError, "run store does not support listing", h.logger)
		return
	}

	status := workflow.RunStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = workflow.RunRunning
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteErrorMessage(w, types.ErrDefinitionInvalid, "limit must be a positive integer", h.logger)
			return
		}
		limit = n
	}

	runs, err := lister.ListByStatus(r.Context(), status, limit)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, api.ListRunsResponse{Runs: runs, Count: len(runs)})
}

// HandleCancel requests cancellation of a run. An actively executing run is
// interrupted and settles at its next stage boundary; a still-queued run is
// marked cancelled immediately, and its queued job is later dropped as a
// terminal duplicate. POST /v1/runs/{id}/cancel
func (h *RunsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	rc, err := h.store.Load(r.Context(), runID)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	if rc.Status.IsTerminal() {
		WriteErrorMessage(w, types.ErrRunCancelled,
			fmt.Sprintf("run already in terminal state %s", rc.Status), h.logger)
		return
	}

	interrupted := false
	if h.registry != nil {
		interrupted = h.registry.Cancel(runID)
	}
	if !interrupted {
		// Not executing in this process. A queued run can be settled
		// directly; workers ack terminal runs instead of starting them.
		rc.Status = workflow.RunCancelled
		rc.LastError = "cancelled before execution"
		now := time.Now().UTC()
		rc.UpdatedAt = now
		rc.FinishedAt = now
		if err := h.store.Save(r.Context(), rc); err != nil {
			WriteError(w, asAPIError(err), h.logger)
			return
		}
	}

	h.logger.Info("run cancellation requested",
		zap.String("run_id", runID),
		zap.Bool("interrupted", interrupted),
	)
	WriteSuccess(w, api.CancelResponse{
		RunID:       runID,
		Status:      rc.Status,
		Interrupted: interrupted,
	})
}

// HandleReplay re-executes a terminal run from a step onward, reusing the
// recorded prefix verbatim. POST /v1/runs/{id}/replay
func (h *RunsHandler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	h.replayOrFork(w, r, false)
}

// HandleFork replays with the target step's definition modified.
// POST /v1/runs/{id}/fork
func (h *RunsHandler) HandleFork(w http.ResponseWriter, r *http.Request) {
	h.replayOrFork(w, r, true)
}

func (h *RunsHandler) replayOrFork(w http.ResponseWriter, r *http.Request, fork bool) {
	var req api.ReplayRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	runID := r.PathValue("id")

	source, err := h.store.Load(r.Context(), runID)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	def, err := h.loadDefinition(r, runID)
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}

	var newDef *workflow.WorkflowDefinition
	var newRun *workflow.RunContext
	if fork {
		newDef, newRun, err = h.replay.Fork(def, source, req.FromStep, req.Override)
	} else {
		newDef, newRun, err = h.replay.Replay(def, source, req.FromStep)
	}
	if err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}

	if err := h.archiveDefinition(r, newRun.RunID, newDef); err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	if err := h.store.Save(r.Context(), newRun); err != nil {
		WriteError(w, asAPIError(err), h.logger)
		return
	}
	if err := h.transport.Enqueue(r.Context(), queue.NewJob(newRun.RunID, newDef)); err != nil {
		WriteError(w, types.NewError(types.ErrTransportFailure, "enqueue run").WithCause(err), h.logger)
		return
	}

	h.logger.Info("replay accepted",
		zap.String("source_run_id", runID),
		zap.String("run_id", newRun.RunID),
		zap.String("from_step", req.FromStep),
		zap.Bool("fork", fork),
	)
	WriteAccepted(w, api.RunAccepted{RunID: newRun.RunID, Status: newRun.Status})
}

func (h *RunsHandler) archiveDefinition(r *http.Request, runID string, def *workflow.WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return types.NewError(types.ErrInternalError, "encode definition").WithCause(err)
	}
	if err := h.storage.Write(r.Context(), definitionPath(runID), data); err != nil {
		return types.NewError(types.ErrStorageUnavailable, "archive definition").WithCause(err)
	}
	return nil
}

func (h *RunsHandler) loadDefinition(r *http.Request, runID string) (*workflow.WorkflowDefinition, error) {
	data, found, err := h.storage.Read(r.Context(), definitionPath(runID))
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "read definition").WithCause(err)
	}
	if !found {
		return nil, types.Errorf(types.ErrRunNotFound, "no definition archived for run %s", runID)
	}
	var def workflow.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrInternalError, "decode archived definition").WithCause(err)
	}
	return &def, nil
}
