package api

import (
	"encoding/json"

	"github.com/stagehand-ai/stagehand/workflow"
)

// SubmitRunRequest starts a new run of an inline workflow document.
type SubmitRunRequest struct {
	// Definition is the workflow document, JSON or YAML-as-JSON. It is
	// parsed and validated before the run is accepted.
	Definition json.RawMessage `json:"definition"`
	// Input seeds {input.*} template references.
	Input map[string]any `json:"input,omitempty"`
	// BudgetUSD overrides the document's budget when non-zero.
	BudgetUSD float64 `json:"budget_usd,omitempty"`
}

// RunAccepted acknowledges an accepted run submission.
type RunAccepted struct {
	RunID  string             `json:"run_id"`
	Status workflow.RunStatus `json:"status"`
}

// ReplayRequest re-executes a terminal run from a step onward. A nil
// Override replays the original definition verbatim; a non-nil Override
// forks with the target step modified.
type ReplayRequest struct {
	FromStep string                 `json:"from_step"`
	Override *workflow.StepOverride `json:"override,omitempty"`
}

// ListRunsResponse is a page of runs filtered by status.
type ListRunsResponse struct {
	Runs  []*workflow.RunContext `json:"runs"`
	Count int                    `json:"count"`
}

// CancelResponse reports the outcome of a cancellation request.
type CancelResponse struct {
	RunID string             `json:"run_id"`
	// Status is the run status observed when the request was handled;
	// an interrupt of an active run settles asynchronously.
	Status workflow.RunStatus `json:"status"`
	// Interrupted is true when an in-flight run was signalled to stop.
	Interrupted bool `json:"interrupted"`
}
