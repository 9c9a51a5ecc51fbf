package workflow

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a whole run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"

	// RunPartial means at least one step was skipped (or failed under a
	// skip policy) but the run was allowed to finish.
	RunPartial RunStatus = "partial"

	RunBudgetExceeded RunStatus = "budget_exceeded"
	RunCancelled      RunStatus = "cancelled"
)

// IsTerminal reports whether the run status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunPartial, RunBudgetExceeded, RunCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single step attempt or of a step's
// logical outcome.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step status is final.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// StepResult is one attempt's audit record. Retries append new entries with
// an incremented Attempt; a terminal entry is never mutated afterwards.
type StepResult struct {
	StepID          string     `json:"step_id"`
	ParallelIndex   *int       `json:"parallel_index,omitempty"`
	Status          StepStatus `json:"status"`
	Attempt         int        `json:"attempt"`
	Fallback        bool       `json:"fallback,omitempty"`
	Output          any        `json:"output,omitempty"`
	CostUSD         float64    `json:"cost_usd"`
	DurationSeconds float64    `json:"duration_seconds"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      time.Time  `json:"finished_at"`
}

// RunContext is the mutable state of one run. It is owned exclusively by the
// run's Executor for the run's lifetime; collaborators observe it only
// through RunStore snapshots saved after every stage.
type RunContext struct {
	RunID        string         `json:"run_id"`
	WorkflowName string         `json:"workflow_name"`
	Status       RunStatus      `json:"status"`
	Input        map[string]any `json:"input,omitempty"`

	// StepOutputs maps step ID to its output, or to a []any in declaration
	// index order for fan-out steps. Entries are append-only: once a step
	// reaches a terminal state its output is never re-mutated within the
	// run, which keeps downstream template resolution deterministic.
	StepOutputs map[string]any `json:"step_outputs"`

	// StepStates maps step ID to its logical terminal state. Seeded entries
	// (replay prefix, resumed stages) are not re-dispatched.
	StepStates map[string]StepStatus `json:"step_states"`

	// Results is the full audit trail, one entry per attempt.
	Results []StepResult `json:"results"`

	TotalCostUSD float64 `json:"total_cost_usd"`
	// BudgetUSD is the cost ceiling for this run (0 = unlimited).
	BudgetUSD float64 `json:"budget_usd,omitempty"`

	// CompletedStages counts stages that finished and were persisted. A
	// re-delivered run resumes after this prefix instead of re-dispatching.
	CompletedStages int `json:"completed_stages"`

	// LastError describes why the run reached a failure-adjacent state.
	LastError string `json:"last_error,omitempty"`

	// Lineage pointers, set only by the replay controller.
	ParentRunID    string `json:"parent_run_id,omitempty"`
	ReplayFromStep string `json:"replay_from_step,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewRunContext creates a fresh queued run for a workflow.
func NewRunContext(workflowName string, input map[string]any, budgetUSD float64) *RunContext {
	now := time.Now().UTC()
	return &RunContext{
		RunID:        uuid.New().String(),
		WorkflowName: workflowName,
		Status:       RunQueued,
		Input:        input,
		StepOutputs:  make(map[string]any),
		StepStates:   make(map[string]StepStatus),
		BudgetUSD:    budgetUSD,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// SetOutput records a step's terminal output. Existing outputs are kept
// as-is: terminal step state is append-only within a run.
func (rc *RunContext) SetOutput(stepID string, output any) {
	if _, exists := rc.StepOutputs[stepID]; exists {
		return
	}
	rc.StepOutputs[stepID] = output
}

// StepState returns the recorded logical state for a step.
func (rc *RunContext) StepState(stepID string) (StepStatus, bool) {
	s, ok := rc.StepStates[stepID]
	return s, ok
}

// AppendResult adds an attempt record to the audit trail.
func (rc *RunContext) AppendResult(r StepResult) {
	rc.Results = append(rc.Results, r)
	rc.UpdatedAt = time.Now().UTC()
}

// TerminalResults returns the last (terminal) result per step and fan-out
// index, excluding superseded retry attempts.
func (rc *RunContext) TerminalResults() []StepResult {
	type key struct {
		id    string
		index int
		fb    bool
	}
	latest := make(map[key]int)
	for i, r := range rc.Results {
		if !r.Status.IsTerminal() {
			continue
		}
		idx := -1
		if r.ParallelIndex != nil {
			idx = *r.ParallelIndex
		}
		latest[key{r.StepID, idx, r.Fallback}] = i
	}
	out := make([]StepResult, 0, len(latest))
	for i, r := range rc.Results {
		if !r.Status.IsTerminal() {
			continue
		}
		idx := -1
		if r.ParallelIndex != nil {
			idx = *r.ParallelIndex
		}
		if latest[key{r.StepID, idx, r.Fallback}] == i {
			out = append(out, r)
		}
	}
	return out
}

// HasSkips reports whether any step ended skipped.
func (rc *RunContext) HasSkips() bool {
	for _, s := range rc.StepStates {
		if s == StepSkipped {
			return true
		}
	}
	return false
}

// Duration returns wall time from creation to finish (or until now for a
// live run).
func (rc *RunContext) Duration() time.Duration {
	end := rc.FinishedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(rc.CreatedAt)
}
