package workflow

import "context"

// ExecuteRequest is the single request contract to the agent runtime. The
// runtime's internal tool-execution loop is opaque to the engine.
type ExecuteRequest struct {
	Prompt         string         `json:"prompt"`
	Model          string         `json:"model,omitempty"`
	MaxTurns       int            `json:"max_turns,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	OutputSchema   map[string]any `json:"output_schema,omitempty"`
}

// ExecuteResult is what one agent execution produced.
type ExecuteResult struct {
	Output          any     `json:"output"`
	CostUSD         float64 `json:"cost_usd"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// AgentRuntime dispatches one step execution to the external sandboxed agent
// process. Implementations must be idempotent-safe to retry: the engine
// retries on any error. Timeouts are enforced at this boundary and surface
// as ordinary errors.
type AgentRuntime interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// Storage is the blob collaborator behind {storage.*} template references
// and final-output persistence.
type Storage interface {
	// Read returns the bytes at path, or found=false when absent.
	Read(ctx context.Context, path string) (data []byte, found bool, err error)
	Write(ctx context.Context, path string, data []byte) error
}

// RunStore persists run state. The executor saves after every stage so
// external observers see incremental progress; they poll or stream from the
// store, never from the executor.
type RunStore interface {
	Save(ctx context.Context, rc *RunContext) error
	Load(ctx context.Context, runID string) (*RunContext, error)
}

// Event is the payload handed to the webhook dispatcher exactly once per
// terminal run transition. Delivery retries and signing belong to the
// dispatcher.
type Event struct {
	Event           string         `json:"event"`
	RunID           string         `json:"run_id"`
	Status          RunStatus      `json:"status"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
	DurationSeconds float64        `json:"duration_seconds"`
	Error           string         `json:"error,omitempty"`
}

// WebhookDispatcher delivers terminal-state events to configured hooks.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, hook HookConfig, event Event)
}

// ModelSelector is consulted before dispatch for steps that declare an SLO,
// overriding the step's static model. Implementations must be side-effect
// free.
type ModelSelector interface {
	SelectModel(step *StepDefinition, rc *RunContext) string
}

// PolicyAction is the outcome of output policy evaluation.
type PolicyAction string

const (
	PolicyAllow  PolicyAction = "allow"
	PolicyRedact PolicyAction = "redact"
	PolicyBlock  PolicyAction = "block"
)

// PolicyDecision carries the action and, for redact, the replacement output.
type PolicyDecision struct {
	Action         PolicyAction
	ModifiedOutput any
}

// PolicyEvaluator inspects a completed step's output before it is recorded.
// Implementations must be side-effect free.
type PolicyEvaluator interface {
	Evaluate(output any) PolicyDecision
}
