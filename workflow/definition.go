package workflow

// BackoffKind selects how retry delays grow between attempts.
type BackoffKind string

const (
	// BackoffExponential doubles the delay after each failed attempt.
	BackoffExponential BackoffKind = "exponential"
	// BackoffFixed waits the same delay between every attempt.
	BackoffFixed BackoffKind = "fixed"
)

// FailurePolicy decides what happens after a step exhausts its retries.
type FailurePolicy string

const (
	// FailureAbort marks the run failed and stops before the next stage.
	FailureAbort FailurePolicy = "abort"
	// FailureSkip marks the step skipped and lets the run continue.
	FailureSkip FailurePolicy = "skip"
	// FailureFallback dispatches the step's fallback definition instead.
	FailureFallback FailurePolicy = "fallback"
)

// RetryPolicy configures retry behavior for a single step.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// Backoff selects the delay growth strategy.
	Backoff BackoffKind `yaml:"backoff" json:"backoff"`
	// BaseDelayMs is the initial delay between attempts in milliseconds.
	BaseDelayMs int `yaml:"base_delay_ms" json:"base_delay_ms"`
	// OnFailure is applied once all attempts are exhausted.
	OnFailure FailurePolicy `yaml:"on_failure" json:"on_failure"`
}

// FallbackDefinition is the substitute execution dispatched when a step with
// on_failure: fallback exhausts its retries. It runs with abort semantics.
type FallbackDefinition struct {
	Prompt         string `yaml:"prompt" json:"prompt"`
	Model          string `yaml:"model,omitempty" json:"model,omitempty"`
	MaxTurns       int    `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// SLOConfig declares service-level objectives for a step. When present, the
// executor consults the configured ModelSelector before dispatch instead of
// using the step's static model.
type SLOConfig struct {
	// MaxLatencySeconds is the target upper bound for step duration.
	MaxLatencySeconds int `yaml:"max_latency_seconds,omitempty" json:"max_latency_seconds,omitempty"`
	// Quality is a free-form tier hint ("draft", "standard", "best").
	Quality string `yaml:"quality,omitempty" json:"quality,omitempty"`
	// MaxCostUSD is the target upper bound for step spend.
	MaxCostUSD float64 `yaml:"max_cost_usd,omitempty" json:"max_cost_usd,omitempty"`
}

// StepDefinition describes one node of the workflow graph.
type StepDefinition struct {
	// ID uniquely identifies the step within the workflow.
	ID string `yaml:"id" json:"id"`
	// Prompt is the raw prompt template sent to the agent runtime after
	// resolution against the run state.
	Prompt string `yaml:"prompt" json:"prompt"`
	// DependsOn lists step IDs that must reach a terminal state first.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// ParallelOver is a template path selecting a list value from run state.
	// When set, the step fans out into one execution per list element.
	ParallelOver string `yaml:"parallel_over,omitempty" json:"parallel_over,omitempty"`
	// OutputSchema optionally constrains the agent runtime's output shape.
	OutputSchema map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	// Retry configures retry and terminal-failure handling.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	// Fallback is dispatched in place of the step when OnFailure is fallback.
	Fallback *FallbackDefinition `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	// Model overrides the workflow default model.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`
	// MaxTurns overrides the workflow default turn limit.
	MaxTurns int `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	// TimeoutSeconds overrides the workflow default step timeout.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	// EstimatedCostUSD is the expected spend of one execution, used for
	// budget projection before a stage is entered.
	EstimatedCostUSD float64 `yaml:"estimated_cost_usd,omitempty" json:"estimated_cost_usd,omitempty"`
	// SLO enables model selection through the ModelSelector hook.
	SLO *SLOConfig `yaml:"slo,omitempty" json:"slo,omitempty"`
}

// IsFanOut reports whether the step expands into per-item executions.
func (s *StepDefinition) IsFanOut() bool {
	return s.ParallelOver != ""
}

// Defaults carries workflow-level fallbacks for per-step settings.
type Defaults struct {
	Model          string `yaml:"model,omitempty" json:"model,omitempty"`
	MaxTurns       int    `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// HookConfig describes a webhook fired on a run's terminal transition.
type HookConfig struct {
	URL    string `yaml:"url" json:"url"`
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`
}

// WorkflowDefinition is the parsed, validated, immutable workflow document.
type WorkflowDefinition struct {
	// Name identifies the workflow.
	Name string `yaml:"name" json:"name"`
	// Steps in document order. Order matters: within-stage dispatch order
	// is insertion order so logs and tests stay reproducible.
	Steps []StepDefinition `yaml:"steps" json:"steps"`
	// Defaults apply to steps that do not override them.
	Defaults Defaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	// BudgetUSD is the run-level cost ceiling (0 = unlimited).
	BudgetUSD float64 `yaml:"budget_usd,omitempty" json:"budget_usd,omitempty"`
	// OnComplete is invoked when a run reaches completed or partial.
	OnComplete *HookConfig `yaml:"on_complete,omitempty" json:"on_complete,omitempty"`
	// OnFailure is invoked when a run reaches a failure-adjacent state.
	OnFailure *HookConfig `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	// Schedule is an optional cron expression consumed by the scheduler;
	// the engine itself never reads it.
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

// Step returns the step definition with the given ID.
func (d *WorkflowDefinition) Step(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StepModel resolves the effective model for a step.
func (d *WorkflowDefinition) StepModel(s *StepDefinition) string {
	if s.Model != "" {
		return s.Model
	}
	return d.Defaults.Model
}

// StepMaxTurns resolves the effective turn limit for a step.
func (d *WorkflowDefinition) StepMaxTurns(s *StepDefinition) int {
	if s.MaxTurns > 0 {
		return s.MaxTurns
	}
	return d.Defaults.MaxTurns
}

// StepTimeout resolves the effective timeout in seconds for a step.
func (d *WorkflowDefinition) StepTimeout(s *StepDefinition) int {
	if s.TimeoutSeconds > 0 {
		return s.TimeoutSeconds
	}
	return d.Defaults.TimeoutSeconds
}

// StepRetry resolves the effective retry policy for a step. Steps without an
// explicit policy get a single attempt with abort semantics.
func (d *WorkflowDefinition) StepRetry(s *StepDefinition) RetryPolicy {
	if s.Retry != nil {
		p := *s.Retry
		if p.MaxAttempts == 0 {
			p.MaxAttempts = 1
		}
		if p.Backoff == "" {
			p.Backoff = BackoffFixed
		}
		if p.OnFailure == "" {
			p.OnFailure = FailureAbort
		}
		return p
	}
	return RetryPolicy{MaxAttempts: 1, Backoff: BackoffFixed, OnFailure: FailureAbort}
}

// Clone returns a deep copy of the definition. Fork applies its overrides to
// a clone so the source definition stays immutable.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	out := *d
	out.Steps = make([]StepDefinition, len(d.Steps))
	copy(out.Steps, d.Steps)
	for i := range out.Steps {
		s := &out.Steps[i]
		s.DependsOn = append([]string(nil), s.DependsOn...)
		if s.Retry != nil {
			r := *s.Retry
			s.Retry = &r
		}
		if s.Fallback != nil {
			f := *s.Fallback
			s.Fallback = &f
		}
		if s.SLO != nil {
			o := *s.SLO
			s.SLO = &o
		}
		if s.OutputSchema != nil {
			schema := make(map[string]any, len(s.OutputSchema))
			for k, v := range s.OutputSchema {
				schema[k] = v
			}
			s.OutputSchema = schema
		}
	}
	if d.OnComplete != nil {
		h := *d.OnComplete
		out.OnComplete = &h
	}
	if d.OnFailure != nil {
		h := *d.OnFailure
		out.OnFailure = &h
	}
	return &out
}
