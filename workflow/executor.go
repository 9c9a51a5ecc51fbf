package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stagehand-ai/stagehand/types"
)

// defaultBaseDelay is used when a retry policy omits base_delay_ms.
const defaultBaseDelay = 500 * time.Millisecond

// Metrics receives execution observations. The zero implementation is a
// no-op; internal/metrics provides a Prometheus-backed one.
type Metrics interface {
	RunFinished(workflow string, status RunStatus, duration time.Duration, costUSD float64)
	StepFinished(workflow string, status StepStatus, duration time.Duration, costUSD float64)
	BudgetExceeded(workflow string)
}

type noopMetrics struct{}

func (noopMetrics) RunFinished(string, RunStatus, time.Duration, float64)   {}
func (noopMetrics) StepFinished(string, StepStatus, time.Duration, float64) {}
func (noopMetrics) BudgetExceeded(string)                                   {}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxParallel bounds concurrent task dispatch within a stage
// (0 = unbounded).
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) { e.maxParallel = n }
}

// WithWebhooks sets the terminal-event dispatcher.
func WithWebhooks(d WebhookDispatcher) ExecutorOption {
	return func(e *Executor) { e.webhooks = d }
}

// WithModelSelector sets the SLO-driven model selection hook.
func WithModelSelector(s ModelSelector) ExecutorOption {
	return func(e *Executor) { e.selector = s }
}

// WithPolicyEvaluator sets the output policy hook.
func WithPolicyEvaluator(p PolicyEvaluator) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// Executor drives runs through their execution plan, stage by stage. A run's
// RunContext is owned exclusively by the executing call for the run's
// lifetime; different runs are fully independent.
type Executor struct {
	runtime  AgentRuntime
	store    RunStore
	storage  Storage
	planner  *Planner
	resolver *Resolver

	webhooks WebhookDispatcher
	selector ModelSelector
	policy   PolicyEvaluator
	metrics  Metrics

	maxParallel int
	logger      *zap.Logger
	tracer      trace.Tracer

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor over the given collaborators. storage may
// be nil when workflows use no {storage.*} references.
func NewExecutor(runtime AgentRuntime, store RunStore, storage Storage, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		runtime:  runtime,
		store:    store,
		storage:  storage,
		planner:  NewPlanner(),
		resolver: NewResolver(storage),
		metrics:  noopMetrics{},
		logger:   logger.With(zap.String("component", "executor")),
		tracer:   otel.Tracer("stagehand/workflow"),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute drives rc through def's plan until a terminal state. Run-level
// failures (aborts, budget, cancellation) are encoded in rc.Status; the
// returned error reports only infrastructure problems such as a failing run
// store.
func (e *Executor) Execute(ctx context.Context, def *WorkflowDefinition, rc *RunContext) error {
	plan, err := e.planner.Plan(def)
	if err != nil {
		rc.Status = RunFailed
		rc.LastError = err.Error()
		return e.finish(ctx, def, rc)
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("run.id", rc.RunID),
			attribute.String("workflow.name", rc.WorkflowName),
		))
	defer span.End()

	logger := e.logger.With(zap.String("run_id", rc.RunID), zap.String("workflow", rc.WorkflowName))
	logger.Info("run started",
		zap.Int("stages", len(plan.Stages)),
		zap.Int("steps", plan.StepCount()),
		zap.Int("resume_from_stage", rc.CompletedStages),
	)

	rc.Status = RunRunning
	if rc.BudgetUSD == 0 {
		rc.BudgetUSD = def.BudgetUSD
	}
	// Saves must outlive the run context: a cancelled run still has to
	// record the stages that ran and its terminal status, otherwise a
	// redelivered job would resume past the cancellation.
	persistCtx := context.WithoutCancel(ctx)
	if err := e.persist(persistCtx, rc); err != nil {
		return err
	}

	for stageIdx, stage := range plan.Stages {
		// Idempotent stage re-entry: a stage already persisted as complete
		// is not re-dispatched when the transport re-delivers the job.
		if stageIdx < rc.CompletedStages {
			continue
		}

		// Cancellation is honored between stages only; in-flight tasks of
		// the current stage always run to completion.
		if ctx.Err() != nil {
			rc.Status = RunCancelled
			rc.LastError = "cancellation requested between stages"
			logger.Warn("run cancelled", zap.Int("stage", stageIdx))
			break
		}

		if over, detail := e.budgetBlocked(def, rc, stage); over {
			rc.Status = RunBudgetExceeded
			rc.LastError = detail
			e.metrics.BudgetExceeded(rc.WorkflowName)
			logger.Warn("budget ceiling reached", zap.Int("stage", stageIdx), zap.String("detail", detail))
			break
		}

		aborted := e.runStage(ctx, def, rc, stageIdx, stage, logger)
		rc.CompletedStages = stageIdx + 1
		if err := e.persist(persistCtx, rc); err != nil {
			return err
		}
		if aborted {
			rc.Status = RunFailed
			break
		}
	}

	if !rc.Status.IsTerminal() {
		switch {
		case rc.BudgetUSD > 0 && rc.TotalCostUSD > rc.BudgetUSD:
			rc.Status = RunBudgetExceeded
			rc.LastError = fmt.Sprintf("total cost $%.4f exceeded budget $%.4f", rc.TotalCostUSD, rc.BudgetUSD)
			e.metrics.BudgetExceeded(rc.WorkflowName)
		case rc.HasSkips():
			rc.Status = RunPartial
		default:
			rc.Status = RunCompleted
		}
	}

	return e.finish(ctx, def, rc)
}

// budgetBlocked reports whether the next stage must not be entered: either
// actual spend already exceeds the ceiling, or spend projected from the
// stage's estimated step costs would.
func (e *Executor) budgetBlocked(def *WorkflowDefinition, rc *RunContext, stage []string) (bool, string) {
	if rc.BudgetUSD <= 0 {
		return false, ""
	}
	if rc.TotalCostUSD > rc.BudgetUSD {
		return true, fmt.Sprintf("total cost $%.4f exceeds budget $%.4f", rc.TotalCostUSD, rc.BudgetUSD)
	}
	projected := rc.TotalCostUSD
	for _, id := range stage {
		if st, ok := rc.StepStates[id]; ok && st.IsTerminal() {
			continue
		}
		if step, ok := def.Step(id); ok {
			projected += step.EstimatedCostUSD
		}
	}
	if projected > rc.BudgetUSD {
		return true, fmt.Sprintf("projected cost $%.4f exceeds budget $%.4f", projected, rc.BudgetUSD)
	}
	return false, ""
}

// stepTask is one dispatchable unit: a simple step, or one fan-out index.
type stepTask struct {
	step  *StepDefinition
	index int // fan-out index, -1 for simple steps
	item  any
}

func (t *stepTask) scope() *FanOutScope {
	if t.index < 0 {
		return nil
	}
	return &FanOutScope{StepID: t.step.ID, Index: t.index, Item: t.item}
}

// taskOutcome is a task's terminal result after retries and fallback.
type taskOutcome struct {
	index  int
	status StepStatus
	output any
	abort  bool
	errMsg string
}

// runStage materializes, dispatches, and settles one stage. It returns true
// when an abort-policy terminal failure occurred.
func (e *Executor) runStage(ctx context.Context, def *WorkflowDefinition, rc *RunContext, stageIdx int, stage []string, logger *zap.Logger) bool {
	ctx, span := e.tracer.Start(ctx, "workflow.stage",
		trace.WithAttributes(attribute.Int("stage.index", stageIdx)))
	defer span.End()

	var mu sync.Mutex
	aborted := false
	tasksByStep := make(map[string][]*stepTask)
	fanOutSize := make(map[string]int)

	for _, id := range stage {
		if st, ok := rc.StepStates[id]; ok && st.IsTerminal() {
			// Seeded by replay or a resumed partial stage.
			continue
		}
		step, _ := def.Step(id)

		// Skip is infectious: a task whose any dependency was skipped is
		// itself skipped without dispatch, so downstream templates never
		// resolve against a missing output.
		if e.dependencySkipped(rc, step) {
			e.markSkipped(rc, step, "upstream dependency skipped")
			logger.Info("step skipped", zap.String("step_id", id), zap.String("reason", "dependency skipped"))
			continue
		}

		if step.IsFanOut() {
			// parallel_over resolves per-stage, not at plan time: earlier
			// stages may have produced the list.
			items, err := e.resolver.ResolveList(ctx, step.ParallelOver, rc)
			if err != nil {
				if e.settleMaterializeFailure(ctx, def, rc, step, err, &mu, logger) {
					aborted = true
				}
				continue
			}
			if len(items) == 0 {
				// An empty list is a valid fan-out: zero executions, an
				// empty output list downstream.
				rc.SetOutput(id, []any{})
				rc.StepStates[id] = StepCompleted
				continue
			}
			fanOutSize[id] = len(items)
			for i, item := range items {
				tasksByStep[id] = append(tasksByStep[id], &stepTask{step: step, index: i, item: item})
			}
		} else {
			tasksByStep[id] = []*stepTask{{step: step, index: -1}}
		}
	}

	// Dispatch every task in the stage concurrently, bounded by the
	// configured ceiling. Failures are collected, never propagated through
	// the group: one task's failure must not abort its stage siblings.
	outcomes := make(map[string][]taskOutcome)
	g := &errgroup.Group{}
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	// In-flight tasks survive run cancellation; the stage boundary is the
	// only cancellation point.
	taskCtx := context.WithoutCancel(ctx)

	for id, tasks := range tasksByStep {
		id := id
		for _, t := range tasks {
			t := t
			g.Go(func() error {
				out := e.runTask(taskCtx, def, rc, t, &mu, logger)
				mu.Lock()
				outcomes[id] = append(outcomes[id], out)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	// Settle logical step states and outputs in declaration order.
	for _, id := range stage {
		taskOuts, ok := outcomes[id]
		if !ok {
			continue
		}
		step, _ := def.Step(id)
		if step.IsFanOut() {
			if e.settleFanOut(rc, step, taskOuts, fanOutSize[id], logger) {
				aborted = true
			}
		} else {
			out := taskOuts[0]
			switch out.status {
			case StepCompleted:
				rc.SetOutput(id, out.output)
				rc.StepStates[id] = StepCompleted
			case StepSkipped:
				rc.StepStates[id] = StepSkipped
			default:
				rc.StepStates[id] = StepFailed
				rc.LastError = out.errMsg
				if out.abort {
					aborted = true
				}
			}
		}
	}

	logger.Info("stage finished",
		zap.Int("stage", stageIdx),
		zap.Int("steps", len(stage)),
		zap.Float64("total_cost_usd", rc.TotalCostUSD),
		zap.Bool("aborted", aborted),
	)
	return aborted
}

// settleFanOut assembles a fan-out step's per-index outputs into a single
// list in declaration index order and derives the step's logical state.
func (e *Executor) settleFanOut(rc *RunContext, step *StepDefinition, outs []taskOutcome, size int, logger *zap.Logger) bool {
	list := make([]any, size)
	failed := false
	abort := false
	skipped := false
	var lastErr string
	for _, out := range outs {
		switch out.status {
		case StepCompleted:
			list[out.index] = out.output
		case StepSkipped:
			skipped = true
		default:
			failed = true
			lastErr = out.errMsg
			if out.abort {
				abort = true
			}
		}
	}
	switch {
	case abort || failed:
		// An incomplete list must never feed downstream resolution.
		rc.StepStates[step.ID] = StepFailed
		rc.LastError = lastErr
		logger.Warn("fan-out step failed", zap.String("step_id", step.ID), zap.String("error", lastErr))
		return abort
	case skipped:
		rc.StepStates[step.ID] = StepSkipped
		return false
	default:
		rc.SetOutput(step.ID, list)
		rc.StepStates[step.ID] = StepCompleted
		return false
	}
}

// settleMaterializeFailure applies a step's failure policy when fan-out
// materialization itself failed. Missing references at this point are
// terminal: the stage's dependencies have already settled, so the value can
// no longer appear.
func (e *Executor) settleMaterializeFailure(ctx context.Context, def *WorkflowDefinition, rc *RunContext, step *StepDefinition, cause error, mu *sync.Mutex, logger *zap.Logger) bool {
	now := time.Now().UTC()
	mu.Lock()
	rc.AppendResult(StepResult{
		StepID:     step.ID,
		Status:     StepFailed,
		Attempt:    1,
		Error:      cause.Error(),
		StartedAt:  now,
		FinishedAt: now,
	})
	mu.Unlock()

	policy := def.StepRetry(step)
	switch policy.OnFailure {
	case FailureSkip:
		e.markSkipped(rc, step, cause.Error())
		return false
	case FailureFallback:
		out := e.runFallback(ctx, def, rc, &stepTask{step: step, index: -1}, mu, logger)
		if out.status == StepCompleted {
			rc.SetOutput(step.ID, out.output)
			rc.StepStates[step.ID] = StepCompleted
			return false
		}
		rc.StepStates[step.ID] = StepFailed
		rc.LastError = out.errMsg
		return true
	default:
		rc.StepStates[step.ID] = StepFailed
		rc.LastError = cause.Error()
		return true
	}
}

func (e *Executor) dependencySkipped(rc *RunContext, step *StepDefinition) bool {
	for _, dep := range step.DependsOn {
		if rc.StepStates[dep] == StepSkipped {
			return true
		}
	}
	return false
}

func (e *Executor) markSkipped(rc *RunContext, step *StepDefinition, reason string) {
	now := time.Now().UTC()
	rc.StepStates[step.ID] = StepSkipped
	rc.AppendResult(StepResult{
		StepID:     step.ID,
		Status:     StepSkipped,
		Error:      reason,
		StartedAt:  now,
		FinishedAt: now,
	})
	e.metrics.StepFinished(rc.WorkflowName, StepSkipped, 0, 0)
}

// runTask executes one task through its retry policy and, on terminal
// failure, its failure policy. All spend is charged to the run, including
// failed attempts and fallback executions.
func (e *Executor) runTask(ctx context.Context, def *WorkflowDefinition, rc *RunContext, t *stepTask, mu *sync.Mutex, logger *zap.Logger) taskOutcome {
	policy := def.StepRetry(t.step)
	scope := t.scope()
	baseDelay := defaultBaseDelay
	if policy.BaseDelayMs > 0 {
		baseDelay = time.Duration(policy.BaseDelayMs) * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := e.attempt(ctx, def, rc, t, attempt, scope, mu)
		if err == nil {
			return taskOutcome{index: t.index, status: StepCompleted, output: result}
		}
		lastErr = err

		if !types.IsRetryable(err) {
			break
		}
		if attempt < policy.MaxAttempts {
			delay := baseDelay
			if policy.Backoff == BackoffExponential {
				delay = baseDelay << (attempt - 1)
			}
			logger.Warn("step attempt failed, retrying",
				zap.String("step_id", t.step.ID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
				break
			}
		}
	}

	// Terminal failure: apply the step's failure policy.
	switch policy.OnFailure {
	case FailureSkip:
		mu.Lock()
		e.markSkipped(rc, t.step, lastErr.Error())
		mu.Unlock()
		return taskOutcome{index: t.index, status: StepSkipped, errMsg: lastErr.Error()}
	case FailureFallback:
		return e.runFallback(ctx, def, rc, t, mu, logger)
	default:
		return taskOutcome{index: t.index, status: StepFailed, abort: true, errMsg: lastErr.Error()}
	}
}

// attempt performs one dispatch: template resolution, model selection, the
// runtime call, and policy evaluation. It appends exactly one StepResult.
func (e *Executor) attempt(ctx context.Context, def *WorkflowDefinition, rc *RunContext, t *stepTask, attempt int, scope *FanOutScope, mu *sync.Mutex) (any, error) {
	start := time.Now().UTC()
	record := func(status StepStatus, output any, costUSD float64, errMsg string) {
		res := StepResult{
			StepID:          t.step.ID,
			Status:          status,
			Attempt:         attempt,
			Output:          output,
			CostUSD:         costUSD,
			DurationSeconds: time.Since(start).Seconds(),
			Error:           errMsg,
			StartedAt:       start,
			FinishedAt:      time.Now().UTC(),
		}
		if t.index >= 0 {
			idx := t.index
			res.ParallelIndex = &idx
		}
		mu.Lock()
		rc.AppendResult(res)
		rc.TotalCostUSD += costUSD
		mu.Unlock()
		e.metrics.StepFinished(rc.WorkflowName, status, time.Since(start), costUSD)
	}

	prompt, err := e.resolver.Resolve(ctx, t.step.Prompt, rc, scope)
	if err != nil {
		// Stage dependencies have settled, so the reference cannot appear
		// later within this run: terminal, not retried.
		record(StepFailed, nil, 0, err.Error())
		return nil, err
	}

	model := def.StepModel(t.step)
	if t.step.SLO != nil && e.selector != nil {
		model = e.selector.SelectModel(t.step, rc)
	}

	res, err := e.runtime.Execute(ctx, ExecuteRequest{
		Prompt:         prompt,
		Model:          model,
		MaxTurns:       def.StepMaxTurns(t.step),
		TimeoutSeconds: def.StepTimeout(t.step),
		OutputSchema:   t.step.OutputSchema,
	})
	if err != nil {
		record(StepFailed, nil, 0, err.Error())
		return nil, types.NewError(types.ErrRuntimeFailure, "agent runtime dispatch failed").
			WithStep(t.step.ID).WithRetryable(true).WithCause(err)
	}

	output := res.Output
	if e.policy != nil {
		decision := e.policy.Evaluate(output)
		switch decision.Action {
		case PolicyRedact:
			output = decision.ModifiedOutput
		case PolicyBlock:
			// The execution still cost money; charge it.
			blockErr := types.NewError(types.ErrPolicyBlocked, "output blocked by policy").WithStep(t.step.ID)
			record(StepFailed, nil, res.CostUSD, blockErr.Error())
			return nil, blockErr
		}
	}

	record(StepCompleted, output, res.CostUSD, "")
	return output, nil
}

// runFallback dispatches the step's fallback definition once, with abort
// semantics on failure.
func (e *Executor) runFallback(ctx context.Context, def *WorkflowDefinition, rc *RunContext, t *stepTask, mu *sync.Mutex, logger *zap.Logger) taskOutcome {
	fb := t.step.Fallback
	if fb == nil {
		return taskOutcome{index: t.index, status: StepFailed, abort: true, errMsg: "fallback policy without fallback definition"}
	}
	start := time.Now().UTC()
	record := func(status StepStatus, output any, costUSD float64, errMsg string) {
		res := StepResult{
			StepID:          t.step.ID,
			Status:          status,
			Attempt:         1,
			Fallback:        true,
			Output:          output,
			CostUSD:         costUSD,
			DurationSeconds: time.Since(start).Seconds(),
			Error:           errMsg,
			StartedAt:       start,
			FinishedAt:      time.Now().UTC(),
		}
		if t.index >= 0 {
			idx := t.index
			res.ParallelIndex = &idx
		}
		mu.Lock()
		rc.AppendResult(res)
		rc.TotalCostUSD += costUSD
		mu.Unlock()
		e.metrics.StepFinished(rc.WorkflowName, status, time.Since(start), costUSD)
	}

	prompt, err := e.resolver.Resolve(ctx, fb.Prompt, rc, t.scope())
	if err != nil {
		record(StepFailed, nil, 0, err.Error())
		return taskOutcome{index: t.index, status: StepFailed, abort: true, errMsg: err.Error()}
	}

	model := fb.Model
	if model == "" {
		model = def.StepModel(t.step)
	}
	maxTurns := fb.MaxTurns
	if maxTurns == 0 {
		maxTurns = def.StepMaxTurns(t.step)
	}
	timeout := fb.TimeoutSeconds
	if timeout == 0 {
		timeout = def.StepTimeout(t.step)
	}

	logger.Info("dispatching fallback", zap.String("step_id", t.step.ID))
	res, err := e.runtime.Execute(ctx, ExecuteRequest{
		Prompt:         prompt,
		Model:          model,
		MaxTurns:       maxTurns,
		TimeoutSeconds: timeout,
	})
	if err != nil {
		record(StepFailed, nil, 0, err.Error())
		return taskOutcome{index: t.index, status: StepFailed, abort: true, errMsg: err.Error()}
	}
	record(StepCompleted, res.Output, res.CostUSD, "")
	return taskOutcome{index: t.index, status: StepCompleted, output: res.Output}
}

func (e *Executor) persist(ctx context.Context, rc *RunContext) error {
	rc.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(ctx, rc); err != nil {
		e.logger.Error("failed to persist run state", zap.String("run_id", rc.RunID), zap.Error(err))
		return types.NewError(types.ErrInternalError, "persist run state").WithCause(err)
	}
	return nil
}

// finish records the terminal state, archives outputs, and fires the
// terminal webhook exactly once.
func (e *Executor) finish(ctx context.Context, def *WorkflowDefinition, rc *RunContext) error {
	// The run context may already be cancelled here; the terminal save,
	// the outputs archive, and the webhook still have to happen.
	ctx = context.WithoutCancel(ctx)
	rc.FinishedAt = time.Now().UTC()
	err := e.persist(ctx, rc)

	e.metrics.RunFinished(rc.WorkflowName, rc.Status, rc.Duration(), rc.TotalCostUSD)
	e.logger.Info("run finished",
		zap.String("run_id", rc.RunID),
		zap.String("status", string(rc.Status)),
		zap.Float64("total_cost_usd", rc.TotalCostUSD),
		zap.Duration("duration", rc.Duration()),
	)

	e.archiveOutputs(ctx, rc)
	e.fireWebhook(ctx, def, rc)
	return err
}

// archiveOutputs writes the run's final outputs through the storage
// collaborator. Best effort: an archive failure never changes run status.
func (e *Executor) archiveOutputs(ctx context.Context, rc *RunContext) {
	if e.storage == nil || len(rc.StepOutputs) == 0 {
		return
	}
	data, err := json.Marshal(rc.StepOutputs)
	if err != nil {
		return
	}
	path := fmt.Sprintf("runs/%s/outputs.json", rc.RunID)
	if err := e.storage.Write(ctx, path, data); err != nil {
		e.logger.Warn("failed to archive run outputs", zap.String("run_id", rc.RunID), zap.Error(err))
	}
}

func (e *Executor) fireWebhook(ctx context.Context, def *WorkflowDefinition, rc *RunContext) {
	if e.webhooks == nil {
		return
	}
	var hook *HookConfig
	switch rc.Status {
	case RunCompleted, RunPartial:
		hook = def.OnComplete
	default:
		hook = def.OnFailure
	}
	if hook == nil {
		return
	}
	e.webhooks.Dispatch(ctx, *hook, Event{
		Event:           "run." + string(rc.Status),
		RunID:           rc.RunID,
		Status:          rc.Status,
		Outputs:         rc.StepOutputs,
		TotalCostUSD:    rc.TotalCostUSD,
		DurationSeconds: rc.Duration().Seconds(),
		Error:           rc.LastError,
	})
}
