package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/queue"
	"github.com/stagehand-ai/stagehand/types"
	"github.com/stagehand-ai/stagehand/workflow"
)

// entry is one registered recurring workflow.
type entry struct {
	def      *workflow.WorkflowDefinition
	input    map[string]any
	schedule Schedule
	next     time.Time
}

// Scheduler fires registered workflows on their schedules and submits each
// occurrence through the transport like any direct submission.
type Scheduler struct {
	transport queue.Transport
	store     workflow.RunStore
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry

	// now is swapped out in tests.
	now func() time.Time
}

// NewScheduler creates a scheduler submitting through transport. Each fired
// occurrence gets a fresh queued RunContext persisted before enqueue.
func NewScheduler(transport queue.Transport, store workflow.RunStore, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		transport: transport,
		store:     store,
		logger:    logger.With(zap.String("component", "scheduler")),
		entries:   make(map[string]*entry),
		now:       time.Now,
	}
}

// Register adds a workflow with a schedule expression. A workflow definition
// whose Schedule field is empty is rejected.
func (s *Scheduler) Register(def *workflow.WorkflowDefinition, input map[string]any) error {
	if def.Schedule == "" {
		return types.Errorf(types.ErrDefinitionInvalid, "workflow %s has no schedule expression", def.Name)
	}
	sched, err := Parse(def.Schedule)
	if err != nil {
		return types.NewError(types.ErrDefinitionInvalid, "parse schedule expression").WithCause(err)
	}
	s.mu.Lock()
	s.entries[def.Name] = &entry{
		def:      def,
		input:    input,
		schedule: sched,
		next:     sched.Next(s.now()),
	}
	s.mu.Unlock()
	s.logger.Info("workflow scheduled",
		zap.String("workflow", def.Name),
		zap.String("expression", def.Schedule),
	)
	return nil
}

// Unregister removes a workflow from the schedule.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
}

// Run fires entries until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue submits every entry whose fire time has arrived and advances it.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.IsZero() && !e.next.After(now) {
			due = append(due, e)
			e.next = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.submit(ctx, e)
	}
}

func (s *Scheduler) submit(ctx context.Context, e *entry) {
	rc := workflow.NewRunContext(e.def.Name, e.input, e.def.BudgetUSD)
	if err := s.store.Save(ctx, rc); err != nil {
		s.logger.Error("failed to persist scheduled run",
			zap.String("workflow", e.def.Name), zap.Error(err))
		return
	}
	if err := s.transport.Enqueue(ctx, queue.NewJob(rc.RunID, e.def)); err != nil {
		s.logger.Error("failed to enqueue scheduled run",
			zap.String("workflow", e.def.Name),
			zap.String("run_id", rc.RunID),
			zap.Error(err))
		return
	}
	s.logger.Info("scheduled run submitted",
		zap.String("workflow", e.def.Name),
		zap.String("run_id", rc.RunID),
	)
}
