package workflow

import (
	"context"
	"sync"
)

// CancelRegistry tracks the cancel functions of runs executing in this
// process. The API's cancel endpoint uses it to interrupt an active run;
// the executor then observes the cancellation at the next stage boundary.
type CancelRegistry struct {
	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{runs: make(map[string]context.CancelFunc)}
}

// Register records the cancel function for an executing run. The caller must
// Unregister when the run finishes.
func (r *CancelRegistry) Register(runID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = cancel
}

// Unregister removes a run from the registry.
func (r *CancelRegistry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Cancel invokes the run's cancel function if it executes in this process.
// It reports whether the run was found.
func (r *CancelRegistry) Cancel(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.runs[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active reports how many runs are currently registered.
func (r *CancelRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
