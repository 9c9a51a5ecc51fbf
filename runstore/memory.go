package runstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stagehand-ai/stagehand/types"
	"github.com/stagehand-ai/stagehand/workflow"
)

// MemoryStore keeps run snapshots in process memory. Suitable for tests and
// single-process development; state is lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string][]byte
}

// NewMemoryStore creates an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]byte)}
}

// Save stores a JSON snapshot of the run. Serializing decouples the stored
// copy from the executor's live RunContext.
func (s *MemoryStore) Save(_ context.Context, rc *workflow.RunContext) error {
	data, err := json.Marshal(rc)
	if err != nil {
		return types.NewError(types.ErrInternalError, "marshal run snapshot").WithCause(err)
	}
	s.mu.Lock()
	s.runs[rc.RunID] = data
	s.mu.Unlock()
	return nil
}

// Load returns the latest snapshot for runID.
func (s *MemoryStore) Load(_ context.Context, runID string) (*workflow.RunContext, error) {
	s.mu.RLock()
	data, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrRunNotFound, "run %s not found", runID)
	}
	var rc workflow.RunContext
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, types.NewError(types.ErrInternalError, "unmarshal run snapshot").WithCause(err)
	}
	return &rc, nil
}

// ListByStatus returns up to limit runs in the given status (0 = unbounded).
func (s *MemoryStore) ListByStatus(_ context.Context, status workflow.RunStatus, limit int) ([]*workflow.RunContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.RunContext, 0)
	for _, data := range s.runs {
		var rc workflow.RunContext
		if err := json.Unmarshal(data, &rc); err != nil {
			continue
		}
		if rc.Status != status {
			continue
		}
		out = append(out, &rc)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Delete removes a run snapshot.
func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
	return nil
}

var (
	_ workflow.RunStore = (*MemoryStore)(nil)
	_ Lister            = (*MemoryStore)(nil)
)
