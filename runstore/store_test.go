package runstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/types"
	"github.com/stagehand-ai/stagehand/workflow"
)

func sampleRun(name string) *workflow.RunContext {
	rc := workflow.NewRunContext(name, map[string]any{"topic": "geology"}, 2.50)
	rc.Status = workflow.RunRunning
	rc.StepOutputs["research"] = "findings"
	rc.StepStates["research"] = workflow.StepCompleted
	rc.AppendResult(workflow.StepResult{
		StepID:  "research",
		Status:  workflow.StepCompleted,
		Attempt: 1,
		CostUSD: 0.12,
	})
	rc.TotalCostUSD = 0.12
	rc.CompletedStages = 1
	return rc
}

// storeConformance exercises the behavior every backend must share.
func storeConformance(t *testing.T, store workflow.RunStore) {
	ctx := context.Background()

	t.Run("load missing run", func(t *testing.T) {
		_, err := store.Load(ctx, "no-such-run")
		require.Error(t, err)
		assert.Equal(t, types.ErrRunNotFound, types.GetErrorCode(err))
	})

	t.Run("save and load round trip", func(t *testing.T) {
		rc := sampleRun("trip")
		require.NoError(t, store.Save(ctx, rc))

		loaded, err := store.Load(ctx, rc.RunID)
		require.NoError(t, err)
		assert.Equal(t, rc.RunID, loaded.RunID)
		assert.Equal(t, workflow.RunRunning, loaded.Status)
		assert.Equal(t, "findings", loaded.StepOutputs["research"])
		assert.Equal(t, workflow.StepCompleted, loaded.StepStates["research"])
		assert.Equal(t, 1, loaded.CompletedStages)
		assert.InDelta(t, 0.12, loaded.TotalCostUSD, 1e-9)
		require.Len(t, loaded.Results, 1)
	})

	t.Run("save replaces earlier snapshot", func(t *testing.T) {
		rc := sampleRun("replace")
		require.NoError(t, store.Save(ctx, rc))

		rc.Status = workflow.RunCompleted
		rc.TotalCostUSD = 0.50
		require.NoError(t, store.Save(ctx, rc))

		loaded, err := store.Load(ctx, rc.RunID)
		require.NoError(t, err)
		assert.Equal(t, workflow.RunCompleted, loaded.Status)
		assert.InDelta(t, 0.50, loaded.TotalCostUSD, 1e-9)
	})

	t.Run("loaded snapshot is detached", func(t *testing.T) {
		rc := sampleRun("detached")
		require.NoError(t, store.Save(ctx, rc))

		loaded, err := store.Load(ctx, rc.RunID)
		require.NoError(t, err)
		loaded.StepOutputs["research"] = "tampered"

		again, err := store.Load(ctx, rc.RunID)
		require.NoError(t, err)
		assert.Equal(t, "findings", again.StepOutputs["research"])
	})

	t.Run("list by status", func(t *testing.T) {
		lister, ok := store.(Lister)
		require.True(t, ok)

		for i := 0; i < 3; i++ {
			rc := sampleRun(fmt.Sprintf("listed-%d", i))
			rc.Status = workflow.RunPartial
			require.NoError(t, store.Save(ctx, rc))
		}

		runs, err := lister.ListByStatus(ctx, workflow.RunPartial, 0)
		require.NoError(t, err)
		assert.Len(t, runs, 3)

		limited, err := lister.ListByStatus(ctx, workflow.RunPartial, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestMemoryStore(t *testing.T) {
	storeConformance(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := NewRedisStore(RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	storeConformance(t, store)
}

func TestRedisStoreStatusIndexFollowsTransitions(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := NewRedisStore(RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	rc := sampleRun("transitions")
	require.NoError(t, store.Save(ctx, rc))

	rc.Status = workflow.RunCompleted
	require.NoError(t, store.Save(ctx, rc))

	running, err := store.ListByStatus(ctx, workflow.RunRunning, 0)
	require.NoError(t, err)
	assert.Empty(t, running)

	completed, err := store.ListByStatus(ctx, workflow.RunCompleted, 0)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, rc.RunID, completed[0].RunID)
}

func TestGormStore(t *testing.T) {
	store, err := NewGormStore(DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	storeConformance(t, store)
}

func TestGormStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewGormStore(DatabaseConfig{Driver: "oracle"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestFactory(t *testing.T) {
	logger := zap.NewNop()

	store, err := New(Config{Type: StoreTypeMemory}, logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	// Empty type defaults to memory.
	store, err = New(Config{}, logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = New(Config{Type: "etcd"}, logger)
	require.Error(t, err)
}
