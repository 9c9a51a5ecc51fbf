package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stagehand-ai/stagehand/types"
	"github.com/stagehand-ai/stagehand/workflow"
)

// Worker consumes jobs from a transport and drives them through the
// executor. Several workers may consume the same transport; stage-granular
// persistence makes duplicate delivery harmless.
type Worker struct {
	transport   Transport
	store       workflow.RunStore
	executor    *workflow.Executor
	logger      *zap.Logger
	concurrency int
	registry    *workflow.CancelRegistry
}

// NewWorker creates a worker pool over the transport. concurrency is the
// number of runs handled at once (default 1).
func NewWorker(transport Transport, store workflow.RunStore, executor *workflow.Executor, logger *zap.Logger, concurrency int) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		transport:   transport,
		store:       store,
		executor:    executor,
		logger:      logger.With(zap.String("component", "worker")),
		concurrency: concurrency,
	}
}

// WithCancelRegistry makes the worker's active runs cancellable through the
// registry. Without one, runs only stop on worker shutdown.
func (w *Worker) WithCancelRegistry(r *workflow.CancelRegistry) *Worker {
	w.registry = r
	return w
}

// Run consumes jobs until ctx is cancelled. It returns nil on clean
// shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker pool starting", zap.Int("concurrency", w.concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		i := i
		g.Go(func() error {
			return w.consume(ctx, i)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	w.logger.Info("worker pool stopped")
	return err
}

func (w *Worker) consume(ctx context.Context, slot int) error {
	logger := w.logger.With(zap.Int("slot", slot))
	for {
		job, err := w.transport.Dequeue(ctx)
		if err != nil {
			// Transports may wrap the cancellation; hand it up as-is so
			// Run can recognize a clean shutdown.
			if ctx.Err() != nil {
				return err
			}
			logger.Error("dequeue failed, backing off", zap.Error(err))
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		w.handle(ctx, job, logger)
	}
}

// handle executes one job. Jobs for unknown runs are acked and dropped;
// infrastructure failures nack the job so another worker can retry it.
func (w *Worker) handle(ctx context.Context, job *Job, logger *zap.Logger) {
	logger = logger.With(zap.String("run_id", job.RunID), zap.String("job_id", job.ID))

	rc, err := w.store.Load(ctx, job.RunID)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrRunNotFound {
			logger.Warn("dropping job for unknown run")
			_ = w.transport.Ack(ctx, job)
			return
		}
		logger.Error("failed to load run state, requeueing", zap.Error(err))
		_ = w.transport.Nack(ctx, job)
		return
	}

	if rc.Status.IsTerminal() {
		// Duplicate delivery of a finished run.
		logger.Info("run already terminal, acking duplicate delivery",
			zap.String("status", string(rc.Status)))
		_ = w.transport.Ack(ctx, job)
		return
	}

	wfCtx, cancelRun := context.WithCancel(types.WithRunID(ctx, rc.RunID))
	defer cancelRun()
	if w.registry != nil {
		w.registry.Register(rc.RunID, cancelRun)
		defer w.registry.Unregister(rc.RunID)
	}
	if err := w.executor.Execute(wfCtx, job.Definition, rc); err != nil {
		// Execute only errors on persistence failures; the run's own state
		// was not advanced durably, so hand the job to another worker.
		logger.Error("run execution could not persist, requeueing", zap.Error(err))
		_ = w.transport.Nack(ctx, job)
		return
	}
	_ = w.transport.Ack(ctx, job)
}
