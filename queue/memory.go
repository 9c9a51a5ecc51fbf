package queue

import (
	"context"
	"sync/atomic"

	"github.com/stagehand-ai/stagehand/types"
)

// MemoryTransport is a buffered-channel transport for single-process
// deployments. Delivery is exactly-once as long as the process lives; jobs
// are lost on crash, which the run store's persisted state makes recoverable
// by resubmission.
type MemoryTransport struct {
	jobs   chan *Job
	closed atomic.Bool
}

// NewMemoryTransport creates an in-memory transport with the given buffer
// (default 256).
func NewMemoryTransport(bufferSize int) *MemoryTransport {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryTransport{jobs: make(chan *Job, bufferSize)}
}

func (t *MemoryTransport) Enqueue(ctx context.Context, job *Job) error {
	if t.closed.Load() {
		return types.NewError(types.ErrTransportFailure, "transport is closed")
	}
	if err := ctx.Err(); err != nil {
		return types.NewError(types.ErrTransportFailure, "enqueue cancelled").WithCause(err)
	}
	// Non-blocking: a full buffer is an immediate error, not backpressure.
	select {
	case t.jobs <- job:
		return nil
	default:
		return types.NewError(types.ErrTransportFailure, "queue is full")
	}
}

func (t *MemoryTransport) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job, ok := <-t.jobs:
		if !ok {
			return nil, types.NewError(types.ErrTransportFailure, "transport is closed")
		}
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemoryTransport) Ack(context.Context, *Job) error { return nil }

func (t *MemoryTransport) Nack(ctx context.Context, job *Job) error {
	return t.Enqueue(ctx, job)
}

func (t *MemoryTransport) Depth(context.Context) (int64, error) {
	return int64(len(t.jobs)), nil
}

func (t *MemoryTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		close(t.jobs)
	}
	return nil
}

var _ Transport = (*MemoryTransport)(nil)
