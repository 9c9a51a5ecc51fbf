package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/types"
)

// dequeueBlock bounds each BRPOPLPUSH wait so Dequeue can notice context
// cancellation between polls.
const dequeueBlock = 2 * time.Second

// RedisTransport delivers jobs through a Redis list pair. Enqueue pushes onto
// the pending list; Dequeue atomically moves a job onto the processing list,
// where it stays until acked. Jobs on the processing list of a dead worker
// can be recovered by an external sweep, so delivery is at-least-once.
type RedisTransport struct {
	client     *redis.Client
	pending    string
	processing string
	logger     *zap.Logger
}

// NewRedisTransport connects to Redis and verifies the connection.
func NewRedisTransport(addr, password string, db int, keyPrefix string, logger *zap.Logger) (*RedisTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrTransportFailure, "connect to redis transport").WithCause(err)
	}
	if keyPrefix == "" {
		keyPrefix = "stagehand:"
	}
	return &RedisTransport{
		client:     client,
		pending:    keyPrefix + "jobs:pending",
		processing: keyPrefix + "jobs:processing",
		logger:     logger.With(zap.String("component", "queue_redis")),
	}, nil
}

func (t *RedisTransport) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return types.NewError(types.ErrInternalError, "marshal job").WithCause(err)
	}
	if err := t.client.LPush(ctx, t.pending, data).Err(); err != nil {
		return types.NewError(types.ErrTransportFailure, "enqueue job").WithCause(err)
	}
	return nil
}

func (t *RedisTransport) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		data, err := t.client.BRPopLPush(ctx, t.pending, t.processing, dequeueBlock).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, types.NewError(types.ErrTransportFailure, "dequeue job").WithCause(err)
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			// A malformed entry would wedge the processing list forever;
			// drop it and keep consuming.
			t.client.LRem(ctx, t.processing, 1, data)
			t.logger.Error("dropping malformed job payload", zap.Error(err))
			continue
		}
		// Ack and Nack remove exactly the delivered bytes; re-marshalling
		// could produce a different encoding and miss the list entry.
		job.raw = data
		return &job, nil
	}
}

func (t *RedisTransport) Ack(ctx context.Context, job *Job) error {
	data, err := t.wireBytes(job)
	if err != nil {
		return err
	}
	if err := t.client.LRem(ctx, t.processing, 1, data).Err(); err != nil {
		return types.NewError(types.ErrTransportFailure, "ack job").WithCause(err)
	}
	return nil
}

func (t *RedisTransport) Nack(ctx context.Context, job *Job) error {
	data, err := t.wireBytes(job)
	if err != nil {
		return err
	}
	pipe := t.client.Pipeline()
	pipe.LRem(ctx, t.processing, 1, data)
	pipe.LPush(ctx, t.pending, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.ErrTransportFailure, "nack job").WithCause(err)
	}
	return nil
}

func (t *RedisTransport) wireBytes(job *Job) ([]byte, error) {
	if len(job.raw) > 0 {
		return job.raw, nil
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "marshal job").WithCause(err)
	}
	return data, nil
}

func (t *RedisTransport) Depth(ctx context.Context) (int64, error) {
	return t.client.LLen(ctx, t.pending).Result()
}

// RecoverStale moves every job off the processing list back to pending. Call
// at worker startup to reclaim jobs orphaned by a crashed worker.
func (t *RedisTransport) RecoverStale(ctx context.Context) (int, error) {
	recovered := 0
	for {
		if err := t.client.RPopLPush(ctx, t.processing, t.pending).Err(); err != nil {
			if err == redis.Nil {
				return recovered, nil
			}
			return recovered, types.NewError(types.ErrTransportFailure, "recover stale jobs").WithCause(err)
		}
		recovered++
	}
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

var _ Transport = (*RedisTransport)(nil)
