package runstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/types"
	"github.com/stagehand-ai/stagehand/workflow"
)

// RedisStore is a Redis-backed run store for distributed deployments. Run
// snapshots live under string keys; sorted sets index runs by status with
// creation time as score.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "connect to redis run store").WithCause(err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "stagehand:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: prefix + "run:",
		logger:    logger.With(zap.String("component", "runstore_redis")),
	}, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks store health.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) runKey(runID string) string {
	return s.keyPrefix + "data:" + runID
}

func (s *RedisStore) statusKey(status workflow.RunStatus) string {
	return s.keyPrefix + "status:" + string(status)
}

func (s *RedisStore) allKey() string {
	return s.keyPrefix + "all"
}

// Save writes the run snapshot and moves it between status indexes when its
// status changed since the last save.
func (s *RedisStore) Save(ctx context.Context, rc *workflow.RunContext) error {
	data, err := json.Marshal(rc)
	if err != nil {
		return types.NewError(types.ErrInternalError, "marshal run snapshot").WithCause(err)
	}

	old, _ := s.Load(ctx, rc.RunID)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.runKey(rc.RunID), data, 0)

	score := float64(rc.CreatedAt.UnixNano())
	if old != nil && old.Status != rc.Status {
		pipe.ZRem(ctx, s.statusKey(old.Status), rc.RunID)
	}
	pipe.ZAdd(ctx, s.statusKey(rc.Status), redis.Z{Score: score, Member: rc.RunID})
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: rc.RunID})

	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.ErrStorageUnavailable, "save run snapshot").WithCause(err)
	}
	return nil
}

// Load returns the snapshot for runID.
func (s *RedisStore) Load(ctx context.Context, runID string) (*workflow.RunContext, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, types.Errorf(types.ErrRunNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "load run snapshot").WithCause(err)
	}
	var rc workflow.RunContext
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, types.NewError(types.ErrInternalError, "unmarshal run snapshot").WithCause(err)
	}
	return &rc, nil
}

// ListByStatus returns up to limit runs in the given status, oldest first.
func (s *RedisStore) ListByStatus(ctx context.Context, status workflow.RunStatus, limit int) ([]*workflow.RunContext, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRange(ctx, s.statusKey(status), 0, stop).Result()
	if err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "list runs by status").WithCause(err)
	}
	out := make([]*workflow.RunContext, 0, len(ids))
	for _, id := range ids {
		rc, err := s.Load(ctx, id)
		if err != nil {
			// Index entries can briefly outlive deleted snapshots.
			continue
		}
		out = append(out, rc)
	}
	return out, nil
}

// Delete removes a run snapshot and its index entries.
func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	rc, err := s.Load(ctx, runID)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.runKey(runID))
	pipe.ZRem(ctx, s.statusKey(rc.Status), runID)
	pipe.ZRem(ctx, s.allKey(), runID)
	_, err = pipe.Exec(ctx)
	return err
}

var (
	_ workflow.RunStore = (*RedisStore)(nil)
	_ Lister            = (*RedisStore)(nil)
)
