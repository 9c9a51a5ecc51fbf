package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/types"
	"github.com/stagehand-ai/stagehand/workflow"
)

// Redis stores blobs as Redis string values. Useful when workers on several
// hosts share template assets and output archives.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(addr, password string, db int, keyPrefix string, logger *zap.Logger) (*Redis, error) {
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
		return nil, types.NewError(types.ErrStorageUnavailable, "connect to redis storage").WithCause(err)
	}
	if keyPrefix == "" {
		keyPrefix = "stagehand:"
	}
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix + "blob:",
		logger:    logger.With(zap.String("component", "storage_redis")),
	}, nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Read(ctx context.Context, path string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.keyPrefix+path).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.NewError(types.ErrStorageUnavailable, "read blob").WithCause(err)
	}
	return data, true, nil
}

func (r *Redis) Write(ctx context.Context, path string, data []byte) error {
	if err := r.client.Set(ctx, r.keyPrefix+path, data, 0).Err(); err != nil {
		return types.NewError(types.ErrStorageUnavailable, "write blob").WithCause(err)
	}
	return nil
}

var _ workflow.Storage = (*Redis)(nil)
