package runstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/workflow"
)

// StoreType selects a run store backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeGorm   StoreType = "gorm"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// DatabaseConfig configures the GORM backend.
type DatabaseConfig struct {
	// Driver is one of sqlite, postgres, mysql.
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// Config selects and configures a run store backend.
type Config struct {
	Type     StoreType      `yaml:"type" json:"type"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	Database DatabaseConfig `yaml:"database" json:"database"`
}

// Lister is implemented by backends that can enumerate runs by status. The
// API's list endpoint degrades gracefully when the configured backend cannot.
type Lister interface {
	ListByStatus(ctx context.Context, status workflow.RunStatus, limit int) ([]*workflow.RunContext, error)
}

// New creates a run store from config.
func New(cfg Config, logger *zap.Logger) (workflow.RunStore, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis, logger)
	case StoreTypeGorm:
		return NewGormStore(cfg.Database, logger)
	default:
		return nil, fmt.Errorf("unsupported run store type: %s", cfg.Type)
	}
}
