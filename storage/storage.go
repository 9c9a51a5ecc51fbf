package storage

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/workflow"
)

// BackendType selects a storage backend.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendFile   BackendType = "file"
	BackendRedis  BackendType = "redis"
)

// Config selects and configures a storage backend.
type Config struct {
	Type BackendType `yaml:"type" json:"type"`
	// BaseDir is the root directory for the file backend.
	BaseDir string `yaml:"base_dir" json:"base_dir"`
	Redis   struct {
		Addr      string `yaml:"addr" json:"addr"`
		Password  string `yaml:"password" json:"password"`
		DB        int    `yaml:"db" json:"db"`
		KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	} `yaml:"redis" json:"redis"`
}

// New creates a storage backend from config.
func New(cfg Config, logger *zap.Logger) (workflow.Storage, error) {
	switch cfg.Type {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendFile:
		return NewFile(cfg.BaseDir)
	case BackendRedis:
		return NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
