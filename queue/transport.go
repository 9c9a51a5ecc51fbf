package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/workflow"
)

// Job is one unit of work: execute (or resume) a run. The definition rides
// along with the job so workers need no separate definition registry.
type Job struct {
	ID         string                       `json:"id"`
	RunID      string                       `json:"run_id"`
	Definition *workflow.WorkflowDefinition `json:"definition"`
	EnqueuedAt time.Time                    `json:"enqueued_at"`

	// raw is the wire payload this job was delivered as, kept so transports
	// can remove exactly those bytes on ack.
	raw []byte
}

// NewJob creates a job for a run.
func NewJob(runID string, def *workflow.WorkflowDefinition) *Job {
	return &Job{
		ID:         uuid.New().String(),
		RunID:      runID,
		Definition: def,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Transport delivers jobs from submitters to workers.
type Transport interface {
	// Enqueue adds a job to the pending queue.
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (*Job, error)
	// Ack marks a delivered job as fully handled.
	Ack(ctx context.Context, job *Job) error
	// Nack returns a delivered job to the pending queue for another worker.
	Nack(ctx context.Context, job *Job) error
	// Depth reports how many jobs wait in the pending queue.
	Depth(ctx context.Context) (int64, error)
	Close() error
}

// TransportType selects a transport backend.
type TransportType string

const (
	TransportMemory TransportType = "memory"
	TransportRedis  TransportType = "redis"
)

// Config selects and configures a transport.
type Config struct {
	Type TransportType `yaml:"type" json:"type"`
	// BufferSize bounds the in-memory queue (default 256).
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
	Redis      struct {
		Addr      string `yaml:"addr" json:"addr"`
		Password  string `yaml:"password" json:"password"`
		DB        int    `yaml:"db" json:"db"`
		KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	} `yaml:"redis" json:"redis"`
}

// New creates a transport from config.
func New(cfg Config, logger *zap.Logger) (Transport, error) {
	switch cfg.Type {
	case TransportMemory, "":
		return NewMemoryTransport(cfg.BufferSize), nil
	case TransportRedis:
		return NewRedisTransport(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix, logger)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}
