package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/stagehand-ai/stagehand/queue"
	"github.com/stagehand-ai/stagehand/runstore"
	"github.com/stagehand-ai/stagehand/storage"
	"github.com/stagehand-ai/stagehand/webhook"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Engine    EngineConfig    `yaml:"engine" env:"ENGINE"`
	Runtime   RuntimeConfig   `yaml:"runtime" env:"RUNTIME"`
	RunStore  runstore.Config `yaml:"run_store" env:"RUN_STORE"`
	Storage   storage.Config  `yaml:"storage" env:"STORAGE"`
	Queue     queue.Config    `yaml:"queue" env:"QUEUE"`
	Worker    WorkerConfig    `yaml:"worker" env:"WORKER"`
	Webhook   webhook.Config  `yaml:"webhook" env:"WEBHOOK"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// RatePerSecond caps inbound requests per client (0 = unlimited).
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
}

// EngineConfig tunes the workflow executor.
type EngineConfig struct {
	// MaxParallel bounds concurrent task dispatch within a stage
	// (0 = unbounded).
	MaxParallel int `yaml:"max_parallel" env:"MAX_PARALLEL"`
	// WorkflowsDir is scanned at startup; documents carrying a schedule
	// are registered with the cron scheduler. Empty disables scanning.
	WorkflowsDir string `yaml:"workflows_dir" env:"WORKFLOWS_DIR"`
}

// RuntimeConfig points at the external agent runtime service.
type RuntimeConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	// DefaultTimeout bounds an execute call when the step declares no
	// timeout of its own.
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
}

// WorkerConfig configures the job consumers.
type WorkerConfig struct {
	// Concurrency is the number of runs handled at once per process.
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// TelemetryConfig configures OTel export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RatePerSecond:   50,
		},
		Engine: EngineConfig{
			MaxParallel: 8,
		},
		Runtime: RuntimeConfig{
			BaseURL:        "http://localhost:9090",
			DefaultTimeout: 5 * time.Minute,
		},
		RunStore: runstore.Config{
			Type: runstore.StoreTypeMemory,
		},
		Storage: storage.Config{
			Type: storage.BackendMemory,
		},
		Queue: queue.Config{
			Type:       queue.TransportMemory,
			BufferSize: 256,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
		},
		Webhook: webhook.Config{
			MaxAttempts:   3,
			BaseBackoff:   time.Second,
			Timeout:       10 * time.Second,
			RatePerSecond: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "stagehand",
			SampleRate:  1.0,
		},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	var errs []string
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "server.http_port out of range")
	}
	if c.Engine.MaxParallel < 0 {
		errs = append(errs, "engine.max_parallel must not be negative")
	}
	if c.Runtime.BaseURL == "" {
		errs = append(errs, "runtime.base_url is required")
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, "worker.concurrency must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not json or console", c.Log.Format))
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry.otlp_endpoint required when telemetry is enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
