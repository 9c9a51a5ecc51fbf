package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stagehand-ai/stagehand/agentclient"
	"github.com/stagehand-ai/stagehand/api/handlers"
	"github.com/stagehand-ai/stagehand/config"
	"github.com/stagehand-ai/stagehand/internal/metrics"
	"github.com/stagehand-ai/stagehand/internal/server"
	"github.com/stagehand-ai/stagehand/internal/telemetry"
	"github.com/stagehand-ai/stagehand/queue"
	"github.com/stagehand-ai/stagehand/runstore"
	"github.com/stagehand-ai/stagehand/schedule"
	"github.com/stagehand-ai/stagehand/storage"
	"github.com/stagehand-ai/stagehand/types"
	"github.com/stagehand-ai/stagehand/webhook"
	"github.com/stagehand-ai/stagehand/workflow"
)

// queueDepthInterval is how often the transport depth gauge is refreshed.
const queueDepthInterval = 15 * time.Second

// Server wires every subsystem together: stores, transport, executor,
// worker pool, scheduler, and the HTTP API.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	store     workflow.RunStore
	backend   workflow.Storage
	transport queue.Transport
	executor  *workflow.Executor
	worker    *queue.Worker
	scheduler *schedule.Scheduler
	registry  *workflow.CancelRegistry
	webhooks  *webhook.Dispatcher
	collector *metrics.Collector

	httpManager      *server.Manager
	cancelBackground context.CancelFunc
	wg               sync.WaitGroup
}

// NewServer creates an unstarted server from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{cfg: cfg, logger: logger, otel: otel}
}

// Start brings up all subsystems. On error nothing keeps running.
func (s *Server) Start() error {
	if err := s.initComponents(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelBackground = cancel
	s.startBackground(ctx)

	if err := s.startHTTPServer(ctx); err != nil {
		cancel()
		return err
	}

	s.logger.Info("all subsystems started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("worker_concurrency", s.cfg.Worker.Concurrency),
		zap.String("run_store", string(s.cfg.RunStore.Type)),
		zap.String("queue", string(s.cfg.Queue.Type)),
	)
	return nil
}

func (s *Server) initComponents() error {
	s.collector = metrics.NewCollector("stagehand", prometheus.DefaultRegisterer, s.logger)

	store, err := runstore.New(s.cfg.RunStore, s.logger)
	if err != nil {
		return fmt.Errorf("init run store: %w", err)
	}
	s.store = store

	backend, err := storage.New(s.cfg.Storage, s.logger)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	s.backend = backend

	transport, err := queue.New(s.cfg.Queue, s.logger)
	if err != nil {
		return fmt.Errorf("init queue transport: %w", err)
	}
	s.transport = transport
	recoverStaleJobs(context.Background(), s.transport, s.logger)

	runtime := agentclient.NewClient(
		s.cfg.Runtime.BaseURL,
		s.cfg.Runtime.APIKey,
		s.cfg.Runtime.DefaultTimeout,
		s.logger,
	)
	s.webhooks = webhook.NewDispatcher(s.cfg.Webhook, s.logger)

	s.executor = workflow.NewExecutor(runtime, s.store, s.backend, s.logger,
		workflow.WithMaxParallel(s.cfg.Engine.MaxParallel),
		workflow.WithWebhooks(s.webhooks),
		workflow.WithMetrics(s.collector),
	)

	s.registry = workflow.NewCancelRegistry()
	s.worker = queue.NewWorker(s.transport, s.store, s.executor, s.logger, s.cfg.Worker.Concurrency).
		WithCancelRegistry(s.registry)

	s.scheduler = schedule.NewScheduler(s.transport, s.store, s.logger)
	if s.cfg.Engine.WorkflowsDir != "" {
		if err := s.registerScheduledWorkflows(s.cfg.Engine.WorkflowsDir); err != nil {
			return fmt.Errorf("register scheduled workflows: %w", err)
		}
	}
	return nil
}

// recoverStaleJobs returns jobs orphaned on the Redis processing list by a
// crashed worker to the pending queue. A no-op for other transports.
func recoverStaleJobs(ctx context.Context, transport queue.Transport, logger *zap.Logger) {
	rt, ok := transport.(*queue.RedisTransport)
	if !ok {
		return
	}
	n, err := rt.RecoverStale(ctx)
	if err != nil {
		logger.Warn("failed to recover stale jobs", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("recovered stale jobs from processing list", zap.Int("count", n))
	}
}

// registerScheduledWorkflows scans dir for workflow documents carrying a
// schedule and registers them with the cron scheduler.
func (s *Server) registerScheduledWorkflows(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		def, err := workflow.NewParser().Parse(data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		if def.Schedule == "" {
			continue
		}
		if err := s.scheduler.Register(def, nil); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		s.logger.Info("scheduled workflow registered",
			zap.String("workflow", def.Name),
			zap.String("schedule", def.Schedule),
		)
	}
	return nil
}

func (s *Server) startBackground(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Run(ctx); err != nil {
			s.logger.Error("worker pool exited", zap.Error(err))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.scheduler.Run(ctx); err != nil {
			s.logger.Error("scheduler exited", zap.Error(err))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(queueDepthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := s.transport.Depth(ctx)
				if err != nil {
					continue
				}
				s.collector.SetQueueDepth(depth)
			}
		}
	}()
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	runsHandler := handlers.NewRunsHandler(s.store, s.transport, s.backend, s.registry, s.logger)

	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.NewPingCheck("queue", func(ctx context.Context) error {
		_, err := s.transport.Depth(ctx)
		return err
	}))
	healthHandler.RegisterCheck(handlers.NewPingCheck("run_store", func(ctx context.Context) error {
		_, err := s.store.Load(ctx, "readiness-probe")
		if types.GetErrorCode(err) == types.ErrRunNotFound {
			return nil
		}
		return err
	}))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealth)
	mux.HandleFunc("GET /readyz", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/runs", runsHandler.HandleSubmit)
	mux.HandleFunc("GET /v1/runs", runsHandler.HandleList)
	mux.HandleFunc("GET /v1/runs/{id}", runsHandler.HandleGet)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", runsHandler.HandleCancel)
	mux.HandleFunc("POST /v1/runs/{id}/replay", runsHandler.HandleReplay)
	mux.HandleFunc("POST /v1/runs/{id}/fork", runsHandler.HandleFork)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RateLimiter(ctx, s.cfg.Server.RatePerSecond, s.logger),
	)

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = fmt.Sprintf(":%d", s.cfg.Server.HTTPPort)
	serverConfig.ReadTimeout = s.cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = s.cfg.Server.WriteTimeout
	serverConfig.ShutdownTimeout = s.cfg.Server.ShutdownTimeout

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

// WaitForShutdown blocks until a shutdown signal, then tears everything
// down in dependency order.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops background loops, flushes the webhook dispatcher, and
// closes external connections.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	if s.cancelBackground != nil {
		s.cancelBackground()
	}
	s.wg.Wait()

	// In-flight webhook deliveries finish before transports close.
	if s.webhooks != nil {
		s.webhooks.Close()
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.Error("transport close error", zap.Error(err))
		}
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(context.Background()); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
