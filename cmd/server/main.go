package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reconpoint/engine/internal/config"
	infrahttp "github.com/reconpoint/engine/internal/infra/http"
	"github.com/reconpoint/engine/internal/infra/http/handler"
	"github.com/reconpoint/engine/internal/infra/http/routes"
	"github.com/reconpoint/engine/internal/infra/jobs"
	"github.com/reconpoint/engine/internal/infra/postgres"
	"github.com/reconpoint/engine/internal/infra/redis"
	"github.com/reconpoint/engine/internal/infra/scheduler"
	"github.com/reconpoint/engine/internal/infra/websocket"
	"github.com/reconpoint/engine/pkg/logger"
	"github.com/reconpoint/engine/pkg/migrations"
	"github.com/reconpoint/engine/pkg/telemetry"
	"github.com/reconpoint/engine/pkg/validator"
)

// @title           ReconPoint Engine API
// @version         1.0
// @description     Scan orchestration engine: wave-planned recon pipelines with live output streaming

// @license.name  MIT
// @license.url   https://opensource.org/licenses/MIT

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-Api-Key

// Command line flags.
var (
	migrate       = flag.Bool("migrate", false, "Apply pending database migrations before starting")
	migrationsDir = flag.String("migrations-dir", "migrations", "Directory with migration SQL files")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	ctx := context.Background()

	// ==========================================================================
	// Configuration & Logger
	// ==========================================================================
	cfg, err := config.Load()
	if err != nil {
		log := logger.NewDefault()
		log.Error("failed to load configuration", "error", err)
		return 1
	}

	log := initLogger(cfg)
	log.Info("starting application", "app", cfg.App.Name, "env", cfg.App.Env)

	// ==========================================================================
	// Telemetry
	// ==========================================================================
	if cfg.Tracing.Enabled {
		_, shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.App.Name,
			Environment: cfg.App.Env,
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			log.Error("failed to initialize tracing", "error", err)
			return 1
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				log.Error("failed to flush traces", "error", err)
			}
		}()
		log.Info("tracing initialized", "endpoint", cfg.Tracing.Endpoint)
	}

	// ==========================================================================
	// Infrastructure
	// ==========================================================================
	db, err := postgres.New(&cfg.Database)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		return 1
	}
	defer closeWithLog(db, "database", log)
	log.Info("database connected")

	if *migrate {
		applied, err := migrations.NewRunner(db.DB, *migrationsDir).Up(ctx)
		if err != nil {
			log.Error("migrations failed", "error", err)
			return 1
		}
		log.Info("migrations applied", "count", applied)
	}

	redisClient, err := redis.New(&cfg.Redis, log)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		return 1
	}
	defer closeWithLog(redisClient, "redis", log)
	log.Info("redis connected")

	// ==========================================================================
	// Engine
	// ==========================================================================
	deps, err := buildEngine(ctx, cfg, db, redisClient, log)
	if err != nil {
		log.Error("failed to initialize engine", "error", err)
		return 1
	}
	defer closeWithLog(deps.jobClient, "job client", log)
	log.Info("engine initialized",
		"min_workers", cfg.Engine.MinWorkers,
		"max_workers", cfg.Engine.MaxWorkers,
	)

	// ==========================================================================
	// WebSocket Hub
	// ==========================================================================
	wsCtx, wsCancel := context.WithCancel(ctx)
	defer wsCancel()

	go deps.hub.Run(wsCtx)
	log.Info("websocket hub started")

	// ==========================================================================
	// HTTP Server
	// ==========================================================================
	v := validator.New(deps.registry)

	server := infrahttp.NewServer(cfg, log)
	routes.Register(server.Router(), routes.Handlers{
		Health: handler.NewHealthHandler(
			handler.WithDatabase(db),
			handler.WithRedis(redisClient),
		),
		Scan:      handler.NewScanHandler(deps.service, v, log),
		Stage:     handler.NewStageHandler(deps.service),
		WebSocket: websocket.NewHandler(deps.hub, log),
	}, cfg)

	// ==========================================================================
	// Background Worker & Scheduler
	// ==========================================================================
	var worker *jobs.Worker
	if cfg.Worker.Enabled {
		worker = buildWorker(cfg, deps, log)
		if err := worker.Start(); err != nil {
			log.Error("failed to start worker", "error", err)
			return 1
		}
		log.Info("background worker started", "concurrency", cfg.Worker.Concurrency)
	}

	var cronScheduler *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		cronScheduler, err = scheduler.New(cfg.Scheduler, cfg.Templates,
			deps.jobClient, deps.templateStore, log)
		if err != nil {
			log.Error("failed to initialize scheduler", "error", err)
			return 1
		}
		cronScheduler.Start()
	}

	// ==========================================================================
	// Start Server
	// ==========================================================================
	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", "error", err)
		}
	}()
	log.Info("application started", "http_addr", cfg.Server.Addr())

	// ==========================================================================
	// Graceful Shutdown
	// ==========================================================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if cronScheduler != nil {
		cronScheduler.Stop()
	}
	if worker != nil {
		worker.Stop()
	}

	// Abort live runs so their tools die before the pool drains.
	if err := deps.service.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown error", "error", err)
	}
	if err := deps.pool.Shutdown(shutdownCtx); err != nil {
		log.Error("worker pool shutdown error", "error", err)
	}

	wsCancel()
	log.Info("websocket hub stopped")

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		return 1
	}

	log.Info("application stopped")
	return 0
}

// =============================================================================
// Helper Functions
// =============================================================================

func initLogger(cfg *config.Config) *logger.Logger {
	var log *logger.Logger
	if cfg.IsProduction() {
		log = logger.NewProduction(logger.SamplingConfig{
			Enabled:   cfg.Log.SamplingEnabled,
			Tick:      time.Second,
			Threshold: uint64(cfg.Log.SamplingThreshold),
			Rate:      cfg.Log.SamplingRate,
			ErrorRate: cfg.Log.ErrorSamplingRate,
		})
	} else {
		log = logger.NewDevelopment()
	}
	log.SetDefault()
	return log
}

type closer interface {
	Close() error
}

func closeWithLog(c closer, name string, log *logger.Logger) {
	if err := c.Close(); err != nil {
		log.Error("failed to close "+name, "error", err)
	}
}

// buildWorker assembles the asynq worker with every handler the
// configuration enables.
func buildWorker(cfg *config.Config, deps *engineDeps, log *logger.Logger) *jobs.Worker {
	opts := []jobs.WorkerOption{
		jobs.WithScanLauncher(deps.service),
		jobs.WithMaintenance(deps.runRepo, deps.chunkRepo, cfg.Engine),
	}
	if cfg.Webhook.IsConfigured() {
		opts = append(opts, jobs.WithWebhook(cfg.Webhook))
	}
	if deps.artifactStore != nil {
		opts = append(opts, jobs.WithArchiver(deps.artifactStore))
	}
	return jobs.NewWorker(cfg.Redis, cfg.Worker, log, opts...)
}
