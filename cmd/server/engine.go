package main

import (
	"context"
	"time"

	"github.com/reconpoint/engine/internal/app/engine"
	"github.com/reconpoint/engine/internal/config"
	"github.com/reconpoint/engine/internal/infra/artifacts"
	"github.com/reconpoint/engine/internal/infra/jobs"
	"github.com/reconpoint/engine/internal/infra/pool"
	"github.com/reconpoint/engine/internal/infra/postgres"
	"github.com/reconpoint/engine/internal/infra/redis"
	"github.com/reconpoint/engine/internal/infra/templates"
	"github.com/reconpoint/engine/internal/infra/toolrunner"
	"github.com/reconpoint/engine/internal/infra/websocket"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/stage"
	"github.com/reconpoint/engine/pkg/logger"
)

// engineDeps holds the assembled engine and the pieces the rest of main
// wires into HTTP, the worker and the scheduler.
type engineDeps struct {
	registry      *stage.Registry
	pool          *pool.Pool
	service       *engine.Service
	runRepo       *postgres.ScanRunRepository
	chunkRepo     *postgres.OutputChunkRepository
	hub           *websocket.Hub
	jobClient     *jobs.Client
	artifactStore *artifacts.Store
	templateStore *templates.Store
}

// buildEngine assembles the scan engine: repositories, output sinks,
// the tool runner on the shared worker pool, and the executor callbacks
// that fan run events out to WebSocket subscribers and background jobs.
func buildEngine(
	ctx context.Context,
	cfg *config.Config,
	db *postgres.DB,
	redisClient *redis.Client,
	log *logger.Logger,
) (*engineDeps, error) {
	registry := stage.NewRegistry()
	runRepo := postgres.NewScanRunRepository(db)
	chunkRepo := postgres.NewOutputChunkRepository(db)

	hub := websocket.NewHub(log)
	broadcaster := websocket.NewBroadcaster(hub)
	chunkStream := redis.NewChunkStream(redisClient,
		cfg.Redis.ChunkStreamMaxLen, cfg.Redis.ChunkStreamTTL)

	// Postgres is the durable feed, the Redis stream serves live
	// followers, the broadcaster pushes to connected WebSocket clients.
	sink := engine.NewMultiSink(chunkRepo, chunkStream, broadcaster)

	streamer := toolrunner.NewStreamer(sink, cfg.Engine.KillGracePeriod, log)
	runner := toolrunner.NewStageRunner(streamer, cfg.Engine.ScratchDir, log)
	runner.WordlistDir = cfg.Engine.WordlistDir

	var templateStore *templates.Store
	if cfg.Templates.IsConfigured() {
		templateStore = templates.NewStore(cfg.Templates, log)
		runner.TemplatesDir = templateStore.Dir()
	}

	p := pool.New(pool.Config{
		MinWorkers:  cfg.Engine.MinWorkers,
		MaxWorkers:  cfg.Engine.MaxWorkers,
		IdleTimeout: cfg.Engine.IdleTimeout,
	}, log)

	adapters := engine.NewAdapterRegistry(log)
	executor := engine.NewExecutor(registry, p, runner, sink, runRepo, adapters, log)
	service := engine.NewService(registry, executor, runRepo, chunkRepo, log)

	jobClient := jobs.NewClient(cfg.Redis, log)

	var artifactStore *artifacts.Store
	if cfg.Artifacts.IsConfigured() {
		var err error
		artifactStore, err = artifacts.NewStore(ctx, cfg.Artifacts, runRepo, chunkRepo, log)
		if err != nil {
			return nil, err
		}
	}

	executor.SetOnUpdate(broadcaster.RunUpdated)
	executor.SetOnTerminal(func(run *scan.Run) {
		broadcaster.RunUpdated(run)

		enqCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if cfg.Webhook.IsConfigured() {
			if err := jobClient.EnqueueRunWebhook(enqCtx, jobs.NewRunWebhookPayload(run)); err != nil {
				log.Error("failed to enqueue run webhook",
					"run_id", run.ID.String(), "error", err)
			}
		}
		if artifactStore != nil {
			if err := jobClient.EnqueueArchiveOutput(enqCtx, jobs.ArchiveOutputPayload{
				RunID: run.ID.String(),
			}); err != nil {
				log.Error("failed to enqueue output archival",
					"run_id", run.ID.String(), "error", err)
			}
		}
	})

	return &engineDeps{
		registry:      registry,
		pool:          p,
		service:       service,
		runRepo:       runRepo,
		chunkRepo:     chunkRepo,
		hub:           hub,
		jobClient:     jobClient,
		artifactStore: artifactStore,
		templateStore: templateStore,
	}, nil
}
