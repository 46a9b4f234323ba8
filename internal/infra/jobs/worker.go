package jobs

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/reconpoint/engine/internal/config"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/logger"
)

// WorkerOption is a functional option for configuring the Worker.
type WorkerOption func(*Worker)

// Worker processes background jobs.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *logger.Logger

	launcher  ScanLauncher
	runs      scan.RunRepository
	chunks    scan.ChunkRepository
	engineCfg config.EngineConfig
	webhook   *config.WebhookConfig
	archiver  OutputArchiver
}

// WithScanLauncher registers the scheduled scan handler.
func WithScanLauncher(launcher ScanLauncher) WorkerOption {
	return func(w *Worker) {
		w.launcher = launcher
	}
}

// WithMaintenance registers the stale-run reaper and chunk cleanup
// handlers.
func WithMaintenance(runs scan.RunRepository, chunks scan.ChunkRepository, cfg config.EngineConfig) WorkerOption {
	return func(w *Worker) {
		w.runs = runs
		w.chunks = chunks
		w.engineCfg = cfg
	}
}

// WithWebhook registers the run completion webhook handler.
func WithWebhook(cfg config.WebhookConfig) WorkerOption {
	return func(w *Worker) {
		w.webhook = &cfg
	}
}

// WithArchiver registers the output archival handler.
func WithArchiver(archiver OutputArchiver) WorkerOption {
	return func(w *Worker) {
		w.archiver = archiver
	}
}

// NewWorker creates a new background job worker.
func NewWorker(redis config.RedisConfig, worker config.WorkerConfig, log *logger.Logger, opts ...WorkerOption) *Worker {
	server := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redis.Addr(),
			Password: redis.Password,
			DB:       redis.DB,
		},
		asynq.Config{
			Concurrency: worker.Concurrency,
			Queues:      worker.Queues,
		},
	)

	w := &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
		logger: log,
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.launcher != nil {
		NewScanTaskHandler(w.launcher, log).RegisterHandlers(w.mux)
		log.Info("scan task handlers registered")
	}
	if w.runs != nil && w.chunks != nil {
		NewMaintenanceTaskHandler(w.runs, w.chunks, w.engineCfg, log).RegisterHandlers(w.mux)
		log.Info("maintenance task handlers registered")
	}
	if w.webhook != nil {
		NewWebhookTaskHandler(*w.webhook, log).RegisterHandlers(w.mux)
		log.Info("webhook task handlers registered")
	}
	if w.archiver != nil {
		NewArchiveTaskHandler(w.archiver, log).RegisterHandlers(w.mux)
		log.Info("archive task handlers registered")
	}

	return w
}

// Start starts the worker.
func (w *Worker) Start() error {
	w.logger.Info("starting job worker")
	return w.server.Start(w.mux)
}

// Stop stops the worker gracefully.
func (w *Worker) Stop() {
	w.logger.Info("stopping job worker")
	w.server.Shutdown()
}

// Run runs the worker until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Start(w.mux)
	}()

	select {
	case <-ctx.Done():
		w.Stop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
		return nil
	}
}
