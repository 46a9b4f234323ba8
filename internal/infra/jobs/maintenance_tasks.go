package jobs

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reconpoint/engine/internal/config"
	"github.com/reconpoint/engine/internal/metrics"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/logger"
)

const (
	// TypeReapStaleRuns force-fails runs stuck in a live status.
	TypeReapStaleRuns = "maintenance:reap_stale_runs"

	// TypeCleanupChunks trims persisted output chunks past retention.
	TypeCleanupChunks = "maintenance:cleanup_chunks"
)

// NewReapStaleRunsTask creates a stale-run reaper task.
func NewReapStaleRunsTask() *asynq.Task {
	return asynq.NewTask(TypeReapStaleRuns, nil,
		asynq.MaxRetry(1),
		asynq.Timeout(2*time.Minute),
		asynq.Queue("low"),
	)
}

// NewCleanupChunksTask creates a chunk retention cleanup task.
func NewCleanupChunksTask() *asynq.Task {
	return asynq.NewTask(TypeCleanupChunks, nil,
		asynq.MaxRetry(1),
		asynq.Timeout(5*time.Minute),
		asynq.Queue("low"),
	)
}

// MaintenanceTaskHandler handles periodic housekeeping tasks.
type MaintenanceTaskHandler struct {
	runs   scan.RunRepository
	chunks scan.ChunkRepository
	cfg    config.EngineConfig
	log    *logger.Logger
}

// NewMaintenanceTaskHandler creates a new maintenance task handler.
func NewMaintenanceTaskHandler(
	runs scan.RunRepository,
	chunks scan.ChunkRepository,
	cfg config.EngineConfig,
	log *logger.Logger,
) *MaintenanceTaskHandler {
	return &MaintenanceTaskHandler{
		runs:   runs,
		chunks: chunks,
		cfg:    cfg,
		log:    log.With("component", "maintenance_tasks"),
	}
}

// HandleReapStaleRuns settles runs that have been live longer than the
// configured age. Covers process crashes that left runs mid-flight.
func (h *MaintenanceTaskHandler) HandleReapStaleRuns(ctx context.Context, _ *asynq.Task) error {
	cutoff := int(h.cfg.StaleRunAge.Seconds())

	n, err := h.runs.MarkStale(ctx, cutoff)
	if err != nil {
		h.log.Error("stale run reap failed", "error", err)
		metrics.BackgroundTasksTotal.WithLabelValues(TypeReapStaleRuns, "error").Inc()
		return err
	}

	if n > 0 {
		h.log.Warn("reaped stale runs", "count", n, "cutoff_seconds", cutoff)
	}
	metrics.BackgroundTasksTotal.WithLabelValues(TypeReapStaleRuns, "ok").Inc()
	return nil
}

// HandleCleanupChunks deletes output chunks past the retention window.
func (h *MaintenanceTaskHandler) HandleCleanupChunks(ctx context.Context, _ *asynq.Task) error {
	cutoff := int(h.cfg.ChunkRetention.Seconds())

	n, err := h.chunks.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		h.log.Error("chunk cleanup failed", "error", err)
		metrics.BackgroundTasksTotal.WithLabelValues(TypeCleanupChunks, "error").Inc()
		return err
	}

	h.log.Info("chunk cleanup completed", "deleted", n, "cutoff_seconds", cutoff)
	metrics.BackgroundTasksTotal.WithLabelValues(TypeCleanupChunks, "ok").Inc()
	return nil
}

// RegisterHandlers registers maintenance task handlers with the asynq
// server mux.
func (h *MaintenanceTaskHandler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeReapStaleRuns, h.HandleReapStaleRuns)
	mux.HandleFunc(TypeCleanupChunks, h.HandleCleanupChunks)
}
