package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reconpoint/engine/internal/metrics"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/logger"
)

// TypeArchiveOutput uploads a settled run's job output to object
// storage.
const TypeArchiveOutput = "scan:archive_output"

// ArchiveOutputPayload identifies the run whose output to archive.
type ArchiveOutputPayload struct {
	RunID string `json:"run_id"`
}

// NewArchiveOutputTask creates an output archival task.
func NewArchiveOutputTask(payload ArchiveOutputPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal archive payload: %w", err)
	}

	return asynq.NewTask(TypeArchiveOutput, data,
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Queue("low"),
	), nil
}

// OutputArchiver uploads a run's persisted output to long-term storage.
// Implemented by the artifacts store.
type OutputArchiver interface {
	ArchiveRun(ctx context.Context, runID shared.ID) ([]string, error)
}

// ArchiveTaskHandler handles output archival tasks.
type ArchiveTaskHandler struct {
	archiver OutputArchiver
	log      *logger.Logger
}

// NewArchiveTaskHandler creates a new archive task handler.
func NewArchiveTaskHandler(archiver OutputArchiver, log *logger.Logger) *ArchiveTaskHandler {
	return &ArchiveTaskHandler{
		archiver: archiver,
		log:      log.With("component", "archive_tasks"),
	}
}

// HandleArchiveOutput uploads the run's job output to object storage.
func (h *ArchiveTaskHandler) HandleArchiveOutput(ctx context.Context, t *asynq.Task) error {
	var payload ArchiveOutputPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		metrics.BackgroundTasksTotal.WithLabelValues(TypeArchiveOutput, "error").Inc()
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	runID, err := shared.ParseID(payload.RunID)
	if err != nil {
		metrics.BackgroundTasksTotal.WithLabelValues(TypeArchiveOutput, "error").Inc()
		return fmt.Errorf("parse run id: %w", err)
	}

	keys, err := h.archiver.ArchiveRun(ctx, runID)
	if err != nil {
		h.log.Error("output archival failed", "run_id", payload.RunID, "error", err)
		metrics.BackgroundTasksTotal.WithLabelValues(TypeArchiveOutput, "error").Inc()
		return err
	}

	h.log.Info("run output archived", "run_id", payload.RunID, "objects", len(keys))
	metrics.BackgroundTasksTotal.WithLabelValues(TypeArchiveOutput, "ok").Inc()
	return nil
}

// RegisterHandlers registers archive task handlers with the asynq
// server mux.
func (h *ArchiveTaskHandler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeArchiveOutput, h.HandleArchiveOutput)
}
