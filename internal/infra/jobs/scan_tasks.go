package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reconpoint/engine/internal/app/engine"
	"github.com/reconpoint/engine/internal/metrics"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/logger"
)

const (
	// TypeScheduledScan launches a full scan at a later time.
	TypeScheduledScan = "scan:scheduled"
)

// ScheduledScanPayload contains the scan request to launch.
type ScheduledScanPayload struct {
	Targets []string `json:"targets"`
	Profile string   `json:"profile"`
}

// NewScheduledScanTask creates a task that launches a scan, optionally
// delayed.
func NewScheduledScanTask(payload ScheduledScanPayload, delay time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal scheduled scan payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.MaxRetry(3),
		asynq.Timeout(5 * time.Minute),
		asynq.Queue("critical"),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	return asynq.NewTask(TypeScheduledScan, data, opts...), nil
}

// ScanLauncher launches scans. Implemented by the engine service.
type ScanLauncher interface {
	StartScan(ctx context.Context, in engine.StartScanInput) (*scan.Run, error)
}

// ScanTaskHandler handles scheduled scan tasks.
type ScanTaskHandler struct {
	launcher ScanLauncher
	log      *logger.Logger
}

// NewScanTaskHandler creates a new scheduled scan task handler.
func NewScanTaskHandler(launcher ScanLauncher, log *logger.Logger) *ScanTaskHandler {
	return &ScanTaskHandler{
		launcher: launcher,
		log:      log.With("component", "scan_tasks"),
	}
}

// HandleScheduledScan launches the scan carried by the task.
func (h *ScanTaskHandler) HandleScheduledScan(ctx context.Context, t *asynq.Task) error {
	var payload ScheduledScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		metrics.BackgroundTasksTotal.WithLabelValues(TypeScheduledScan, "error").Inc()
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	run, err := h.launcher.StartScan(ctx, engine.StartScanInput{
		Targets:     payload.Targets,
		ProfileYAML: []byte(payload.Profile),
	})
	if err != nil {
		h.log.Error("scheduled scan failed to start",
			"targets", len(payload.Targets), "error", err)
		metrics.BackgroundTasksTotal.WithLabelValues(TypeScheduledScan, "error").Inc()
		return err
	}

	h.log.Info("scheduled scan started",
		"run_id", run.ID.String(), "targets", len(payload.Targets))
	metrics.BackgroundTasksTotal.WithLabelValues(TypeScheduledScan, "ok").Inc()
	return nil
}

// RegisterHandlers registers scan task handlers with the asynq server mux.
func (h *ScanTaskHandler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeScheduledScan, h.HandleScheduledScan)
}
