package jobs

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reconpoint/engine/internal/config"
	"github.com/reconpoint/engine/internal/metrics"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/logger"
)

// TypeRunWebhook delivers a run completion notification to the
// configured webhook endpoint.
const TypeRunWebhook = "scan:webhook"

// RunWebhookPayload is the run summary posted to the webhook URL.
type RunWebhookPayload struct {
	RunID      string     `json:"run_id"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	Targets    []string   `json:"targets"`
	Stats      scan.Stats `json:"stats"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRunWebhookPayload builds the webhook payload from a settled run.
func NewRunWebhookPayload(run *scan.Run) RunWebhookPayload {
	return RunWebhookPayload{
		RunID:      run.ID.String(),
		Kind:       string(run.Kind),
		Status:     string(run.Status),
		Targets:    run.Targets,
		Stats:      run.Stats,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

// NewRunWebhookTask creates a webhook delivery task for a settled run.
func NewRunWebhookTask(payload RunWebhookPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	return asynq.NewTask(TypeRunWebhook, data,
		asynq.MaxRetry(5),
		asynq.Timeout(1*time.Minute),
		asynq.Queue("default"),
	), nil
}

// WebhookTaskHandler delivers run notifications over HTTP.
type WebhookTaskHandler struct {
	cfg    config.WebhookConfig
	client *http.Client
	log    *logger.Logger
}

// NewWebhookTaskHandler creates a new webhook task handler.
func NewWebhookTaskHandler(cfg config.WebhookConfig, log *logger.Logger) *WebhookTaskHandler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTaskHandler{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.With("component", "webhook_tasks"),
	}
}

// HandleRunWebhook posts the run summary to the configured URL. The
// request body is signed with HMAC-SHA256 when a secret is set, so
// receivers can verify the sender. Non-2xx responses are returned as
// errors and retried by asynq.
func (h *WebhookTaskHandler) HandleRunWebhook(ctx context.Context, t *asynq.Task) error {
	if !h.cfg.IsConfigured() {
		h.log.Debug("webhook not configured, dropping notification")
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(t.Payload()))
	if err != nil {
		metrics.BackgroundTasksTotal.WithLabelValues(TypeRunWebhook, "error").Inc()
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.Secret != "" {
		req.Header.Set("X-Engine-Signature", signPayload(h.cfg.Secret, t.Payload()))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Error("webhook delivery failed", "url", h.cfg.URL, "error", err)
		metrics.BackgroundTasksTotal.WithLabelValues(TypeRunWebhook, "error").Inc()
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.log.Error("webhook rejected", "url", h.cfg.URL, "status", resp.StatusCode)
		metrics.BackgroundTasksTotal.WithLabelValues(TypeRunWebhook, "error").Inc()
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	h.log.Info("webhook delivered", "url", h.cfg.URL, "status", resp.StatusCode)
	metrics.BackgroundTasksTotal.WithLabelValues(TypeRunWebhook, "ok").Inc()
	return nil
}

// RegisterHandlers registers webhook task handlers with the asynq
// server mux.
func (h *WebhookTaskHandler) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeRunWebhook, h.HandleRunWebhook)
}

// signPayload computes the hex HMAC-SHA256 signature of the body.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
