// Package jobs manages background task processing using Asynq: scan
// scheduling, run completion webhooks, output archival and periodic
// housekeeping.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reconpoint/engine/internal/config"
	"github.com/reconpoint/engine/pkg/logger"
)

// Client manages enqueueing background jobs using Asynq.
type Client struct {
	client *asynq.Client
	logger *logger.Logger
}

// NewClient creates a new job client for enqueueing tasks.
func NewClient(cfg config.RedisConfig, log *logger.Logger) *Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Client{
		client: client,
		logger: log.With("component", "job_client"),
	}
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueScheduledScan enqueues a scan launch, optionally delayed.
func (c *Client) EnqueueScheduledScan(ctx context.Context, payload ScheduledScanPayload, delay time.Duration) error {
	task, err := NewScheduledScanTask(payload, delay)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		c.logger.Error("failed to enqueue scheduled scan",
			"targets", len(payload.Targets),
			"error", err,
		)
		return fmt.Errorf("enqueue task: %w", err)
	}

	c.logger.Info("scheduled scan queued",
		"task_id", info.ID,
		"targets", len(payload.Targets),
		"queue", info.Queue,
		"delay", delay,
	)
	return nil
}

// EnqueueRunWebhook enqueues a run completion webhook delivery.
func (c *Client) EnqueueRunWebhook(ctx context.Context, payload RunWebhookPayload) error {
	task, err := NewRunWebhookTask(payload)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		c.logger.Error("failed to enqueue run webhook",
			"run_id", payload.RunID,
			"error", err,
		)
		return fmt.Errorf("enqueue task: %w", err)
	}

	c.logger.Info("run webhook queued",
		"task_id", info.ID,
		"run_id", payload.RunID,
		"queue", info.Queue,
	)
	return nil
}

// EnqueueArchiveOutput enqueues archival of a settled run's output.
func (c *Client) EnqueueArchiveOutput(ctx context.Context, payload ArchiveOutputPayload) error {
	task, err := NewArchiveOutputTask(payload)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		c.logger.Error("failed to enqueue output archival",
			"run_id", payload.RunID,
			"error", err,
		)
		return fmt.Errorf("enqueue task: %w", err)
	}

	c.logger.Info("output archival queued",
		"task_id", info.ID,
		"run_id", payload.RunID,
		"queue", info.Queue,
	)
	return nil
}

// EnqueueReapStaleRuns enqueues a stale-run reap pass.
func (c *Client) EnqueueReapStaleRuns(ctx context.Context) error {
	info, err := c.client.EnqueueContext(ctx, NewReapStaleRunsTask())
	if err != nil {
		c.logger.Error("failed to enqueue stale run reap", "error", err)
		return fmt.Errorf("enqueue task: %w", err)
	}

	c.logger.Info("stale run reap queued", "task_id", info.ID, "queue", info.Queue)
	return nil
}

// EnqueueCleanupChunks enqueues a chunk retention cleanup pass.
func (c *Client) EnqueueCleanupChunks(ctx context.Context) error {
	info, err := c.client.EnqueueContext(ctx, NewCleanupChunksTask())
	if err != nil {
		c.logger.Error("failed to enqueue chunk cleanup", "error", err)
		return fmt.Errorf("enqueue task: %w", err)
	}

	c.logger.Info("chunk cleanup queued", "task_id", info.ID, "queue", info.Queue)
	return nil
}
