// Package scheduler runs periodic housekeeping on cron schedules:
// stale-run reaping, chunk retention cleanup and template sync. The
// entries only enqueue asynq tasks or trigger syncs; the heavy work
// happens in the background worker.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reconpoint/engine/internal/config"
	"github.com/reconpoint/engine/internal/infra/jobs"
	"github.com/reconpoint/engine/pkg/logger"
)

// TemplateSyncer pulls scan template updates. Implemented by the
// templates store.
type TemplateSyncer interface {
	Sync(ctx context.Context) error
}

// Scheduler triggers periodic maintenance via cron entries.
type Scheduler struct {
	cron   *cron.Cron
	client *jobs.Client
	log    *logger.Logger
}

// New creates a scheduler with the configured maintenance entries
// registered. A nil templates syncer disables template sync.
func New(
	cfg config.SchedulerConfig,
	templatesCfg config.TemplatesConfig,
	client *jobs.Client,
	syncer TemplateSyncer,
	log *logger.Logger,
) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		client: client,
		log:    log.With("component", "scheduler"),
	}

	if cfg.ReapInterval != "" {
		if _, err := s.cron.AddFunc(cfg.ReapInterval, s.enqueueReap); err != nil {
			return nil, fmt.Errorf("invalid reap interval %q: %w", cfg.ReapInterval, err)
		}
	}
	if cfg.CleanupInterval != "" {
		if _, err := s.cron.AddFunc(cfg.CleanupInterval, s.enqueueCleanup); err != nil {
			return nil, fmt.Errorf("invalid cleanup interval %q: %w", cfg.CleanupInterval, err)
		}
	}
	if syncer != nil && templatesCfg.IsConfigured() && templatesCfg.SyncInterval != "" {
		if _, err := s.cron.AddFunc(templatesCfg.SyncInterval, func() { s.syncTemplates(syncer) }); err != nil {
			return nil, fmt.Errorf("invalid template sync interval %q: %w", templatesCfg.SyncInterval, err)
		}
	}

	return s, nil
}

// Start starts the cron loop. Entries fire on their own goroutines.
func (s *Scheduler) Start() {
	s.log.Info("starting scheduler", "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop stops the cron loop and waits for running entries to finish.
func (s *Scheduler) Stop() {
	s.log.Info("stopping scheduler")
	<-s.cron.Stop().Done()
}

func (s *Scheduler) enqueueReap() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.EnqueueReapStaleRuns(ctx); err != nil {
		s.log.Error("failed to schedule stale run reap", "error", err)
	}
}

func (s *Scheduler) enqueueCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.EnqueueCleanupChunks(ctx); err != nil {
		s.log.Error("failed to schedule chunk cleanup", "error", err)
	}
}

func (s *Scheduler) syncTemplates(syncer TemplateSyncer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := syncer.Sync(ctx); err != nil {
		s.log.Error("template sync failed", "error", err)
		return
	}
	s.log.Info("templates synced")
}
