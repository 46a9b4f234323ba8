// Package engine is the scan orchestration service: it resolves
// profiles into plans, owns the live run arena and drives executors.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/reconpoint/engine/pkg/domain/profile"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/domain/stage"
	"github.com/reconpoint/engine/pkg/logger"
)

// Service is the external surface of the engine: start, abort, inspect.
type Service struct {
	registry *stage.Registry
	executor *Executor
	runs     scan.RunRepository
	chunks   scan.ChunkRepository
	log      *logger.Logger

	mu     sync.Mutex
	active map[shared.ID]*execution
}

// NewService wires the engine service.
func NewService(
	registry *stage.Registry,
	executor *Executor,
	runs scan.RunRepository,
	chunks scan.ChunkRepository,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		registry: registry,
		executor: executor,
		runs:     runs,
		chunks:   chunks,
		log:      log.With("component", "engine"),
		active:   make(map[shared.ID]*execution),
	}
}

// StartScanInput carries a full scan request.
type StartScanInput struct {
	Targets     []string
	ProfileYAML []byte
}

// StartScan resolves the profile, builds the wave plan and launches the
// run. It returns as soon as the run is accepted; execution proceeds on
// its own goroutine.
func (s *Service) StartScan(ctx context.Context, in StartScanInput) (*scan.Run, error) {
	p, err := profile.Parse(in.ProfileYAML)
	if err != nil {
		return nil, err
	}
	configs, err := p.Resolve(s.registry)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, shared.NewDomainError("CONFIG",
			"profile enables no stages", shared.ErrValidation)
	}

	enabled := make([]stage.Name, 0, len(configs))
	byStage := make(map[stage.Name]profile.StageConfig, len(configs))
	maxAttempts := make(map[stage.Name]int, len(configs))
	for _, cfg := range configs {
		enabled = append(enabled, cfg.Stage)
		byStage[cfg.Stage] = cfg
		maxAttempts[cfg.Stage] = cfg.MaxAttempts()
	}

	plan, err := scan.BuildPlan(s.registry, enabled)
	if err != nil {
		return nil, err
	}
	run, err := scan.NewRun(scan.KindScan, in.Targets, plan, maxAttempts)
	if err != nil {
		return nil, err
	}
	return s.launch(ctx, run, byStage)
}

// StartSubscanInput carries a single-stage subscan request.
type StartSubscanInput struct {
	Stage       stage.Name
	Targets     []string
	ProfileYAML []byte
}

// StartSubscan launches one standalone-eligible stage against an
// explicit target subset, as its own independent run. It never touches
// any existing scan run.
func (s *Service) StartSubscan(ctx context.Context, in StartSubscanInput) (*scan.Run, error) {
	def, err := s.registry.RequireStandalone(in.Stage)
	if err != nil {
		return nil, err
	}
	p, err := profile.Parse(in.ProfileYAML)
	if err != nil {
		return nil, err
	}
	cfg, err := p.ResolveStage(def)
	if err != nil {
		return nil, err
	}

	plan := scan.BuildSingleStagePlan(def.Name)
	run, err := scan.NewRun(scan.KindSubscan, in.Targets, plan,
		map[stage.Name]int{def.Name: cfg.MaxAttempts()})
	if err != nil {
		return nil, err
	}
	return s.launch(ctx, run, map[stage.Name]profile.StageConfig{def.Name: cfg})
}

func (s *Service) launch(ctx context.Context, run *scan.Run, configs map[stage.Name]profile.StageConfig) (*scan.Run, error) {
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ex := newExecution(run, configs, cancel)

	s.mu.Lock()
	s.active[run.ID] = ex
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.active, run.ID)
			s.mu.Unlock()
			cancel()
		}()
		s.executor.Execute(runCtx, ex)
	}()

	s.log.Info("run accepted",
		"run_id", run.ID.String(), "kind", string(run.Kind),
		"stages", run.Stats.Total, "targets", len(run.Targets))
	return ex.snapshot(), nil
}

// Abort cancels a live run. Running tools are killed by process group;
// pending jobs end cancelled. Aborting a run this process does not own
// returns ErrRunNotActive.
func (s *Service) Abort(ctx context.Context, id shared.ID) error {
	s.mu.Lock()
	ex, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", id, scan.ErrRunNotActive)
	}
	s.log.Info("aborting run", "run_id", id.String())
	ex.cancel()
	return nil
}

// GetStatus returns a run snapshot: the live state for active runs, the
// persisted record otherwise.
func (s *Service) GetStatus(ctx context.Context, id shared.ID) (*scan.Run, error) {
	s.mu.Lock()
	ex, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		return ex.snapshot(), nil
	}
	return s.runs.Get(ctx, id)
}

// ListRuns lists persisted runs.
func (s *Service) ListRuns(ctx context.Context, f scan.RunFilter) ([]*scan.Run, error) {
	return s.runs.List(ctx, f)
}

// ReplayOutput returns persisted chunks of a job feed after the given
// sequence number, in order.
func (s *Service) ReplayOutput(ctx context.Context, jobID shared.ID, after uint64, limit int) ([]scan.OutputChunk, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.chunks.Replay(ctx, jobID, after, limit)
}

// Stages returns the stage catalog.
func (s *Service) Stages() []stage.Definition {
	return s.registry.All()
}

// ActiveRuns reports how many runs this process is executing.
func (s *Service) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// WaitForRun blocks until a live run reaches a terminal state. Returns
// immediately for unknown runs. Test and shutdown helper.
func (s *Service) WaitForRun(ctx context.Context, id shared.ID) error {
	s.mu.Lock()
	ex, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ex.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown aborts every live run and waits for executors to settle.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	live := make([]*execution, 0, len(s.active))
	for _, ex := range s.active {
		live = append(live, ex)
	}
	s.mu.Unlock()

	for _, ex := range live {
		ex.cancel()
	}
	for _, ex := range live {
		select {
		case <-ex.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
