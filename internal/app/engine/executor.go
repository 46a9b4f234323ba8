package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reconpoint/engine/internal/infra/pool"
	"github.com/reconpoint/engine/internal/metrics"
	"github.com/reconpoint/engine/pkg/domain/profile"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/domain/stage"
	"github.com/reconpoint/engine/pkg/logger"
)

// StageRunner executes one stage job attempt against the run targets,
// publishing data chunks as it goes. Implemented by toolrunner.
type StageRunner interface {
	Run(ctx context.Context, runID, jobID shared.ID, seq *atomic.Uint64, def stage.Definition, cfg profile.StageConfig, targets []string) (*scan.JobOutput, error)
}

// execution is the live state of one run inside this process. The
// executor goroutine and its per-job goroutines mutate run state under
// mu; everyone else gets clones.
type execution struct {
	mu      sync.Mutex
	run     *scan.Run
	configs map[stage.Name]profile.StageConfig
	targets []string
	seqs    map[stage.Name]*atomic.Uint64
	cancel  context.CancelFunc
	done    chan struct{}

	// persistMu orders snapshot-and-write pairs. Per-job goroutines
	// persist concurrently; without this a stale clone could land in
	// the repository after a newer one.
	persistMu sync.Mutex
}

func newExecution(run *scan.Run, configs map[stage.Name]profile.StageConfig, cancel context.CancelFunc) *execution {
	ex := &execution{
		run:     run,
		configs: configs,
		targets: run.Targets,
		seqs:    make(map[stage.Name]*atomic.Uint64, len(run.Jobs)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for name := range run.Jobs {
		ex.seqs[name] = &atomic.Uint64{}
	}
	return ex
}

func (ex *execution) snapshot() *scan.Run {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.run.Clone()
}

// Executor drives runs wave by wave. All jobs of a wave are submitted
// to the shared worker pool together; the next wave starts only when
// every job of the current one is terminal.
type Executor struct {
	registry  *stage.Registry
	pool      *pool.Pool
	runner    StageRunner
	publisher scan.ChunkSink
	runs      scan.RunRepository
	adapters  *AdapterRegistry
	log       *logger.Logger
	tracer    trace.Tracer

	// onUpdate fires after any persisted state change; onTerminal fires
	// once per run with the final snapshot.
	onUpdate   func(*scan.Run)
	onTerminal func(*scan.Run)
}

// NewExecutor wires an executor.
func NewExecutor(
	registry *stage.Registry,
	p *pool.Pool,
	runner StageRunner,
	publisher scan.ChunkSink,
	runs scan.RunRepository,
	adapters *AdapterRegistry,
	log *logger.Logger,
) *Executor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Executor{
		registry:  registry,
		pool:      p,
		runner:    runner,
		publisher: publisher,
		runs:      runs,
		adapters:  adapters,
		log:       log.With("component", "executor"),
		tracer:    otel.Tracer("engine/executor"),
	}
}

// SetOnUpdate registers the live-state callback.
func (e *Executor) SetOnUpdate(fn func(*scan.Run)) { e.onUpdate = fn }

// SetOnTerminal registers the terminal callback.
func (e *Executor) SetOnTerminal(fn func(*scan.Run)) { e.onTerminal = fn }

// Execute drives ex to a terminal state. It blocks; callers run it on
// its own goroutine, one per run.
func (e *Executor) Execute(ctx context.Context, ex *execution) {
	defer close(ex.done)

	ctx, span := e.tracer.Start(ctx, "scan.execute", trace.WithAttributes(
		attribute.String("run.id", ex.run.ID.String()),
		attribute.String("run.kind", string(ex.run.Kind)),
		attribute.Int("run.stages", ex.run.Stats.Total),
	))
	defer span.End()

	log := e.log.With("run_id", ex.run.ID.String(), "kind", string(ex.run.Kind))

	ex.mu.Lock()
	err := ex.run.Start()
	ex.mu.Unlock()
	if err != nil {
		log.Error("run could not start", "error", err)
		return
	}
	e.persist(ex)
	metrics.ScanRunsActive.Inc()
	defer metrics.ScanRunsActive.Dec()

	log.Info("run started", "waves", len(ex.run.Plan.Waves), "targets", len(ex.targets))

	for waveIdx, wave := range ex.run.Plan.Waves {
		if ctx.Err() != nil {
			break
		}
		ex.mu.Lock()
		ex.run.CurrentWave = waveIdx
		ex.mu.Unlock()
		metrics.ScanWaveGauge.WithLabelValues(ex.run.ID.String()).Set(float64(waveIdx))
		e.persist(ex)

		log.Info("wave started", "wave", waveIdx, "stages", len(wave))
		e.executeWave(ctx, ex, waveIdx, wave)

		ex.mu.Lock()
		ex.run.RefreshStats()
		ex.mu.Unlock()
		e.persist(ex)
	}

	e.settle(ctx, ex)
	metrics.ScanWaveGauge.DeleteLabelValues(ex.run.ID.String())

	final := ex.snapshot()
	metrics.ScanRunsTotal.WithLabelValues(string(final.Kind), string(final.Status)).Inc()
	metrics.ScanRunDuration.WithLabelValues(string(final.Kind), string(final.Status)).
		Observe(final.Duration().Seconds())
	log.Info("run finished",
		"status", string(final.Status),
		"succeeded", final.Stats.Succeeded,
		"failed", final.Stats.Failed,
		"skipped", final.Stats.Skipped,
		"duration", final.Duration().String(),
	)
	if e.onTerminal != nil {
		e.onTerminal(final)
	}
}

// executeWave runs all launchable jobs of a wave in parallel and waits
// for every one of them. Jobs whose prerequisites did not succeed are
// skipped without ever touching the pool.
func (e *Executor) executeWave(ctx context.Context, ex *execution, waveIdx int, wave []stage.Name) {
	ctx, span := e.tracer.Start(ctx, "scan.wave", trace.WithAttributes(
		attribute.Int("wave.index", waveIdx),
	))
	defer span.End()

	var wg sync.WaitGroup
	for _, name := range wave {
		ex.mu.Lock()
		job := ex.run.Jobs[name]
		unmet, uerr := scan.UnmetPrerequisites(e.registry, ex.run, name)
		if uerr == nil && len(unmet) > 0 {
			if serr := job.Skip(fmt.Sprintf("prerequisites did not succeed: %v", unmet)); serr == nil {
				metrics.JobsTotal.WithLabelValues(name.String(), string(scan.JobSkipped)).Inc()
				e.log.Info("job skipped",
					"run_id", ex.run.ID.String(), "stage", name.String(), "unmet", fmt.Sprintf("%v", unmet))
			}
			ex.mu.Unlock()
			continue
		}
		ex.mu.Unlock()

		wg.Add(1)
		go func(name stage.Name) {
			defer wg.Done()
			e.runJob(ctx, ex, name)
		}(name)
	}
	wg.Wait()
}

// runJob drives one job through its attempt budget. Retryable failures
// wait out the stage's fixed retry delay and go again; everything else
// is final on the first failure.
func (e *Executor) runJob(ctx context.Context, ex *execution, name stage.Name) {
	ex.mu.Lock()
	job := ex.run.Jobs[name]
	cfg := ex.configs[name]
	runID := ex.run.ID
	ex.mu.Unlock()

	def, err := e.registry.Get(name)
	if err != nil {
		e.failJob(ex, job, err, nil)
		return
	}
	seq := ex.seqs[name]
	log := e.log.With("run_id", runID.String(), "job_id", job.ID.String(), "stage", name.String())

	for {
		ex.mu.Lock()
		startErr := job.Start()
		attempt := job.Attempt
		ex.mu.Unlock()
		if startErr != nil {
			log.Error("job could not start", "error", startErr)
			return
		}
		e.persist(ex)
		log.Info("job attempt started", "attempt", attempt, "max_attempts", job.MaxAttempts)

		out, runErr := e.submitAttempt(ctx, ex, job.ID, seq, def, cfg)

		if runErr == nil {
			exitCode := 0
			if out != nil {
				exitCode = out.ExitCode
			}
			ex.mu.Lock()
			_ = job.Succeed(exitCode)
			dur := job.Duration()
			ex.mu.Unlock()
			metrics.JobsTotal.WithLabelValues(name.String(), string(scan.JobSucceeded)).Inc()
			metrics.JobDuration.WithLabelValues(name.String()).Observe(dur.Seconds())
			e.publishSentinel(scan.NewExitChunk(runID, job.ID, seq.Add(1), exitCode))
			e.persist(ex)
			log.Info("job succeeded", "attempt", attempt)
			if e.adapters != nil && out != nil {
				e.adapters.Dispatch(context.WithoutCancel(ctx), runID, name, out)
			}
			return
		}

		if errors.Is(runErr, context.Canceled) || ctx.Err() != nil {
			ex.mu.Lock()
			_ = job.Cancel()
			ex.mu.Unlock()
			metrics.JobsTotal.WithLabelValues(name.String(), string(scan.JobCancelled)).Inc()
			e.publishSentinel(scan.NewCancelledChunk(runID, job.ID, seq.Add(1)))
			e.persist(ex)
			log.Info("job cancelled", "attempt", attempt)
			return
		}

		var exitCode *int
		if out != nil && out.ExitCode != 0 {
			v := out.ExitCode
			exitCode = &v
		}
		ex.mu.Lock()
		_ = job.Fail(runErr, exitCode)
		retryable := scan.IsRetryable(runErr) && job.CanRetry()
		ex.mu.Unlock()
		log.Warn("job attempt failed", "attempt", attempt, "error", runErr, "retryable", retryable)

		if !retryable {
			metrics.JobsTotal.WithLabelValues(name.String(), string(scan.JobFailed)).Inc()
			if errors.Is(runErr, scan.ErrJobTimeout) {
				// The process group was killed; nothing exited cleanly.
				e.publishSentinel(scan.NewCancelledChunk(runID, job.ID, seq.Add(1)))
			} else {
				code := -1
				if exitCode != nil {
					code = *exitCode
				}
				e.publishSentinel(scan.NewExitChunk(runID, job.ID, seq.Add(1), code))
			}
			e.persist(ex)
			return
		}

		metrics.JobRetriesTotal.WithLabelValues(name.String()).Inc()
		e.persist(ex)
		select {
		case <-time.After(cfg.RetryDelay):
		case <-ctx.Done():
			// Aborted while backing off: the failed attempt stands but
			// the job ends cancelled, like every other non-launched work.
			ex.mu.Lock()
			_ = job.PrepareRetry()
			_ = job.Cancel()
			ex.mu.Unlock()
			metrics.JobsTotal.WithLabelValues(name.String(), string(scan.JobCancelled)).Inc()
			e.publishSentinel(scan.NewCancelledChunk(runID, job.ID, seq.Add(1)))
			e.persist(ex)
			return
		}
		ex.mu.Lock()
		retryErr := job.PrepareRetry()
		ex.mu.Unlock()
		if retryErr != nil {
			log.Error("retry preparation failed", "error", retryErr)
			return
		}
	}
}

// submitAttempt hands the attempt to the worker pool and waits for its
// completion callback. Pool panics come back as retryable crashes.
func (e *Executor) submitAttempt(ctx context.Context, ex *execution, jobID shared.ID, seq *atomic.Uint64, def stage.Definition, cfg profile.StageConfig) (*scan.JobOutput, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	type result struct {
		out *scan.JobOutput
		err error
	}
	ch := make(chan result, 1)
	var out *scan.JobOutput
	task := pool.Task{
		Run: func() error {
			o, err := e.runner.Run(attemptCtx, ex.run.ID, jobID, seq, def, cfg, ex.targets)
			out = o
			return err
		},
		Done: func(err error) {
			ch <- result{out: out, err: err}
		},
	}
	if err := e.pool.Submit(task); err != nil {
		return nil, scan.CrashError(err)
	}

	r := <-ch
	var pe *pool.PanicError
	if errors.As(r.err, &pe) {
		return r.out, scan.CrashError(pe)
	}
	return r.out, r.err
}

// settle cancels whatever is not terminal and fixes the run status.
func (e *Executor) settle(ctx context.Context, ex *execution) {
	ex.mu.Lock()
	aborted := ctx.Err() != nil
	if aborted {
		for _, j := range ex.run.Jobs {
			if !j.Status.IsTerminal() {
				_ = j.Cancel()
			}
		}
		_ = ex.run.Abort()
	} else {
		_ = ex.run.Finish()
	}
	ex.mu.Unlock()
	e.persist(ex)
}

func (e *Executor) publishSentinel(c scan.OutputChunk) {
	if e.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.publisher.Publish(ctx, c)
}

// persist writes the current snapshot through the repository, detached
// from the run context so terminal states survive an abort. Snapshot
// and write happen under persistMu, so whoever writes later writes
// state at least as new as any earlier write.
func (e *Executor) persist(ex *execution) {
	ex.persistMu.Lock()
	defer ex.persistMu.Unlock()

	snap := ex.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.runs.Update(ctx, snap); err != nil {
		e.log.Error("run persistence failed", "run_id", snap.ID.String(), "error", err)
	}
	if e.onUpdate != nil {
		e.onUpdate(snap)
	}
}
