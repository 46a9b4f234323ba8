package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconpoint/engine/internal/infra/pool"
	"github.com/reconpoint/engine/pkg/domain/profile"
	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/domain/stage"
	"github.com/reconpoint/engine/pkg/logger"
)

// fakeRunner scripts per-stage outcomes and records call order.
type fakeRunner struct {
	mu       sync.Mutex
	starts   []stage.Name
	finishes []stage.Name
	attempts map[stage.Name]int

	// script returns the error for the given attempt (1-based); nil
	// means success. Stages without a script succeed.
	script map[stage.Name]func(attempt int) error

	// blocked stages wait for ctx cancellation and report it.
	blocked map[stage.Name]bool

	// sink, when set, receives two data chunks per attempt the way the
	// real tool runner streams output.
	sink scan.ChunkSink
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		attempts: make(map[stage.Name]int),
		script:   make(map[stage.Name]func(attempt int) error),
		blocked:  make(map[stage.Name]bool),
	}
}

func (f *fakeRunner) Run(ctx context.Context, runID, jobID shared.ID, seq *atomic.Uint64, def stage.Definition, cfg profile.StageConfig, targets []string) (*scan.JobOutput, error) {
	f.mu.Lock()
	f.starts = append(f.starts, def.Name)
	f.attempts[def.Name]++
	attempt := f.attempts[def.Name]
	script := f.script[def.Name]
	blocked := f.blocked[def.Name]
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, context.Canceled
	}
	if f.sink != nil {
		for i := 0; i < 2; i++ {
			payload := fmt.Sprintf("%s line %d", def.Name, i)
			_ = f.sink.Publish(ctx, scan.NewDataChunk(runID, jobID, seq.Add(1), []byte(payload)))
		}
	}

	var err error
	if script != nil {
		err = script(attempt)
	}
	f.mu.Lock()
	f.finishes = append(f.finishes, def.Name)
	f.mu.Unlock()
	if err != nil {
		return &scan.JobOutput{ExitCode: 1}, err
	}
	return &scan.JobOutput{Raw: []byte(def.Name.String() + " output\n")}, nil
}

func (f *fakeRunner) attemptCount(name stage.Name) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[name]
}

func (f *fakeRunner) finishIndex(name stage.Name) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.finishes {
		if n == name {
			return i
		}
	}
	return -1
}

func (f *fakeRunner) startIndex(name stage.Name) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.starts {
		if n == name {
			return i
		}
	}
	return -1
}

// memRunRepo is an in-memory scan.RunRepository. Update keeps every
// persisted snapshot in arrival order so tests can check that writes
// never go backwards.
type memRunRepo struct {
	mu      sync.Mutex
	m       map[shared.ID]*scan.Run
	history map[shared.ID][]*scan.Run
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{
		m:       make(map[shared.ID]*scan.Run),
		history: make(map[shared.ID][]*scan.Run),
	}
}

func (r *memRunRepo) Create(_ context.Context, run *scan.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[run.ID] = run.Clone()
	return nil
}

func (r *memRunRepo) Update(_ context.Context, run *scan.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := run.Clone()
	r.m[run.ID] = clone
	r.history[run.ID] = append(r.history[run.ID], clone)
	return nil
}

func (r *memRunRepo) updatesFor(id shared.ID) []*scan.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*scan.Run, len(r.history[id]))
	copy(out, r.history[id])
	return out
}

func (r *memRunRepo) Get(_ context.Context, id shared.ID) (*scan.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.m[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return run.Clone(), nil
}

func (r *memRunRepo) List(_ context.Context, _ scan.RunFilter) ([]*scan.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*scan.Run, 0, len(r.m))
	for _, run := range r.m {
		out = append(out, run.Clone())
	}
	return out, nil
}

func (r *memRunRepo) MarkStale(context.Context, int) (int64, error) { return 0, nil }

// memChunkRepo is an in-memory scan.ChunkRepository and ChunkSink.
type memChunkRepo struct {
	mu     sync.Mutex
	chunks []scan.OutputChunk
}

func (r *memChunkRepo) Publish(_ context.Context, c scan.OutputChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
	return nil
}

func (r *memChunkRepo) Append(ctx context.Context, c scan.OutputChunk) error {
	return r.Publish(ctx, c)
}

func (r *memChunkRepo) Replay(_ context.Context, jobID shared.ID, after uint64, limit int) ([]scan.OutputChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []scan.OutputChunk
	for _, c := range r.chunks {
		if c.JobID == jobID && c.Sequence > after {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memChunkRepo) DeleteOlderThan(context.Context, int) (int64, error) { return 0, nil }

func (r *memChunkRepo) forJob(jobID shared.ID) []scan.OutputChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []scan.OutputChunk
	for _, c := range r.chunks {
		if c.JobID == jobID {
			out = append(out, c)
		}
	}
	return out
}

type testEngine struct {
	svc    *Service
	runner *fakeRunner
	runs   *memRunRepo
	chunks *memChunkRepo
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	reg := stage.NewRegistry()
	runner := newFakeRunner()
	runs := newMemRunRepo()
	chunks := &memChunkRepo{}
	runner.sink = chunks

	p := pool.New(pool.Config{MinWorkers: 2, MaxWorkers: 8, IdleTimeout: time.Second}, logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	exec := NewExecutor(reg, p, runner, chunks, runs, NewAdapterRegistry(logger.NewNop()), logger.NewNop())
	svc := NewService(reg, exec, runs, chunks, logger.NewNop())
	return &testEngine{svc: svc, runner: runner, runs: runs, chunks: chunks}
}

const fullProfile = `
shared:
  retries: 0
  retry_delay: 0
subdomain_discovery: {}
osint: {}
port_scan: {}
dir_file_fuzz: {}
vulnerability_scan: {}
`

func awaitTerminal(t *testing.T, e *testEngine, id shared.ID) *scan.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.svc.WaitForRun(ctx, id))
	run, err := e.svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	require.True(t, run.Status.IsTerminal(), "run still %s", run.Status)
	return run
}

func TestScanRunsWavesInOrder(t *testing.T) {
	e := newTestEngine(t)

	run, err := e.svc.StartScan(t.Context(), StartScanInput{
		Targets:     []string{"example.com"},
		ProfileYAML: []byte(fullProfile),
	})
	require.NoError(t, err)

	require.Len(t, run.Plan.Waves, 3)
	assert.Equal(t, []stage.Name{stage.OSINT, stage.SubdomainDiscovery}, run.Plan.Waves[0])
	assert.Equal(t, []stage.Name{stage.PortScan}, run.Plan.Waves[1])
	assert.Equal(t, []stage.Name{stage.DirFileFuzz, stage.VulnerabilityScan}, run.Plan.Waves[2])

	final := awaitTerminal(t, e, run.ID)
	assert.Equal(t, scan.RunCompleted, final.Status)
	assert.Equal(t, 5, final.Stats.Succeeded)

	// Wave gating: port_scan starts only after both wave-0 stages
	// finished, and the wave-2 stages only after port_scan finished.
	assert.Greater(t, e.runner.startIndex(stage.PortScan), e.runner.finishIndex(stage.OSINT))
	assert.Greater(t, e.runner.startIndex(stage.PortScan), e.runner.finishIndex(stage.SubdomainDiscovery))
	assert.Greater(t, e.runner.startIndex(stage.DirFileFuzz), e.runner.finishIndex(stage.PortScan))
	assert.Greater(t, e.runner.startIndex(stage.VulnerabilityScan), e.runner.finishIndex(stage.PortScan))
}

func TestFailedStageSkipsDependents(t *testing.T) {
	e := newTestEngine(t)
	e.runner.script[stage.PortScan] = func(int) error {
		return scan.RejectedError(errors.New("bad flags"))
	}

	run, err := e.svc.StartScan(t.Context(), StartScanInput{
		Targets:     []string{"example.com"},
		ProfileYAML: []byte(fullProfile),
	})
	require.NoError(t, err)
	final := awaitTerminal(t, e, run.ID)

	assert.Equal(t, scan.RunPartiallyFailed, final.Status)
	assert.Equal(t, scan.JobSucceeded, final.Jobs[stage.OSINT].Status)
	assert.Equal(t, scan.JobSucceeded, final.Jobs[stage.SubdomainDiscovery].Status)
	assert.Equal(t, scan.JobFailed, final.Jobs[stage.PortScan].Status)
	assert.Equal(t, scan.JobSkipped, final.Jobs[stage.DirFileFuzz].Status)
	assert.Equal(t, scan.JobSkipped, final.Jobs[stage.VulnerabilityScan].Status)

	// Skipped stages never reach the runner.
	assert.Zero(t, e.runner.attemptCount(stage.DirFileFuzz))
	assert.Zero(t, e.runner.attemptCount(stage.VulnerabilityScan))

	// A non-retryable failure is not retried.
	assert.Equal(t, 1, e.runner.attemptCount(stage.PortScan))
}

func TestRetryPolicy(t *testing.T) {
	t.Run("retries twice then fails, three attempts total", func(t *testing.T) {
		e := newTestEngine(t)
		e.runner.script[stage.OSINT] = func(int) error {
			return scan.TimeoutError(errors.New("slow"))
		}
		run, err := e.svc.StartScan(t.Context(), StartScanInput{
			Targets:     []string{"example.com"},
			ProfileYAML: []byte("shared:\n  retries: 2\n  retry_delay: 0\nosint: {}\n"),
		})
		require.NoError(t, err)
		final := awaitTerminal(t, e, run.ID)

		assert.Equal(t, scan.RunFailed, final.Status)
		assert.Equal(t, scan.JobFailed, final.Jobs[stage.OSINT].Status)
		assert.Equal(t, 3, e.runner.attemptCount(stage.OSINT))
		assert.Equal(t, 3, final.Jobs[stage.OSINT].Attempt)
	})

	t.Run("succeeds on second attempt", func(t *testing.T) {
		e := newTestEngine(t)
		e.runner.script[stage.OSINT] = func(attempt int) error {
			if attempt == 1 {
				return scan.CrashError(errors.New("flaky launch"))
			}
			return nil
		}
		run, err := e.svc.StartScan(t.Context(), StartScanInput{
			Targets:     []string{"example.com"},
			ProfileYAML: []byte("shared:\n  retries: 2\n  retry_delay: 0\nosint: {}\n"),
		})
		require.NoError(t, err)
		final := awaitTerminal(t, e, run.ID)

		assert.Equal(t, scan.RunCompleted, final.Status)
		assert.Equal(t, 2, e.runner.attemptCount(stage.OSINT))
	})

	t.Run("non-retryable error stops immediately", func(t *testing.T) {
		e := newTestEngine(t)
		e.runner.script[stage.OSINT] = func(int) error {
			return scan.RejectedError(errors.New("unknown flag"))
		}
		run, err := e.svc.StartScan(t.Context(), StartScanInput{
			Targets:     []string{"example.com"},
			ProfileYAML: []byte("shared:\n  retries: 5\n  retry_delay: 0\nosint: {}\n"),
		})
		require.NoError(t, err)
		final := awaitTerminal(t, e, run.ID)

		assert.Equal(t, scan.RunFailed, final.Status)
		assert.Equal(t, 1, e.runner.attemptCount(stage.OSINT))
	})
}

func TestAbortCancelsRunningAndPendingJobs(t *testing.T) {
	e := newTestEngine(t)
	e.runner.blocked[stage.SubdomainDiscovery] = true

	run, err := e.svc.StartScan(t.Context(), StartScanInput{
		Targets:     []string{"example.com"},
		ProfileYAML: []byte(fullProfile),
	})
	require.NoError(t, err)

	// Wait until the blocked stage is actually running.
	require.Eventually(t, func() bool {
		return e.runner.attemptCount(stage.SubdomainDiscovery) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.svc.Abort(t.Context(), run.ID))
	final := awaitTerminal(t, e, run.ID)

	assert.Equal(t, scan.RunAborted, final.Status)
	assert.Equal(t, scan.JobCancelled, final.Jobs[stage.SubdomainDiscovery].Status)
	for _, name := range []stage.Name{stage.PortScan, stage.DirFileFuzz, stage.VulnerabilityScan} {
		assert.Equal(t, scan.JobCancelled, final.Jobs[name].Status, "stage %s", name)
		assert.Zero(t, e.runner.attemptCount(name), "stage %s must never launch", name)
	}

	// The cancelled job's feed ends with the cancellation sentinel.
	chunks := e.chunks.forJob(final.Jobs[stage.SubdomainDiscovery].ID)
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Equal(t, scan.ChunkCancelled, last.Kind)
	for _, c := range chunks[:len(chunks)-1] {
		assert.Equal(t, scan.ChunkData, c.Kind, "no sentinel before the end")
	}
}

func TestAbortUnknownRun(t *testing.T) {
	e := newTestEngine(t)
	err := e.svc.Abort(t.Context(), shared.NewID())
	assert.ErrorIs(t, err, scan.ErrRunNotActive)
}

func TestChunkFeedEndsWithExitSentinel(t *testing.T) {
	e := newTestEngine(t)

	run, err := e.svc.StartScan(t.Context(), StartScanInput{
		Targets:     []string{"example.com"},
		ProfileYAML: []byte("osint:\n  retries: 0\n"),
	})
	require.NoError(t, err)
	final := awaitTerminal(t, e, run.ID)
	require.Equal(t, scan.RunCompleted, final.Status)

	jobID := final.Jobs[stage.OSINT].ID
	chunks := e.chunks.forJob(jobID)
	require.Len(t, chunks, 3, "two data chunks plus the exit sentinel")

	for i, c := range chunks {
		assert.Equal(t, uint64(i+1), c.Sequence, "strictly increasing sequence")
	}
	assert.Equal(t, scan.ChunkData, chunks[0].Kind)
	assert.Equal(t, scan.ChunkData, chunks[1].Kind)
	assert.Equal(t, scan.ChunkExit, chunks[2].Kind)
	require.NotNil(t, chunks[2].ExitCode)
	assert.Zero(t, *chunks[2].ExitCode)

	t.Run("replay returns the same feed", func(t *testing.T) {
		replayed, err := e.svc.ReplayOutput(t.Context(), jobID, 0, 100)
		require.NoError(t, err)
		assert.Equal(t, chunks, replayed)
	})

	t.Run("replay after a sequence number", func(t *testing.T) {
		replayed, err := e.svc.ReplayOutput(t.Context(), jobID, 2, 100)
		require.NoError(t, err)
		require.Len(t, replayed, 1)
		assert.Equal(t, scan.ChunkExit, replayed[0].Kind)
	})
}

func TestAdaptersReceiveAccumulatedOutput(t *testing.T) {
	reg := stage.NewRegistry()
	runner := newFakeRunner()
	runs := newMemRunRepo()
	chunks := &memChunkRepo{}

	p := pool.New(pool.Config{MinWorkers: 1, MaxWorkers: 4, IdleTimeout: time.Second}, logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	adapters := NewAdapterRegistry(logger.NewNop())
	var gotStage stage.Name
	var gotOutput []byte
	var calls atomic.Int32
	adapters.Register(stage.OSINT, AdapterFunc(func(_ context.Context, _ shared.ID, st stage.Name, out *scan.JobOutput) error {
		gotStage = st
		gotOutput = out.Raw
		calls.Add(1)
		return nil
	}))

	exec := NewExecutor(reg, p, runner, chunks, runs, adapters, logger.NewNop())
	svc := NewService(reg, exec, runs, chunks, logger.NewNop())
	e := &testEngine{svc: svc, runner: runner, runs: runs, chunks: chunks}

	run, err := svc.StartScan(t.Context(), StartScanInput{
		Targets:     []string{"example.com"},
		ProfileYAML: []byte("osint: {}\n"),
	})
	require.NoError(t, err)
	awaitTerminal(t, e, run.ID)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, stage.OSINT, gotStage)
	assert.Equal(t, "osint output\n", string(gotOutput))
}

func TestSubscanRunsIndependently(t *testing.T) {
	e := newTestEngine(t)

	parent, err := e.svc.StartScan(t.Context(), StartScanInput{
		Targets:     []string{"example.com"},
		ProfileYAML: []byte(fullProfile),
	})
	require.NoError(t, err)
	awaitTerminal(t, e, parent.ID)

	before, err := e.runs.Get(t.Context(), parent.ID)
	require.NoError(t, err)

	sub, err := e.svc.StartSubscan(t.Context(), StartSubscanInput{
		Stage:   stage.PortScan,
		Targets: []string{"api.example.com"},
		ProfileYAML: []byte(`shared:
  retries: 0
port_scan:
  top_ports: 100
`),
	})
	require.NoError(t, err)

	assert.Equal(t, scan.KindSubscan, sub.Kind)
	assert.Equal(t, []string{"api.example.com"}, sub.Targets)
	require.Len(t, sub.Plan.Waves, 1)
	assert.Equal(t, []stage.Name{stage.PortScan}, sub.Plan.Waves[0])
	assert.NotEqual(t, parent.ID, sub.ID)

	final := awaitTerminal(t, e, sub.ID)
	assert.Equal(t, scan.RunCompleted, final.Status)
	assert.Equal(t, 1, final.Stats.Total)

	// The subscan never touches the originating run's record.
	after, err := e.runs.Get(t.Context(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStartSubscanValidation(t *testing.T) {
	e := newTestEngine(t)

	t.Run("not standalone eligible", func(t *testing.T) {
		_, err := e.svc.StartSubscan(t.Context(), StartSubscanInput{
			Stage:   stage.Screenshot,
			Targets: []string{"example.com"},
		})
		assert.ErrorIs(t, err, stage.ErrNotStandalone)
	})

	t.Run("unknown stage", func(t *testing.T) {
		_, err := e.svc.StartSubscan(t.Context(), StartSubscanInput{
			Stage:   "bogus",
			Targets: []string{"example.com"},
		})
		assert.ErrorIs(t, err, stage.ErrUnknownStage)
	})
}

func TestScanWithoutProfileRunsDefaultStages(t *testing.T) {
	e := newTestEngine(t)

	run, err := e.svc.StartScan(t.Context(), StartScanInput{
		Targets: []string{"example.com"},
	})
	require.NoError(t, err)

	reg := stage.NewRegistry()
	assert.Equal(t, len(reg.Names()), run.Stats.Total)

	final := awaitTerminal(t, e, run.ID)
	assert.Equal(t, scan.RunCompleted, final.Status)
	for _, name := range reg.Names() {
		require.Contains(t, final.Jobs, name)
		assert.Equal(t, scan.JobSucceeded, final.Jobs[name].Status, "stage %s", name)
	}
}

func TestPersistedSnapshotsNeverRegress(t *testing.T) {
	e := newTestEngine(t)

	run, err := e.svc.StartScan(t.Context(), StartScanInput{
		Targets:     []string{"example.com"},
		ProfileYAML: []byte(fullProfile),
	})
	require.NoError(t, err)
	final := awaitTerminal(t, e, run.ID)
	require.Equal(t, scan.RunCompleted, final.Status)

	history := e.runs.updatesFor(run.ID)
	require.NotEmpty(t, history)

	// Once a persisted snapshot shows a job terminal, every later
	// snapshot must agree; a stale write would flip it back.
	settled := make(map[stage.Name]scan.JobStatus)
	prevDone := 0
	for _, snap := range history {
		done := 0
		for name, job := range snap.Jobs {
			if want, ok := settled[name]; ok {
				assert.Equal(t, want, job.Status, "stage %s reverted from %s", name, want)
			}
			if job.Status.IsTerminal() {
				settled[name] = job.Status
				done++
			}
		}
		assert.GreaterOrEqual(t, done, prevDone, "terminal job count went backwards")
		prevDone = done
	}

	last := history[len(history)-1]
	assert.Equal(t, scan.RunCompleted, last.Status)
	assert.Equal(t, final.Stats.Succeeded, last.Stats.Succeeded)
}

func TestStartScanValidation(t *testing.T) {
	e := newTestEngine(t)

	t.Run("config error propagates", func(t *testing.T) {
		_, err := e.svc.StartScan(t.Context(), StartScanInput{
			Targets:     []string{"example.com"},
			ProfileYAML: []byte("port_scan:\n  threads: -1\n"),
		})
		require.Error(t, err)
		assert.True(t, profile.IsConfigError(err))
	})

	t.Run("no enabled stages", func(t *testing.T) {
		_, err := e.svc.StartScan(t.Context(), StartScanInput{
			Targets:     []string{"example.com"},
			ProfileYAML: []byte("port_scan:\n  enable: false\n"),
		})
		require.Error(t, err)
		assert.True(t, shared.IsValidation(err))
	})

	t.Run("no targets", func(t *testing.T) {
		_, err := e.svc.StartScan(t.Context(), StartScanInput{
			Targets:     nil,
			ProfileYAML: []byte("osint: {}\n"),
		})
		require.Error(t, err)
		assert.True(t, shared.IsValidation(err))
	})
}
