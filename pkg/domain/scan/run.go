package scan

import (
	"fmt"
	"time"

	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/domain/stage"
)

// RunStatus is the lifecycle state of a scan or subscan run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunCompleted       RunStatus = "completed"
	RunPartiallyFailed RunStatus = "partially_failed"
	RunFailed          RunStatus = "failed"
	RunAborted         RunStatus = "aborted"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunPartiallyFailed, RunFailed, RunAborted:
		return true
	}
	return false
}

// RunKind distinguishes full scans from single-stage subscans.
type RunKind string

const (
	KindScan    RunKind = "scan"
	KindSubscan RunKind = "subscan"
)

// Stats summarizes terminal job outcomes of a run.
type Stats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// Run is the aggregate for one scan or subscan: the resolved plan, one
// job per enabled stage, and the derived overall status. A single
// executor goroutine owns the aggregate while it is live.
type Run struct {
	ID      shared.ID
	Kind    RunKind
	Targets []string
	Status  RunStatus
	Plan    Plan

	// Jobs is keyed by stage name; each enabled stage runs exactly once
	// per run (retries reuse the job).
	Jobs map[stage.Name]*Job

	// CurrentWave is the index of the wave being executed, -1 before
	// the run starts.
	CurrentWave int

	Stats      Stats
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// NewRun creates a pending run with one pending job per planned stage.
// maxAttempts gives the attempt budget per stage.
func NewRun(kind RunKind, targets []string, plan Plan, maxAttempts map[stage.Name]int) (*Run, error) {
	if len(targets) == 0 {
		return nil, shared.NewDomainError("RUN_NO_TARGETS", "a run needs at least one target", shared.ErrValidation)
	}
	if plan.StageCount() == 0 {
		return nil, shared.NewDomainError("RUN_EMPTY_PLAN", "a run needs at least one enabled stage", shared.ErrValidation)
	}

	r := &Run{
		ID:          shared.NewID(),
		Kind:        kind,
		Targets:     append([]string(nil), targets...),
		Status:      RunPending,
		Plan:        plan,
		Jobs:        make(map[stage.Name]*Job, plan.StageCount()),
		CurrentWave: -1,
		CreatedAt:   time.Now().UTC(),
	}
	for wave, names := range plan.Waves {
		for _, name := range names {
			r.Jobs[name] = NewJob(r.ID, name, wave, maxAttempts[name])
		}
	}
	r.Stats.Total = len(r.Jobs)
	return r, nil
}

// Start moves the run to running.
func (r *Run) Start() error {
	if r.Status != RunPending {
		return runTransitionError(r, RunRunning)
	}
	r.Status = RunRunning
	now := time.Now().UTC()
	r.StartedAt = &now
	return nil
}

// Job returns the job for a stage.
func (r *Run) Job(name stage.Name) (*Job, error) {
	j, ok := r.Jobs[name]
	if !ok {
		return nil, fmt.Errorf("run %s has no job for stage %s: %w", r.ID, name, shared.ErrNotFound)
	}
	return j, nil
}

// Finish derives the terminal status from job outcomes: completed when
// every job succeeded, failed when none did, partially failed otherwise.
func (r *Run) Finish() error {
	if r.Status != RunRunning {
		return runTransitionError(r, RunCompleted)
	}
	r.refreshStats()
	switch {
	case r.Stats.Succeeded == r.Stats.Total:
		r.Status = RunCompleted
	case r.Stats.Succeeded == 0:
		r.Status = RunFailed
	default:
		r.Status = RunPartiallyFailed
	}
	now := time.Now().UTC()
	r.FinishedAt = &now
	return nil
}

// Abort marks the run aborted. Job cancellation is the executor's
// responsibility; Abort only settles the aggregate status.
func (r *Run) Abort() error {
	if r.Status.IsTerminal() {
		return runTransitionError(r, RunAborted)
	}
	r.refreshStats()
	r.Status = RunAborted
	now := time.Now().UTC()
	r.FinishedAt = &now
	return nil
}

// Progress returns completion as a fraction of jobs in terminal states.
func (r *Run) Progress() float64 {
	if r.Stats.Total == 0 {
		return 0
	}
	terminal := 0
	for _, j := range r.Jobs {
		if j.Status.IsTerminal() {
			terminal++
		}
	}
	return float64(terminal) / float64(r.Stats.Total)
}

// Duration returns elapsed wall time, using now for live runs.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	return end.Sub(*r.StartedAt)
}

func (r *Run) refreshStats() {
	s := Stats{Total: len(r.Jobs)}
	for _, j := range r.Jobs {
		switch j.Status {
		case JobSucceeded:
			s.Succeeded++
		case JobFailed:
			s.Failed++
		case JobSkipped:
			s.Skipped++
		case JobCancelled:
			s.Cancelled++
		}
	}
	r.Stats = s
}

// RefreshStats recomputes Stats from job states. The executor calls it
// after each wave so persisted snapshots stay accurate.
func (r *Run) RefreshStats() {
	r.refreshStats()
}

// Clone returns a deep copy safe to hand across goroutines while the
// executor keeps mutating the original.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Targets = append([]string(nil), r.Targets...)
	cp.Jobs = make(map[stage.Name]*Job, len(r.Jobs))
	for name, j := range r.Jobs {
		jc := *j
		if j.ExitCode != nil {
			v := *j.ExitCode
			jc.ExitCode = &v
		}
		if j.StartedAt != nil {
			v := *j.StartedAt
			jc.StartedAt = &v
		}
		if j.FinishedAt != nil {
			v := *j.FinishedAt
			jc.FinishedAt = &v
		}
		cp.Jobs[name] = &jc
	}
	if r.StartedAt != nil {
		v := *r.StartedAt
		cp.StartedAt = &v
	}
	if r.FinishedAt != nil {
		v := *r.FinishedAt
		cp.FinishedAt = &v
	}
	waves := make([][]stage.Name, len(r.Plan.Waves))
	for i, w := range r.Plan.Waves {
		waves[i] = append([]stage.Name(nil), w...)
	}
	cp.Plan = Plan{Waves: waves}
	return &cp
}

func runTransitionError(r *Run, to RunStatus) error {
	return shared.NewDomainError("RUN_INVALID_TRANSITION",
		fmt.Sprintf("run %s: cannot move from %s to %s", r.ID, r.Status, to),
		shared.ErrConflict)
}
