package scan

import (
	"fmt"
	"time"

	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/domain/stage"
)

// JobStatus is the lifecycle state of one stage execution within a run.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobSkipped   JobStatus = "skipped"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobSkipped:
		return true
	}
	return false
}

// Job is one stage execution within a run. The owning executor goroutine
// is the only writer; everyone else sees snapshots.
type Job struct {
	ID     shared.ID
	RunID  shared.ID
	Stage  stage.Name
	Wave   int
	Status JobStatus

	// Attempt counts launches, starting at 1 on the first Start.
	// MaxAttempts is the stage retry count plus one.
	Attempt     int
	MaxAttempts int

	Error      string
	ExitCode   *int
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
}

// JobOutput is the accumulated raw output of a job attempt, handed to
// the stage's findings adapter after the terminal chunk.
type JobOutput struct {
	Raw      []byte
	ExitCode int
}

// NewJob creates a pending job for one stage of a run.
func NewJob(runID shared.ID, name stage.Name, wave, maxAttempts int) *Job {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Job{
		ID:          shared.NewID(),
		RunID:       runID,
		Stage:       name,
		Wave:        wave,
		Status:      JobPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
}

// Start marks the job running and counts the attempt.
func (j *Job) Start() error {
	if j.Status != JobPending {
		return transitionError(j, JobRunning)
	}
	j.Status = JobRunning
	j.Attempt++
	now := time.Now().UTC()
	j.StartedAt = &now
	j.FinishedAt = nil
	j.Error = ""
	return nil
}

// Succeed marks the job completed with the tool's exit code.
func (j *Job) Succeed(exitCode int) error {
	if j.Status != JobRunning {
		return transitionError(j, JobSucceeded)
	}
	j.Status = JobSucceeded
	j.ExitCode = &exitCode
	j.finish()
	return nil
}

// Fail marks the attempt failed.
func (j *Job) Fail(cause error, exitCode *int) error {
	if j.Status != JobRunning {
		return transitionError(j, JobFailed)
	}
	j.Status = JobFailed
	if cause != nil {
		j.Error = cause.Error()
	}
	j.ExitCode = exitCode
	j.finish()
	return nil
}

// Cancel marks the job cancelled. Valid from pending (never launched
// before the abort) and running (killed mid-flight).
func (j *Job) Cancel() error {
	if j.Status != JobPending && j.Status != JobRunning {
		return transitionError(j, JobCancelled)
	}
	j.Status = JobCancelled
	j.finish()
	return nil
}

// Skip marks a never-launched job skipped because a prerequisite did not
// succeed.
func (j *Job) Skip(reason string) error {
	if j.Status != JobPending {
		return transitionError(j, JobSkipped)
	}
	j.Status = JobSkipped
	j.Error = reason
	j.finish()
	return nil
}

// CanRetry reports whether a failed job has attempts left.
func (j *Job) CanRetry() bool {
	return j.Status == JobFailed && j.Attempt < j.MaxAttempts
}

// PrepareRetry resets a failed job to pending for the next attempt. The
// attempt counter is preserved; Start increments it again.
func (j *Job) PrepareRetry() error {
	if !j.CanRetry() {
		return shared.NewDomainError("JOB_RETRY_EXHAUSTED",
			fmt.Sprintf("job %s attempt %d/%d cannot retry", j.ID, j.Attempt, j.MaxAttempts),
			shared.ErrConflict)
	}
	j.Status = JobPending
	j.StartedAt = nil
	j.FinishedAt = nil
	j.ExitCode = nil
	return nil
}

// Duration returns the wall time of the last attempt, or zero.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

func (j *Job) finish() {
	now := time.Now().UTC()
	j.FinishedAt = &now
}

func transitionError(j *Job, to JobStatus) error {
	return shared.NewDomainError("JOB_INVALID_TRANSITION",
		fmt.Sprintf("job %s: cannot move from %s to %s", j.ID, j.Status, to),
		shared.ErrConflict)
}
