package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/domain/stage"
)

func newTestRun(t *testing.T, names ...stage.Name) *Run {
	t.Helper()
	reg := stage.NewRegistry()
	plan, err := BuildPlan(reg, names)
	require.NoError(t, err)
	run, err := NewRun(KindScan, []string{"example.com"}, plan, nil)
	require.NoError(t, err)
	return run
}

func TestNewRun(t *testing.T) {
	t.Run("creates one pending job per planned stage", func(t *testing.T) {
		run := newTestRun(t, stage.SubdomainDiscovery, stage.PortScan)
		assert.Equal(t, RunPending, run.Status)
		assert.Equal(t, -1, run.CurrentWave)
		require.Len(t, run.Jobs, 2)
		for _, j := range run.Jobs {
			assert.Equal(t, JobPending, j.Status)
			assert.Equal(t, 1, j.MaxAttempts)
		}
		assert.Equal(t, 0, run.Jobs[stage.SubdomainDiscovery].Wave)
		assert.Equal(t, 1, run.Jobs[stage.PortScan].Wave)
	})

	t.Run("attempt budget per stage", func(t *testing.T) {
		reg := stage.NewRegistry()
		plan, err := BuildPlan(reg, []stage.Name{stage.OSINT})
		require.NoError(t, err)
		run, err := NewRun(KindScan, []string{"example.com"}, plan,
			map[stage.Name]int{stage.OSINT: 3})
		require.NoError(t, err)
		assert.Equal(t, 3, run.Jobs[stage.OSINT].MaxAttempts)
	})

	t.Run("rejects empty targets", func(t *testing.T) {
		reg := stage.NewRegistry()
		plan, err := BuildPlan(reg, []stage.Name{stage.OSINT})
		require.NoError(t, err)
		_, err = NewRun(KindScan, nil, plan, nil)
		assert.True(t, shared.IsValidation(err))
	})

	t.Run("rejects empty plan", func(t *testing.T) {
		_, err := NewRun(KindScan, []string{"example.com"}, Plan{}, nil)
		assert.True(t, shared.IsValidation(err))
	})
}

func settleJob(t *testing.T, j *Job, status JobStatus) {
	t.Helper()
	switch status {
	case JobSucceeded:
		require.NoError(t, j.Start())
		require.NoError(t, j.Succeed(0))
	case JobFailed:
		require.NoError(t, j.Start())
		require.NoError(t, j.Fail(ErrToolRejected, nil))
	case JobSkipped:
		require.NoError(t, j.Skip("prerequisite failed"))
	case JobCancelled:
		require.NoError(t, j.Cancel())
	default:
		t.Fatalf("unsupported terminal status %s", status)
	}
}

func TestRunFinishDerivesStatus(t *testing.T) {
	cases := []struct {
		name     string
		statuses map[stage.Name]JobStatus
		want     RunStatus
	}{
		{
			name: "all succeeded is completed",
			statuses: map[stage.Name]JobStatus{
				stage.OSINT: JobSucceeded, stage.SubdomainDiscovery: JobSucceeded,
			},
			want: RunCompleted,
		},
		{
			name: "mixed outcome is partially failed",
			statuses: map[stage.Name]JobStatus{
				stage.OSINT: JobSucceeded, stage.SubdomainDiscovery: JobFailed,
			},
			want: RunPartiallyFailed,
		},
		{
			name: "success plus skipped is partially failed",
			statuses: map[stage.Name]JobStatus{
				stage.OSINT: JobSucceeded, stage.SubdomainDiscovery: JobSkipped,
			},
			want: RunPartiallyFailed,
		},
		{
			name: "no success is failed",
			statuses: map[stage.Name]JobStatus{
				stage.OSINT: JobFailed, stage.SubdomainDiscovery: JobSkipped,
			},
			want: RunFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			run := newTestRun(t, stage.OSINT, stage.SubdomainDiscovery)
			require.NoError(t, run.Start())
			for name, status := range tc.statuses {
				settleJob(t, run.Jobs[name], status)
			}
			require.NoError(t, run.Finish())
			assert.Equal(t, tc.want, run.Status)
			assert.True(t, run.Status.IsTerminal())
			assert.NotNil(t, run.FinishedAt)
		})
	}
}

func TestRunAbort(t *testing.T) {
	run := newTestRun(t, stage.OSINT)
	require.NoError(t, run.Start())
	require.NoError(t, run.Abort())
	assert.Equal(t, RunAborted, run.Status)

	t.Run("abort is not valid twice", func(t *testing.T) {
		err := run.Abort()
		require.Error(t, err)
		assert.Equal(t, "RUN_INVALID_TRANSITION", shared.ErrorCode(err))
	})
}

func TestJobLifecycle(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		j := NewJob(shared.NewID(), stage.OSINT, 0, 1)
		require.NoError(t, j.Start())
		assert.Equal(t, 1, j.Attempt)
		require.NoError(t, j.Succeed(0))
		assert.True(t, j.Status.IsTerminal())
		require.NotNil(t, j.ExitCode)
		assert.Zero(t, *j.ExitCode)
	})

	t.Run("retry budget", func(t *testing.T) {
		j := NewJob(shared.NewID(), stage.OSINT, 0, 3)
		for attempt := 1; attempt <= 3; attempt++ {
			require.NoError(t, j.Start())
			assert.Equal(t, attempt, j.Attempt)
			require.NoError(t, j.Fail(ErrJobTimeout, nil))
			if attempt < 3 {
				assert.True(t, j.CanRetry())
				require.NoError(t, j.PrepareRetry())
			}
		}
		assert.False(t, j.CanRetry())
		assert.Error(t, j.PrepareRetry())
	})

	t.Run("cannot succeed before start", func(t *testing.T) {
		j := NewJob(shared.NewID(), stage.OSINT, 0, 1)
		err := j.Succeed(0)
		require.Error(t, err)
		assert.Equal(t, "JOB_INVALID_TRANSITION", shared.ErrorCode(err))
	})

	t.Run("skip only from pending", func(t *testing.T) {
		j := NewJob(shared.NewID(), stage.OSINT, 0, 1)
		require.NoError(t, j.Start())
		assert.Error(t, j.Skip("late"))
	})

	t.Run("cancel from pending and running", func(t *testing.T) {
		p := NewJob(shared.NewID(), stage.OSINT, 0, 1)
		require.NoError(t, p.Cancel())

		r := NewJob(shared.NewID(), stage.OSINT, 0, 1)
		require.NoError(t, r.Start())
		require.NoError(t, r.Cancel())

		assert.Error(t, r.Cancel())
	})
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, IsRetryable(ErrJobTimeout))
	assert.True(t, IsRetryable(ErrJobCrash))
	assert.True(t, IsRetryable(TimeoutError(assert.AnError)))
	assert.True(t, IsRetryable(CrashError(assert.AnError)))
	assert.False(t, IsRetryable(ErrToolRejected))
	assert.False(t, IsRetryable(RejectedError(assert.AnError)))
	assert.False(t, IsRetryable(assert.AnError))
	assert.False(t, IsRetryable(nil))
}
