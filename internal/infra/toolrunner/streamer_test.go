package toolrunner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/logger"
)

// memorySink records published chunks and can signal arrivals.
type memorySink struct {
	mu      sync.Mutex
	chunks  []scan.OutputChunk
	arrived chan struct{}
}

func newMemorySink() *memorySink {
	return &memorySink{arrived: make(chan struct{}, 128)}
}

func (m *memorySink) Publish(_ context.Context, c scan.OutputChunk) error {
	m.mu.Lock()
	m.chunks = append(m.chunks, c)
	m.mu.Unlock()
	select {
	case m.arrived <- struct{}{}:
	default:
	}
	return nil
}

func (m *memorySink) all() []scan.OutputChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]scan.OutputChunk(nil), m.chunks...)
}

func shellCmd(script string) Command {
	return Command{Tool: "sh", Args: []string{"-c", script}}
}

func TestStreamPublishesLinesInOrder(t *testing.T) {
	sink := newMemorySink()
	s := NewStreamer(sink, time.Second, logger.NewNop())

	runID, jobID := shared.NewID(), shared.NewID()
	var seq atomic.Uint64
	res, err := s.Stream(t.Context(), runID, jobID, &seq,
		shellCmd("echo alpha; echo beta; echo gamma"))
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, uint64(3), res.Chunks)
	assert.Equal(t, "alpha\nbeta\ngamma\n", string(res.Output))

	chunks := sink.all()
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, uint64(i+1), c.Sequence, "sequence must increase from 1")
		assert.Equal(t, scan.ChunkData, c.Kind)
		assert.Equal(t, jobID, c.JobID)
		assert.Equal(t, runID, c.RunID)
	}
	assert.Equal(t, "alpha", string(chunks[0].Payload))
	assert.Equal(t, "gamma", string(chunks[2].Payload))
}

func TestStreamTruncatesOversizedLines(t *testing.T) {
	sink := newMemorySink()
	s := NewStreamer(sink, time.Second, logger.NewNop())

	runID, jobID := shared.NewID(), shared.NewID()
	var seq atomic.Uint64

	// One line roughly double the chunk cap, then a normal one. The
	// stream must drain past the giant line and finish cleanly instead
	// of stalling until the stage timeout.
	script := `head -c 2097152 /dev/zero | tr '\0' a; echo; echo tail`
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	res, err := s.Stream(ctx, runID, jobID, &seq, shellCmd(script))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, uint64(2), res.Chunks)

	chunks := sink.all()
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0].Payload, maxLineSize, "oversized line capped at the chunk bound")
	assert.Equal(t, "tail", string(chunks[1].Payload))
}

func TestStreamSharedSequenceAcrossInvocations(t *testing.T) {
	sink := newMemorySink()
	s := NewStreamer(sink, time.Second, logger.NewNop())

	runID, jobID := shared.NewID(), shared.NewID()
	var seq atomic.Uint64
	_, err := s.Stream(t.Context(), runID, jobID, &seq, shellCmd("echo one"))
	require.NoError(t, err)
	_, err = s.Stream(t.Context(), runID, jobID, &seq, shellCmd("echo two"))
	require.NoError(t, err)

	chunks := sink.all()
	require.Len(t, chunks, 2)
	assert.Equal(t, uint64(1), chunks[0].Sequence)
	assert.Equal(t, uint64(2), chunks[1].Sequence)
}

func TestStreamClassifiesFailures(t *testing.T) {
	sink := newMemorySink()
	s := NewStreamer(sink, time.Second, logger.NewNop())
	var seq atomic.Uint64

	t.Run("non-zero exit is a tool rejection", func(t *testing.T) {
		res, err := s.Stream(t.Context(), shared.NewID(), shared.NewID(), &seq,
			shellCmd("echo bad args >&2; exit 2"))
		require.Error(t, err)
		assert.ErrorIs(t, err, scan.ErrToolRejected)
		assert.False(t, scan.IsRetryable(err))
		assert.Equal(t, 2, res.ExitCode)
	})

	t.Run("launch failure is a retryable crash", func(t *testing.T) {
		_, err := s.Stream(t.Context(), shared.NewID(), shared.NewID(), &seq,
			Command{Tool: "/nonexistent/recon-tool"})
		require.Error(t, err)
		assert.ErrorIs(t, err, scan.ErrJobCrash)
		assert.True(t, scan.IsRetryable(err))
	})

	t.Run("deadline is a retryable timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
		defer cancel()
		_, err := s.Stream(ctx, shared.NewID(), shared.NewID(), &seq,
			shellCmd("sleep 30"))
		require.Error(t, err)
		assert.ErrorIs(t, err, scan.ErrJobTimeout)
		assert.True(t, scan.IsRetryable(err))
	})
}

func TestStreamCancellationKeepsOnlyPreCancelChunks(t *testing.T) {
	sink := newMemorySink()
	s := NewStreamer(sink, 200*time.Millisecond, logger.NewNop())

	runID, jobID := shared.NewID(), shared.NewID()
	var seq atomic.Uint64

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Stream(ctx, runID, jobID, &seq,
			shellCmd("echo first; echo second; sleep 30; echo never"))
		errCh <- err
	}()

	// Wait for both pre-sleep lines, then cancel mid-stream.
	for i := 0; i < 2; i++ {
		select {
		case <-sink.arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("tool output never arrived")
		}
	}
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not return after cancellation")
	}

	chunks := sink.all()
	require.Len(t, chunks, 2, "only pre-cancellation chunks may appear")
	assert.Equal(t, "first", string(chunks[0].Payload))
	assert.Equal(t, "second", string(chunks[1].Payload))
}

func TestKillJobTerminatesProcessGroup(t *testing.T) {
	sink := newMemorySink()
	s := NewStreamer(sink, 100*time.Millisecond, logger.NewNop())

	jobID := shared.NewID()
	var seq atomic.Uint64
	errCh := make(chan error, 1)
	go func() {
		// The subshell child must die with the group.
		_, err := s.Stream(t.Context(), shared.NewID(), jobID, &seq,
			shellCmd("echo up; (sleep 30); echo never"))
		errCh <- err
	}()

	select {
	case <-sink.arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}
	s.KillJob(jobID)

	select {
	case err := <-errCh:
		// Killed out-of-band: the process dies by signal.
		require.Error(t, err)
		assert.ErrorIs(t, err, scan.ErrJobCrash)
	case <-time.After(5 * time.Second):
		t.Fatal("process group survived KillJob")
	}
}
