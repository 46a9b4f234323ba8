package scan

import (
	"time"

	"github.com/reconpoint/engine/pkg/domain/shared"
)

// ChunkKind distinguishes tool output from the terminal sentinels.
type ChunkKind string

const (
	// ChunkData carries raw tool output.
	ChunkData ChunkKind = "data"
	// ChunkExit is the final chunk of a job that ran to completion; it
	// carries the tool's exit code.
	ChunkExit ChunkKind = "exit"
	// ChunkCancelled is the final chunk of a job killed by abort or
	// timeout. No data chunks follow it.
	ChunkCancelled ChunkKind = "cancelled"
)

// IsSentinel reports whether the chunk terminates its job's feed.
func (k ChunkKind) IsSentinel() bool {
	return k == ChunkExit || k == ChunkCancelled
}

// OutputChunk is one element of a job's append-only output feed.
// Sequence starts at 1 and increases strictly; consumers detect gaps and
// termination from it and the sentinel kinds alone.
type OutputChunk struct {
	RunID     shared.ID `json:"run_id"`
	JobID     shared.ID `json:"job_id"`
	Sequence  uint64    `json:"sequence"`
	Kind      ChunkKind `json:"kind"`
	Payload   []byte    `json:"payload,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewDataChunk builds a data chunk. The payload is copied; callers may
// reuse their buffer.
func NewDataChunk(runID, jobID shared.ID, seq uint64, payload []byte) OutputChunk {
	return OutputChunk{
		RunID:     runID,
		JobID:     jobID,
		Sequence:  seq,
		Kind:      ChunkData,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}
}

// NewExitChunk builds the exit sentinel.
func NewExitChunk(runID, jobID shared.ID, seq uint64, exitCode int) OutputChunk {
	return OutputChunk{
		RunID:     runID,
		JobID:     jobID,
		Sequence:  seq,
		Kind:      ChunkExit,
		ExitCode:  &exitCode,
		Timestamp: time.Now().UTC(),
	}
}

// NewCancelledChunk builds the cancellation sentinel.
func NewCancelledChunk(runID, jobID shared.ID, seq uint64) OutputChunk {
	return OutputChunk{
		RunID:     runID,
		JobID:     jobID,
		Sequence:  seq,
		Kind:      ChunkCancelled,
		Timestamp: time.Now().UTC(),
	}
}
