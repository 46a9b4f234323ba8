package scan

import (
	"context"

	"github.com/reconpoint/engine/pkg/domain/shared"
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	Kind     RunKind
	Statuses []RunStatus
	Limit    int
	Offset   int
}

// RunRepository persists run and job snapshots. The executor writes
// through it at lifecycle edges (created, wave advanced, terminal); the
// API layer reads historical runs this process no longer owns.
type RunRepository interface {
	Create(ctx context.Context, r *Run) error
	Update(ctx context.Context, r *Run) error
	Get(ctx context.Context, id shared.ID) (*Run, error)
	List(ctx context.Context, f RunFilter) ([]*Run, error)

	// MarkStale force-fails runs left in a live status longer than the
	// given cutoff, returning how many were settled. Used by the reaper.
	MarkStale(ctx context.Context, cutoffSeconds int) (int64, error)
}

// ChunkSink consumes output chunks in emission order. Sinks must be
// called sequentially per job; the streamer guarantees a chunk is fully
// published before the next one for the same job is produced.
type ChunkSink interface {
	Publish(ctx context.Context, c OutputChunk) error
}

// ChunkRepository is the append-only chunk log. Append must preserve
// per-job sequence order; Replay returns chunks with Sequence > after in
// ascending order.
type ChunkRepository interface {
	Append(ctx context.Context, c OutputChunk) error
	Replay(ctx context.Context, jobID shared.ID, after uint64, limit int) ([]OutputChunk, error)

	// DeleteOlderThan trims chunks of runs finished before the cutoff.
	DeleteOlderThan(ctx context.Context, cutoffSeconds int) (int64, error)
}
