package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
)

// OutputChunkRepository implements scan.ChunkRepository using PostgreSQL.
// The table is append-only; (job_id, sequence) is the primary key, so a
// duplicate publish after a crash recovery is a no-op instead of a
// corrupted feed.
type OutputChunkRepository struct {
	db *DB
}

// NewOutputChunkRepository creates a new OutputChunkRepository.
func NewOutputChunkRepository(db *DB) *OutputChunkRepository {
	return &OutputChunkRepository{db: db}
}

// Append persists one chunk.
func (r *OutputChunkRepository) Append(ctx context.Context, c scan.OutputChunk) error {
	query := `
		INSERT INTO output_chunks (run_id, job_id, sequence, kind, payload, exit_code, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id, sequence) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		c.RunID.String(),
		c.JobID.String(),
		int64(c.Sequence),
		string(c.Kind),
		c.Payload,
		nullInt(c.ExitCode),
		c.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append output chunk: %w", err)
	}
	return nil
}

// Publish implements scan.ChunkSink so the repository can sit in the
// executor's sink fan-out directly.
func (r *OutputChunkRepository) Publish(ctx context.Context, c scan.OutputChunk) error {
	return r.Append(ctx, c)
}

// Replay returns chunks of a job with Sequence > after, ascending.
func (r *OutputChunkRepository) Replay(ctx context.Context, jobID shared.ID, after uint64, limit int) ([]scan.OutputChunk, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT run_id, job_id, sequence, kind, payload, exit_code, ts
		FROM output_chunks
		WHERE job_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, jobID.String(), int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to replay output chunks: %w", err)
	}
	defer rows.Close()

	var chunks []scan.OutputChunk
	for rows.Next() {
		var (
			runIDStr, jobIDStr, kind string
			sequence                 int64
			payload                  []byte
			exitCode                 sql.NullInt64
			ts                       time.Time
		)
		if err := rows.Scan(&runIDStr, &jobIDStr, &sequence, &kind, &payload, &exitCode, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan output chunk row: %w", err)
		}

		runID, err := shared.ParseID(runIDStr)
		if err != nil {
			return nil, fmt.Errorf("invalid run id %q: %w", runIDStr, err)
		}
		jID, err := shared.ParseID(jobIDStr)
		if err != nil {
			return nil, fmt.Errorf("invalid job id %q: %w", jobIDStr, err)
		}
		chunks = append(chunks, scan.OutputChunk{
			RunID:     runID,
			JobID:     jID,
			Sequence:  uint64(sequence),
			Kind:      scan.ChunkKind(kind),
			Payload:   payload,
			ExitCode:  nullIntValue(exitCode),
			Timestamp: ts,
		})
	}
	return chunks, rows.Err()
}

// DeleteOlderThan trims chunks whose run finished before the cutoff.
func (r *OutputChunkRepository) DeleteOlderThan(ctx context.Context, cutoffSeconds int) (int64, error) {
	query := `
		DELETE FROM output_chunks
		WHERE run_id IN (
			SELECT id FROM scan_runs
			WHERE finished_at IS NOT NULL
			  AND finished_at < NOW() - ($1 || ' seconds')::interval
		)
	`
	res, err := r.db.ExecContext(ctx, query, fmt.Sprintf("%d", cutoffSeconds))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old output chunks: %w", err)
	}
	return res.RowsAffected()
}
