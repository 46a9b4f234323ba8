package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/reconpoint/engine/pkg/domain/scan"
	"github.com/reconpoint/engine/pkg/domain/shared"
	"github.com/reconpoint/engine/pkg/domain/stage"
)

// ScanRunRepository implements scan.RunRepository using PostgreSQL. Jobs
// and the wave plan travel as JSONB snapshots: the run aggregate is
// written whole at lifecycle edges, never row-by-row.
type ScanRunRepository struct {
	db *DB
}

// NewScanRunRepository creates a new ScanRunRepository.
func NewScanRunRepository(db *DB) *ScanRunRepository {
	return &ScanRunRepository{db: db}
}

// jobRecord is the JSONB shape of one job snapshot.
type jobRecord struct {
	ID          string     `json:"id"`
	Stage       string     `json:"stage"`
	Wave        int        `json:"wave"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	Error       string     `json:"error,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toJobRecords(r *scan.Run) []jobRecord {
	records := make([]jobRecord, 0, len(r.Jobs))
	for _, j := range r.Jobs {
		records = append(records, jobRecord{
			ID:          j.ID.String(),
			Stage:       j.Stage.String(),
			Wave:        j.Wave,
			Status:      string(j.Status),
			Attempt:     j.Attempt,
			MaxAttempts: j.MaxAttempts,
			Error:       j.Error,
			ExitCode:    j.ExitCode,
			StartedAt:   j.StartedAt,
			FinishedAt:  j.FinishedAt,
			CreatedAt:   j.CreatedAt,
		})
	}
	return records
}

func fromJobRecords(runID shared.ID, records []jobRecord) (map[stage.Name]*scan.Job, error) {
	jobs := make(map[stage.Name]*scan.Job, len(records))
	for _, rec := range records {
		id, err := shared.ParseID(rec.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid job id %q: %w", rec.ID, err)
		}
		name := stage.Name(rec.Stage)
		jobs[name] = &scan.Job{
			ID:          id,
			RunID:       runID,
			Stage:       name,
			Wave:        rec.Wave,
			Status:      scan.JobStatus(rec.Status),
			Attempt:     rec.Attempt,
			MaxAttempts: rec.MaxAttempts,
			Error:       rec.Error,
			ExitCode:    rec.ExitCode,
			StartedAt:   rec.StartedAt,
			FinishedAt:  rec.FinishedAt,
			CreatedAt:   rec.CreatedAt,
		}
	}
	return jobs, nil
}

// Create persists a new run.
func (r *ScanRunRepository) Create(ctx context.Context, run *scan.Run) error {
	jobs, err := json.Marshal(toJobRecords(run))
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}
	plan, err := json.Marshal(run.Plan.Waves)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	query := `
		INSERT INTO scan_runs (
			id, kind, status, targets, plan, jobs, current_wave, stats,
			created_at, started_at, finished_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	`
	_, err = r.db.ExecContext(ctx, query,
		run.ID.String(),
		string(run.Kind),
		string(run.Status),
		pq.Array(run.Targets),
		plan,
		jobs,
		run.CurrentWave,
		stats,
		run.CreatedAt,
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s: %w", run.ID, shared.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create scan run: %w", err)
	}
	return nil
}

// Update overwrites the persisted snapshot of a run.
func (r *ScanRunRepository) Update(ctx context.Context, run *scan.Run) error {
	jobs, err := json.Marshal(toJobRecords(run))
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	query := `
		UPDATE scan_runs SET
			status = $2,
			jobs = $3,
			current_wave = $4,
			stats = $5,
			started_at = $6,
			finished_at = $7,
			updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		run.ID.String(),
		string(run.Status),
		jobs,
		run.CurrentWave,
		stats,
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update scan run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s: %w", run.ID, shared.ErrNotFound)
	}
	return nil
}

func (r *ScanRunRepository) selectQuery() string {
	return `
		SELECT id, kind, status, targets, plan, jobs, current_wave, stats,
		       created_at, started_at, finished_at
		FROM scan_runs
	`
}

// Get retrieves a run by ID.
func (r *ScanRunRepository) Get(ctx context.Context, id shared.ID) (*scan.Run, error) {
	query := r.selectQuery() + " WHERE id = $1"
	row := r.db.QueryRowContext(ctx, query, id.String())
	run, err := r.scanFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, shared.ErrNotFound)
	}
	return run, err
}

// List retrieves runs matching the filter, newest first.
func (r *ScanRunRepository) List(ctx context.Context, f scan.RunFilter) ([]*scan.Run, error) {
	var conditions []string
	var args []any
	argPos := 1

	if f.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argPos))
		args = append(args, string(f.Kind))
		argPos++
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argPos))
		args = append(args, pq.Array(statuses))
		argPos++
	}

	query := r.selectQuery()
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, limit)
	argPos++
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan runs: %w", err)
	}
	defer rows.Close()

	var runs []*scan.Run
	for rows.Next() {
		run, err := r.scanFromRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkStale force-fails runs stuck in a live status past the cutoff.
// Protects against process crashes that orphan running records.
func (r *ScanRunRepository) MarkStale(ctx context.Context, cutoffSeconds int) (int64, error) {
	query := `
		UPDATE scan_runs SET
			status = $1,
			finished_at = NOW(),
			updated_at = NOW()
		WHERE status = ANY($2)
		  AND updated_at < NOW() - ($3 || ' seconds')::interval
	`
	res, err := r.db.ExecContext(ctx, query,
		string(scan.RunFailed),
		pq.Array([]string{string(scan.RunPending), string(scan.RunRunning)}),
		fmt.Sprintf("%d", cutoffSeconds),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ScanRunRepository) scanFromRow(row rowScanner) (*scan.Run, error) {
	var (
		idStr, kind, status string
		targets             pq.StringArray
		planJSON, jobsJSON  []byte
		statsJSON           []byte
		currentWave         int
		createdAt           time.Time
		startedAt           sql.NullTime
		finishedAt          sql.NullTime
	)
	if err := row.Scan(
		&idStr, &kind, &status, &targets, &planJSON, &jobsJSON,
		&currentWave, &statsJSON, &createdAt, &startedAt, &finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run row: %w", err)
	}

	id, err := shared.ParseID(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", idStr, err)
	}

	var waves [][]stage.Name
	if err := json.Unmarshal(planJSON, &waves); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	var records []jobRecord
	if err := json.Unmarshal(jobsJSON, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal jobs: %w", err)
	}
	jobs, err := fromJobRecords(id, records)
	if err != nil {
		return nil, err
	}
	var stats scan.Stats
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
		}
	}

	return &scan.Run{
		ID:          id,
		Kind:        scan.RunKind(kind),
		Targets:     []string(targets),
		Status:      scan.RunStatus(status),
		Plan:        scan.Plan{Waves: waves},
		Jobs:        jobs,
		CurrentWave: currentWave,
		Stats:       stats,
		CreatedAt:   createdAt,
		StartedAt:   nullTimeValue(startedAt),
		FinishedAt:  nullTimeValue(finishedAt),
	}, nil
}
