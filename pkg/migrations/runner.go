// Package migrations provides ordered SQL migration execution.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migration represents a database migration file.
type Migration struct {
	Version  string
	Name     string
	FilePath string
}

// String returns the migration identifier.
func (m Migration) String() string {
	return fmt.Sprintf("%s_%s", m.Version, m.Name)
}

// Runner executes database migrations in version order.
type Runner struct {
	db            *sql.DB
	migrationsDir string
}

// NewRunner creates a new migration runner.
func NewRunner(db *sql.DB, migrationsDir string) *Runner {
	return &Runner{db: db, migrationsDir: migrationsDir}
}

// EnsureMigrationTable creates the schema_migrations table if it doesn't exist.
func (r *Runner) EnsureMigrationTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(14) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

// AppliedVersions returns the set of applied migration versions.
func (r *Runner) AppliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Pending returns the migrations that have not been applied yet, in
// version order.
func (r *Runner) Pending(ctx context.Context) ([]Migration, error) {
	available, err := r.scanMigrationFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to scan migrations: %w", err)
	}
	applied, err := r.AppliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}

	var pending []Migration
	for _, m := range available {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Up applies every pending migration inside one transaction each.
// Returns how many were applied.
func (r *Runner) Up(ctx context.Context) (int, error) {
	if err := r.EnsureMigrationTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to ensure migration table: %w", err)
	}
	pending, err := r.Pending(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range pending {
		if err := r.apply(ctx, m); err != nil {
			return applied, fmt.Errorf("migration %s: %w", m, err)
		}
		applied++
	}
	return applied, nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	content, err := os.ReadFile(m.FilePath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to execute: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record version: %w", err)
	}
	return tx.Commit()
}

// scanMigrationFiles finds *.up.sql files named like
// 000001_create_scan_runs.up.sql and returns them sorted by version.
func (r *Runner) scanMigrationFiles() ([]Migration, error) {
	var migrations []Migration
	err := filepath.WalkDir(r.migrationsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return nil
		}
		base := strings.TrimSuffix(filepath.Base(path), ".up.sql")
		parts := strings.SplitN(base, "_", 2)
		if len(parts) != 2 {
			return nil // skip invalid filenames
		}
		migrations = append(migrations, Migration{
			Version:  parts[0],
			Name:     parts[1],
			FilePath: path,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}
