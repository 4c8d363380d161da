package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cwygoda/dsaconvert/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id        TEXT NOT NULL UNIQUE,
    source_name   TEXT NOT NULL,
    source_path   TEXT NOT NULL,
    status        TEXT NOT NULL,
    error         TEXT,
    output_files  TEXT NOT NULL DEFAULT '[]',
    remote_job_id TEXT,
    created_at    DATETIME NOT NULL,
    finished_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_finished ON history(finished_at);
`

const DefaultListLimit = 50

// Repository implements domain.HistoryRepository using SQLite.
type Repository struct {
	db *sql.DB
}

var _ domain.HistoryRepository = (*Repository)(nil)

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Record stores a finished job. Recording the same job again replaces the
// earlier row.
func (r *Repository) Record(ctx context.Context, job domain.Job) error {
	if !job.Status.Terminal() {
		return fmt.Errorf("record %s: status %q is not final", job.ID, job.Status)
	}
	files := job.OutputFiles
	if files == nil {
		files = []string{}
	}
	raw, err := json.Marshal(files)
	if err != nil {
		return err
	}
	finished := job.UpdatedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO history (job_id, source_name, source_path, status, error, output_files, remote_job_id, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		     status = excluded.status,
		     error = excluded.error,
		     output_files = excluded.output_files,
		     remote_job_id = excluded.remote_job_id,
		     finished_at = excluded.finished_at`,
		job.ID, job.SourceName, job.SourcePath, job.Status, nullIfEmpty(job.Error),
		string(raw), nullIfEmpty(job.RemoteJobID), job.CreatedAt, finished,
	)
	return err
}

// Get retrieves a recorded job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT job_id, source_name, source_path, status, COALESCE(error, ''), output_files,
		        COALESCE(remote_job_id, ''), created_at, finished_at
		 FROM history WHERE job_id = ?`, id,
	)
	return scanJob(row)
}

// List returns up to limit recorded jobs, most recently finished first.
func (r *Repository) List(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT job_id, source_name, source_path, status, COALESCE(error, ''), output_files,
		        COALESCE(remote_job_id, ''), created_at, finished_at
		 FROM history ORDER BY finished_at DESC, seq DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var status, files string
	err := row.Scan(&job.ID, &job.SourceName, &job.SourcePath, &status, &job.Error, &files,
		&job.RemoteJobID, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if err := json.Unmarshal([]byte(files), &job.OutputFiles); err != nil {
		return nil, fmt.Errorf("job %s: output files: %w", job.ID, err)
	}
	if len(job.OutputFiles) == 0 {
		job.OutputFiles = nil
	}
	if job.Status == domain.StatusCompleted {
		job.Progress = 100
	}
	return &job, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
