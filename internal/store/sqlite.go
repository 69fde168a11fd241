package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randomizedcoder/go-rserve-pool/internal/job"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL,
    worker_id     TEXT NOT NULL,
    pid           INTEGER NOT NULL,
    commands      INTEGER NOT NULL,
    steps         TEXT NOT NULL,
    released      TEXT NOT NULL,
    release_error TEXT,
    duration_ms   REAL NOT NULL,
    submitted_at  DATETIME NOT NULL
)`

const jobColumns = `id, status, worker_id, pid, commands, steps, released,
	release_error, duration_ms, submitted_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and creates the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts rec.
func (s *SQLiteStore) Save(ctx context.Context, rec *job.Record) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	var releaseErr sql.NullString
	if rec.ReleaseError != "" {
		releaseErr = sql.NullString{String: rec.ReleaseError, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, rec.WorkerID, rec.PID, rec.Commands, string(steps),
		rec.Release, releaseErr, rec.DurationMS, rec.Submitted.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*job.Record, error) {
	var (
		rec        job.Record
		steps      string
		releaseErr sql.NullString
		submitted  time.Time
	)
	if err := row.Scan(
		&rec.ID, &rec.Status, &rec.WorkerID, &rec.PID, &rec.Commands, &steps,
		&rec.Release, &releaseErr, &rec.DurationMS, &submitted,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of job %s: %w", rec.ID, err)
	}
	rec.ReleaseError = releaseErr.String
	rec.Submitted = submitted
	return &rec, nil
}

// Get retrieves a job by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*job.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return rec, nil
}

// List returns a page of jobs, newest first, with the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*job.Record, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY submitted_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, total, nil
}

// Summary returns counts by status and the mean duration.
func (s *SQLiteStore) Summary(ctx context.Context) (*Summary, error) {
	sum := &Summary{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		sum.CountByStatus[status] = n
		sum.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT AVG(duration_ms) FROM jobs").Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	sum.AvgDurationMS = avg.Float64
	return sum, nil
}
