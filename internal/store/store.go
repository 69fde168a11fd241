// Package store keeps the history of finished jobs.
package store

import (
	"context"
	"errors"

	"github.com/randomizedcoder/go-rserve-pool/internal/job"
)

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// Summary holds aggregate job statistics.
type Summary struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for job records.
type Store interface {
	Save(ctx context.Context, rec *job.Record) error
	Get(ctx context.Context, id string) (*job.Record, error)
	List(ctx context.Context, limit, offset int) ([]*job.Record, int, error)
	Summary(ctx context.Context) (*Summary, error)
	Close() error
}
