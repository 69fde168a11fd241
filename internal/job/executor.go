package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/randomizedcoder/go-rserve-pool/internal/logging"
	"github.com/randomizedcoder/go-rserve-pool/internal/pool"
	"github.com/randomizedcoder/go-rserve-pool/internal/rserve"
	"github.com/randomizedcoder/go-rserve-pool/internal/worker"
)

// Pool is the part of pool.Pool the executor uses.
type Pool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*worker.Worker, error)
	Release(ctx context.Context, w *worker.Worker, force bool) (pool.Result, error)
}

// Recorder persists finished jobs.
type Recorder interface {
	Save(ctx context.Context, rec *Record) error
}

// Observer receives job measurements.
type Observer interface {
	ObserveJob(final Kind, steps int, d time.Duration)
}

// Step is the stored form of an Outcome.
type Step struct {
	Step      int     `json:"step"`
	Kind      string  `json:"kind"`
	Message   string  `json:"message,omitempty"`
	Value     any     `json:"value,omitempty"`
	ElapsedMS float64 `json:"elapsed_ms"`
}

// Record is a finished job.
type Record struct {
	ID           string    `json:"id"`
	Submitted    time.Time `json:"submitted"`
	DurationMS   float64   `json:"duration_ms"`
	WorkerID     string    `json:"worker_id"`
	PID          int       `json:"pid"`
	Status       string    `json:"status"`
	Commands     int       `json:"commands"`
	Steps        []Step    `json:"steps"`
	Release      string    `json:"release"`
	ReleaseError string    `json:"release_error,omitempty"`
}

// NewRecord summarises res.
func NewRecord(id string, submitted time.Time, seq *Sequence, res Result) *Record {
	rec := &Record{
		ID:         id,
		Submitted:  submitted,
		DurationMS: float64(res.Elapsed) / float64(time.Millisecond),
		Status:     res.Final.Kind.String(),
		Steps:      make([]Step, 0, len(res.Outcomes)),
	}
	if seq != nil {
		rec.Commands = seq.Len()
	}
	for _, o := range res.Outcomes {
		s := Step{
			Step:      o.Step,
			Kind:      o.Kind.String(),
			Message:   o.Message,
			ElapsedMS: float64(o.Elapsed) / float64(time.Millisecond),
		}
		if o.Value != nil {
			s.Value = rserve.ToGo(o.Value)
		}
		rec.Steps = append(rec.Steps, s)
	}
	return rec
}

// Executor checks out a worker, runs a sequence on it and returns the
// worker, replacing it when the run left the session in an unknown state.
type Executor struct {
	Pool           Pool
	Runner         *Runner
	Recorder       Recorder
	Observer       Observer
	AcquireTimeout time.Duration
	Logger         *slog.Logger
}

// Submit runs seq. timeout, when positive, bounds the run itself; a run
// that overruns it forces the worker's replacement. Acquire errors
// (pool.ErrBusy and friends) are returned unchanged.
func (e *Executor) Submit(ctx context.Context, seq *Sequence, timeout time.Duration) (*Record, error) {
	submitted := time.Now()
	id := ulid.Make().String()
	logger := logging.ForJob(e.logger(), id)

	w, err := e.Pool.Acquire(ctx, e.AcquireTimeout)
	if err != nil {
		logger.Warn("job_acquire_failed", "error", err)
		return nil, err
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	res := e.Runner.Run(runCtx, w.Session(), seq)
	overran := runCtx.Err() != nil
	cancel()

	force := res.NeedsReplacement() || overran
	rec := NewRecord(id, submitted, seq, res)
	rec.WorkerID = w.ID
	rec.PID = w.PID

	released, rerr := e.Pool.Release(context.WithoutCancel(ctx), w, force)
	rec.Release = released.String()
	if rerr != nil {
		rec.ReleaseError = rerr.Error()
		logger.Error("job_release_failed",
			"worker_id", w.ID,
			"forced", force,
			"error", rerr,
		)
	}

	if e.Observer != nil {
		e.Observer.ObserveJob(res.Final.Kind, len(res.Outcomes), res.Elapsed)
	}
	if e.Recorder != nil {
		if err := e.Recorder.Save(context.WithoutCancel(ctx), rec); err != nil {
			logger.Error("job_record_failed", "error", err)
		}
	}

	logger.Info("job_completed",
		"worker_id", w.ID,
		"pid", w.PID,
		"status", rec.Status,
		"steps", len(res.Outcomes),
		"release", rec.Release,
		"duration", res.Elapsed,
	)
	return rec, nil
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
