package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/randomizedcoder/go-rserve-pool/internal/logging"
	"github.com/randomizedcoder/go-rserve-pool/internal/process"
	"github.com/randomizedcoder/go-rserve-pool/internal/rserve"
	"github.com/randomizedcoder/go-rserve-pool/internal/session"
)

// Endpoint is where a new worker's engine can be reached.
type Endpoint struct {
	Port int

	// Proc is the dedicated engine process when the backend spawned one.
	// It is nil when workers share a forking server.
	Proc process.Process
}

// Backend starts or attaches to engine processes.
type Backend interface {
	// Name identifies the layout in logs.
	Name() string

	// Prepare runs once before the first Start: stale instance cleanup
	// and, for shared layouts, starting the server.
	Prepare(ctx context.Context) error

	// Start makes an engine available for slot.
	Start(ctx context.Context, slot int) (Endpoint, error)

	// Shutdown asks the engine behind s to exit gracefully.
	Shutdown(ctx context.Context, s session.Session) error

	// Teardown stops whatever Prepare and Start left running.
	Teardown(ctx context.Context) error
}

// Factory creates workers.
type Factory struct {
	Backend    Backend
	Dialer     session.Dialer
	Terminator Terminator
	Host       string
	Libraries  []string
	Settle     time.Duration
	Logger     *slog.Logger
}

// Prepare readies the backend. Call once before Create.
func (f *Factory) Prepare(ctx context.Context) error {
	return f.Backend.Prepare(ctx)
}

// Teardown stops the backend.
func (f *Factory) Teardown(ctx context.Context) error {
	return f.Backend.Teardown(ctx)
}

// Create starts or attaches to an engine for slot, waits for it to settle,
// opens a session, checks the engine's pid over that session and loads every
// library. On any failure whatever was created is destroyed before the
// error is returned.
func (f *Factory) Create(ctx context.Context, slot int) (w *Worker, err error) {
	logger := f.logger()

	ep, err := f.Backend.Start(ctx, slot)
	if err != nil {
		if !errors.Is(err, ErrSpawn) {
			err = fmt.Errorf("%w: slot %d: %w", ErrSpawn, slot, err)
		}
		return nil, err
	}

	var sess session.Session
	pid := 0
	defer func() {
		if err == nil {
			return
		}
		cleanup := context.WithoutCancel(ctx)
		if sess != nil {
			sess.Close()
		}
		victim := ep.Proc
		if victim == nil && pid > 0 {
			victim = process.PID(pid)
		}
		if victim != nil {
			if _, terr := f.Terminator.Terminate(cleanup, victim); terr != nil {
				err = errors.Join(err, terr)
			}
		}
		logger.Warn("worker_create_failed",
			"slot", slot,
			"port", ep.Port,
			"error", err,
		)
	}()

	if err = sleep(ctx, f.Settle); err != nil {
		return nil, err
	}

	sess, err = f.Dialer.Dial(ctx, f.Host, ep.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: connect port %d: %w", ErrLiveness, ep.Port, err)
	}

	pid, err = enginePID(ctx, sess)
	if err != nil {
		return nil, err
	}
	if ep.Proc != nil && ep.Proc.PID() != pid {
		return nil, fmt.Errorf("%w: port %d answered from pid %d, spawned pid %d",
			ErrLiveness, ep.Port, pid, ep.Proc.PID())
	}

	for _, lib := range f.Libraries {
		if err = loadLibrary(ctx, sess, lib); err != nil {
			return nil, err
		}
	}

	proc := ep.Proc
	if proc == nil {
		proc = process.PID(pid)
	}
	id := ulid.Make().String()
	w = &Worker{
		ID:       id,
		Slot:     slot,
		Port:     ep.Port,
		PID:      pid,
		Created:  time.Now(),
		session:  sess,
		proc:     proc,
		term:     f.Terminator,
		shutdown: f.Backend.Shutdown,
		logger:   logging.ForWorker(logger, id, slot, pid),
	}

	w.logger.Info("worker_created",
		"port", ep.Port,
		"backend", f.Backend.Name(),
	)
	return w, nil
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// enginePID asks the engine for its own process id.
func enginePID(ctx context.Context, s session.Session) (int, error) {
	v, err := session.TryEval(ctx, s, "Sys.getpid()")
	if err != nil {
		return 0, fmt.Errorf("%w: Sys.getpid(): %w", ErrLiveness, err)
	}
	pid, err := rserve.AsInt(v)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: Sys.getpid() returned %v", ErrLiveness, rserve.ToGo(v))
	}
	return pid, nil
}

// loadLibrary attaches lib. library() with logical.return reports a missing
// package as FALSE rather than an error.
func loadLibrary(ctx context.Context, s session.Session, lib string) error {
	v, err := session.TryEval(ctx, s, fmt.Sprintf("library(%s, logical.return=TRUE, quietly=TRUE)", lib))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCapability, lib, err)
	}
	ok, err := rserve.AsInt(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCapability, lib, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: cannot find library %s", ErrCapability, lib)
	}
	return nil
}

// sleep waits d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
