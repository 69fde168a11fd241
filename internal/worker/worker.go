// Package worker manages one engine process and its session.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-rserve-pool/internal/process"
	"github.com/randomizedcoder/go-rserve-pool/internal/session"
)

var (
	// ErrSpawn means the engine process could not be started.
	ErrSpawn = errors.New("engine spawn failed")

	// ErrLiveness means the engine did not answer, or answered from the
	// wrong process.
	ErrLiveness = errors.New("engine liveness check failed")

	// ErrCapability means a required library failed to load.
	ErrCapability = errors.New("engine library load failed")

	// ErrDestroyed is returned when destroying a worker twice.
	ErrDestroyed = errors.New("worker already destroyed")
)

// State is the lifecycle state of a Worker.
type State int32

const (
	StateReady State = iota
	StateInUse
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateInUse:
		return "in_use"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Tier says which step of Destroy stopped the engine process.
type Tier int

const (
	TierGraceful Tier = iota
	TierSoftKill
	TierForcedKill
)

func (t Tier) String() string {
	switch t {
	case TierGraceful:
		return "graceful"
	case TierSoftKill:
		return "soft_kill"
	case TierForcedKill:
		return "forced_kill"
	default:
		return "unknown"
	}
}

// Terminator stops processes. process.Supervisor implements it.
type Terminator interface {
	Terminate(ctx context.Context, p process.Process) (process.Exit, error)
	WaitExit(ctx context.Context, p process.Process) (bool, error)
}

// Worker is one engine process plus the session the pool hands out.
type Worker struct {
	ID      string
	Slot    int
	Port    int
	PID     int
	Created time.Time

	session  session.Session
	proc     process.Process
	term     Terminator
	shutdown func(context.Context, session.Session) error
	logger   *slog.Logger

	state atomic.Int32
}

// Session returns the worker's session. Only the current holder may use it.
func (w *Worker) Session() session.Session { return w.session }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// SetState moves the worker between Ready and InUse. Destroyed is terminal.
func (w *Worker) SetState(s State) bool {
	for {
		old := w.state.Load()
		if State(old) == StateDestroyed {
			return false
		}
		if w.state.CompareAndSwap(old, int32(s)) {
			return true
		}
	}
}

// Healthy reports whether the worker can be handed out again.
func (w *Worker) Healthy() bool {
	return w.State() != StateDestroyed && w.session.Connected()
}

// Destroy stops the engine process. With graceful set it first asks the
// session to shut down and waits for the process to go; otherwise, or when
// that fails, it falls through to the supervisor's kill escalation.
func (w *Worker) Destroy(ctx context.Context, graceful bool) (Tier, error) {
	if State(w.state.Swap(int32(StateDestroyed))) == StateDestroyed {
		return TierGraceful, ErrDestroyed
	}

	if graceful && w.session.Connected() {
		err := w.shutdown(ctx, w.session)
		if err == nil {
			exited, werr := w.term.WaitExit(ctx, w.proc)
			if werr == nil && exited {
				w.session.Close()
				w.logger.Info("worker_destroyed", "tier", TierGraceful.String())
				return TierGraceful, nil
			}
		} else {
			w.logger.Debug("worker_shutdown_failed", "error", err)
		}
	}

	w.session.Close()
	exit, err := w.term.Terminate(ctx, w.proc)
	tier := TierSoftKill
	if exit == process.ExitForced {
		tier = TierForcedKill
	}
	if err != nil {
		w.logger.Error("worker_destroy_failed", "error", err)
		return tier, fmt.Errorf("worker %s pid %d: %w", w.ID, w.PID, err)
	}

	w.logger.Info("worker_destroyed", "tier", tier.String())
	return tier, nil
}

// String implements fmt.Stringer for logging.
func (w *Worker) String() string {
	return fmt.Sprintf("worker{id=%s slot=%d port=%d pid=%d state=%s}", w.ID, w.Slot, w.Port, w.PID, w.State())
}
