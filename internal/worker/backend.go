package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-rserve-pool/internal/process"
	"github.com/randomizedcoder/go-rserve-pool/internal/session"
)

// OutputFunc returns where a spawned engine's stdout and stderr go.
// A nil OutputFunc or a nil writer discards output.
type OutputFunc func(slot int) io.Writer

// =============================================================================
// Shared server (one forking Rserve, one connection per worker)
// =============================================================================

// SharedBackend runs a single daemonizing Rserve on one port. Every worker
// is a connection to it and is served by its own forked child.
type SharedBackend struct {
	Runner     process.Runner
	Supervisor *process.Supervisor
	Dialer     session.Dialer
	Host       string
	Port       int
	Output     OutputFunc
	Logger     *slog.Logger

	// PollWait and PollCount bound the wait for the daemon to appear in
	// the process table after launch.
	PollWait  time.Duration
	PollCount int

	mu  sync.Mutex
	pid int

	// launched is set once the launcher succeeded, even if the daemon's
	// pid was never found.
	launched bool
}

// Name returns "shared".
func (b *SharedBackend) Name() string { return "shared" }

// PID returns the daemon's pid, or 0 before Prepare.
func (b *SharedBackend) PID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pid
}

// Prepare kills stale servers and launches the daemon.
func (b *SharedBackend) Prepare(ctx context.Context) error {
	ctl := b.Supervisor.Controller()
	name := b.Runner.Name()

	stale, err := ctl.FindByName(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: find stale %s: %w", ErrSpawn, name, err)
	}
	if len(stale) > 0 {
		b.logger().Warn("stale_engine_processes",
			"name", name,
			"pids", stale,
		)
		if err := b.Supervisor.TerminateAll(ctx, stale); err != nil {
			return fmt.Errorf("%w: stale %s: %w", ErrSpawn, name, err)
		}
	}

	cmd, err := b.Runner.BuildCommand(b.Port)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	if b.Output != nil {
		if w := b.Output(-1); w != nil {
			cmd.Stdout = w
			cmd.Stderr = w
		}
	}
	code, err := b.Supervisor.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	if code != 0 {
		return fmt.Errorf("%w: %s exited with code %d", ErrSpawn, name, code)
	}
	b.mu.Lock()
	b.launched = true
	b.mu.Unlock()

	count := b.PollCount
	if count <= 0 {
		count = 10
	}
	for i := 0; i < count; i++ {
		pids, err := ctl.FindByName(ctx, name)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSpawn, err)
		}
		if len(pids) > 0 {
			b.mu.Lock()
			b.pid = pids[0]
			b.mu.Unlock()
			b.logger().Info("engine_server_started",
				"pid", pids[0],
				"port", b.Port,
			)
			return nil
		}
		if i < count-1 {
			if err := sleep(ctx, b.PollWait); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: no %s process after launch", ErrSpawn, name)
}

// Start returns the shared port. The fork happens when the worker connects.
func (b *SharedBackend) Start(ctx context.Context, slot int) (Endpoint, error) {
	if b.PID() == 0 {
		return Endpoint{}, fmt.Errorf("%w: server not running", ErrSpawn)
	}
	return Endpoint{Port: b.Port}, ctx.Err()
}

// Shutdown ends the forked child serving s.
func (b *SharedBackend) Shutdown(ctx context.Context, s session.Session) error {
	return s.Shutdown(ctx)
}

// Teardown stops the daemon through its control channel, then by signal,
// and kills any children that outlived it. When Prepare launched the daemon
// but never found its pid, only the sweep by name runs.
func (b *SharedBackend) Teardown(ctx context.Context) error {
	b.mu.Lock()
	pid, launched := b.pid, b.launched
	b.pid, b.launched = 0, false
	b.mu.Unlock()
	if pid == 0 && !launched {
		return nil
	}

	var errs []error
	if pid != 0 {
		if s, err := b.Dialer.Dial(ctx, b.Host, b.Port); err == nil {
			if err := s.ServerShutdown(ctx); err != nil {
				b.logger().Debug("engine_control_shutdown_failed", "error", err)
			}
			s.Close()
		}
		exited, err := b.Supervisor.WaitExit(ctx, process.PID(pid))
		if err != nil {
			errs = append(errs, err)
		}
		if !exited {
			if _, err := b.Supervisor.Terminate(ctx, process.PID(pid)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	left, err := b.Supervisor.Controller().FindByName(ctx, b.Runner.Name())
	if err != nil {
		errs = append(errs, fmt.Errorf("find leftover %s: %w", b.Runner.Name(), err))
	} else if len(left) > 0 {
		b.logger().Warn("engine_children_left", "pids", left)
		if err := b.Supervisor.TerminateAll(ctx, left); err != nil {
			errs = append(errs, err)
		}
	}

	b.logger().Info("engine_server_stopped", "pid", pid)
	return errors.Join(errs...)
}

func (b *SharedBackend) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// =============================================================================
// Per-port servers (one Rserve process per worker)
// =============================================================================

// PerPortBackend runs one Rserve per worker on BasePort+slot.
type PerPortBackend struct {
	Runner      process.Runner
	Supervisor  *process.Supervisor
	BasePort    int
	Capacity    int
	StartupWait time.Duration
	Output      OutputFunc
	Logger      *slog.Logger

	mu      sync.Mutex
	handles map[int]*process.Handle
}

// Name returns "per_port".
func (b *PerPortBackend) Name() string { return "per_port" }

// Prepare kills whatever owns the ports the pool will use.
func (b *PerPortBackend) Prepare(ctx context.Context) error {
	for slot := 0; slot < b.Capacity; slot++ {
		if err := b.clearPort(ctx, b.BasePort+slot); err != nil {
			return err
		}
	}
	return nil
}

func (b *PerPortBackend) clearPort(ctx context.Context, port int) error {
	pids, err := b.Supervisor.Controller().FindByPort(ctx, port)
	if err != nil {
		return fmt.Errorf("%w: find owner of port %d: %w", ErrSpawn, port, err)
	}
	if len(pids) == 0 {
		return nil
	}
	b.logger().Warn("stale_engine_processes",
		"port", port,
		"pids", pids,
	)
	if err := b.Supervisor.TerminateAll(ctx, pids); err != nil {
		return fmt.Errorf("%w: port %d: %w", ErrSpawn, port, err)
	}
	return nil
}

// Start launches the engine for slot and waits for it to initialise.
func (b *PerPortBackend) Start(ctx context.Context, slot int) (Endpoint, error) {
	port := b.BasePort + slot

	b.mu.Lock()
	old := b.handles[slot]
	b.mu.Unlock()
	if old != nil && !old.Exited() {
		if _, err := b.Supervisor.Terminate(ctx, old); err != nil {
			return Endpoint{}, fmt.Errorf("%w: previous engine on port %d: %w", ErrSpawn, port, err)
		}
	}

	cmd, err := b.Runner.BuildCommand(port)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	if b.Output != nil {
		if w := b.Output(slot); w != nil {
			cmd.Stdout = w
			cmd.Stderr = w
		}
	}
	h, err := b.Supervisor.Spawn(cmd)
	if err != nil {
		return Endpoint{}, err
	}

	if err := sleep(ctx, b.StartupWait); err != nil {
		if _, terr := b.Supervisor.Terminate(context.WithoutCancel(ctx), h); terr != nil {
			err = errors.Join(err, terr)
		}
		return Endpoint{}, err
	}
	if h.Exited() {
		return Endpoint{}, fmt.Errorf("%w: engine on port %d exited during startup (code %d)",
			ErrSpawn, port, h.Result().ExitCode)
	}

	b.mu.Lock()
	if b.handles == nil {
		b.handles = make(map[int]*process.Handle)
	}
	b.handles[slot] = h
	b.mu.Unlock()

	return Endpoint{Port: port, Proc: h}, nil
}

// Shutdown stops the engine process behind s through the control channel.
func (b *PerPortBackend) Shutdown(ctx context.Context, s session.Session) error {
	return s.ServerShutdown(ctx)
}

// Teardown terminates every engine that is still running.
func (b *PerPortBackend) Teardown(ctx context.Context) error {
	b.mu.Lock()
	handles := b.handles
	b.handles = nil
	b.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if h.Exited() {
			continue
		}
		if _, err := b.Supervisor.Terminate(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *PerPortBackend) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
