package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrSpawn is returned when a process cannot be started.
	ErrSpawn = errors.New("process spawn failed")

	// ErrUnkillable is returned when a process survives the forced signal.
	ErrUnkillable = errors.New("process unkillable")
)

// Exit says which signal ended a process.
type Exit int

const (
	// ExitGraceful means the process stopped after the soft signal.
	ExitGraceful Exit = iota
	// ExitForced means the forced signal was needed.
	ExitForced
)

func (e Exit) String() string {
	switch e {
	case ExitGraceful:
		return "graceful"
	case ExitForced:
		return "forced"
	default:
		return "unknown"
	}
}

// Callbacks contains optional callback functions for supervisor events.
type Callbacks struct {
	// OnStart is called after a process is started.
	OnStart func(pid int)

	// OnExit is called when a spawned process has been reaped.
	OnExit func(pid int, exitCode int, uptime time.Duration)

	// OnForceKill is called before the forced signal is sent.
	OnForceKill func(pid int)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Controller Controller
	Logger     *slog.Logger
	Callbacks  Callbacks

	// Wait is the spacing between liveness polls.
	Wait time.Duration

	// Retries is how many times liveness is polled after each signal.
	Retries int
}

// Supervisor spawns, polls and terminates processes through a Controller.
// It is safe for concurrent use.
type Supervisor struct {
	ctl       Controller
	logger    *slog.Logger
	callbacks Callbacks
	wait      time.Duration
	retries   int
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	wait := cfg.Wait
	if wait <= 0 {
		wait = time.Second
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		ctl:       cfg.Controller,
		logger:    logger,
		callbacks: cfg.Callbacks,
		wait:      wait,
		retries:   retries,
	}
}

// Controller returns the platform strategy in use.
func (s *Supervisor) Controller() Controller {
	return s.ctl
}

// Handle is a process started by the Supervisor. A background goroutine
// reaps it, so Exited is authoritative for spawned children.
type Handle struct {
	cmd   *exec.Cmd
	pid   int
	start time.Time
	done  chan struct{}

	mu       sync.Mutex
	end      time.Time
	exitCode int
	waitErr  error
}

// PID returns the process id.
func (h *Handle) PID() int { return h.pid }

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Result returns the exit information. Only meaningful once Exited.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Result{
		PID:       h.pid,
		ExitCode:  h.exitCode,
		StartTime: h.start,
		EndTime:   h.end,
		Error:     h.waitErr,
	}
}

// Spawn starts cmd and reaps it in the background. A launch failure is
// terminal for this attempt.
func (s *Supervisor) Spawn(cmd *exec.Cmd) (*Handle, error) {
	start := time.Now()
	if err := cmd.Start(); err != nil {
		s.logger.Error("failed_to_start_process",
			"path", cmd.Path,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, cmd.Path, err)
	}

	h := &Handle{
		cmd:   cmd,
		pid:   cmd.Process.Pid,
		start: start,
		done:  make(chan struct{}),
	}

	s.logger.Info("process_started",
		"pid", h.pid,
		"path", cmd.Path,
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(h.pid)
	}

	go s.reap(h)
	return h, nil
}

func (s *Supervisor) reap(h *Handle) {
	err := h.cmd.Wait()
	uptime := time.Since(h.start)
	code := extractExitCode(err)

	h.mu.Lock()
	h.end = time.Now()
	h.exitCode = code
	h.waitErr = err
	h.mu.Unlock()

	s.logger.Info("process_exited",
		"pid", h.pid,
		"exit_code", code,
		"uptime", uptime.String(),
	)
	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(h.pid, code, uptime)
	}
	close(h.done)
}

// Run starts cmd and waits for it to exit, returning its exit code. If ctx
// ends first the process is terminated.
func (s *Supervisor) Run(ctx context.Context, cmd *exec.Cmd) (int, error) {
	h, err := s.Spawn(cmd)
	if err != nil {
		return 1, err
	}
	select {
	case <-h.Done():
		res := h.Result()
		return res.ExitCode, res.Error
	case <-ctx.Done():
		if _, err := s.Terminate(context.Background(), h); err != nil {
			return 1, errors.Join(ctx.Err(), err)
		}
		return 1, ctx.Err()
	}
}

// Alive reports whether p is still running. Errors from the controller
// count as alive so that callers escalate rather than leak.
func (s *Supervisor) Alive(ctx context.Context, p Process) bool {
	if h, ok := p.(*Handle); ok {
		return !h.Exited()
	}
	alive, err := s.ctl.Alive(ctx, p.PID())
	if err != nil {
		s.logger.Warn("liveness_check_failed",
			"pid", p.PID(),
			"error", err,
		)
		return true
	}
	return alive
}

// WaitExit polls p up to the configured retries, Wait apart, and reports
// whether it exited.
func (s *Supervisor) WaitExit(ctx context.Context, p Process) (bool, error) {
	for i := 0; i < s.retries; i++ {
		if !s.Alive(ctx, p) {
			return true, nil
		}
		if i == s.retries-1 {
			break
		}
		if h, ok := p.(*Handle); ok {
			select {
			case <-h.Done():
				return true, nil
			case <-time.After(s.wait):
			case <-ctx.Done():
				return false, ctx.Err()
			}
			continue
		}
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return false, nil
}

// Terminate stops p. The soft signal goes first and p gets the full polling
// window to exit. Only then is the forced signal sent, once, followed by the
// same polling window. A process still alive after that is ErrUnkillable.
func (s *Supervisor) Terminate(ctx context.Context, p Process) (Exit, error) {
	pid := p.PID()

	if err := s.ctl.SoftKill(ctx, pid); err != nil {
		s.logger.Debug("soft_kill_failed",
			"pid", pid,
			"error", err,
		)
	}
	exited, err := s.WaitExit(ctx, p)
	if err != nil {
		return ExitGraceful, err
	}
	if exited {
		return ExitGraceful, nil
	}

	s.logger.Warn("force_killing_process",
		"pid", pid,
		"controller", s.ctl.Name(),
	)
	if s.callbacks.OnForceKill != nil {
		s.callbacks.OnForceKill(pid)
	}
	if err := s.ctl.ForceKill(ctx, pid); err != nil {
		s.logger.Debug("force_kill_failed",
			"pid", pid,
			"error", err,
		)
	}
	exited, err = s.WaitExit(ctx, p)
	if err != nil {
		return ExitForced, err
	}
	if exited {
		return ExitForced, nil
	}

	s.logger.Error("process_unkillable", "pid", pid)
	return ExitForced, fmt.Errorf("pid %d: %w", pid, ErrUnkillable)
}

// TerminateAll terminates every pid, collecting failures.
func (s *Supervisor) TerminateAll(ctx context.Context, pids []int) error {
	var errs []error
	for _, pid := range pids {
		if _, err := s.Terminate(ctx, PID(pid)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}
