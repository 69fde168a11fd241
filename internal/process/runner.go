// Package process provides abstractions for running and terminating external
// processes.
package process

import (
	"os/exec"
	"time"
)

// Runner creates executable commands for engine processes.
// This interface keeps the supervisor agnostic of what it launches.
type Runner interface {
	// BuildCommand returns a ready-to-start command listening on port.
	// The command should NOT be started yet.
	BuildCommand(port int) (*exec.Cmd, error)

	// Name returns the process name as the OS reports it (used by pidof).
	Name() string
}

// Process is anything the Supervisor can signal and poll.
type Process interface {
	PID() int
}

// PID is a process the Supervisor did not start, adopted by id.
type PID int

// PID returns the process id.
func (p PID) PID() int { return int(p) }

// Result captures the outcome of a process execution.
type Result struct {
	PID       int
	ExitCode  int
	StartTime time.Time
	EndTime   time.Time
	Error     error
}
