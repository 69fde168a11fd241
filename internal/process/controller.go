package process

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
)

// Controller is the platform-specific process-control surface.
// Implementations only differ in the commands they run.
type Controller interface {
	// Name identifies the strategy ("posix", "windows").
	Name() string

	// SoftKill asks the process to stop.
	SoftKill(ctx context.Context, pid int) error

	// ForceKill stops the process without giving it a chance to clean up.
	ForceKill(ctx context.Context, pid int) error

	// Alive reports whether pid is still running.
	Alive(ctx context.Context, pid int) (bool, error)

	// FindByName lists processes whose image name is name.
	FindByName(ctx context.Context, name string) ([]int, error)

	// FindByPort lists processes owning a TCP socket on the local port.
	FindByPort(ctx context.Context, port int) ([]int, error)
}

// ExecFunc runs an external command and returns its standard output.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// RunCommand is the ExecFunc backed by os/exec.
func RunCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// ForPlatform returns the Controller for goos. A nil run uses RunCommand.
func ForPlatform(goos string, run ExecFunc) Controller {
	if run == nil {
		run = RunCommand
	}
	if goos == "windows" {
		return &WindowsController{Exec: run}
	}
	procRoot := ""
	if goos == "linux" {
		procRoot = "/proc"
	}
	return &PosixController{Exec: run, ProcRoot: procRoot}
}

// exitStatus returns the exit code carried by err, or -1 when the command
// did not run to completion.
func exitStatus(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// parsePIDs reads whitespace separated process ids, ignoring junk.
func parsePIDs(s string) []int {
	var pids []int
	for _, f := range strings.Fields(s) {
		if pid, err := strconv.Atoi(f); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}
