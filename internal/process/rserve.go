package process

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// RserveName is the process name an Rserve server shows in the process table.
const RserveName = "Rserve"

// RserveConfig holds configuration for launching an Rserve server.
type RserveConfig struct {
	// BinaryPath is R itself when UseRCMD is set, otherwise the Rserve
	// executable.
	BinaryPath string

	// UseRCMD launches through "R CMD Rserve". The server daemonizes and
	// forks one child per connection.
	UseRCMD bool

	// Vanilla starts R without site or user profiles.
	Vanilla bool

	// Slave suppresses the R banner and prompts.
	Slave bool

	// EnableControl allows control commands (server shutdown) from clients.
	EnableControl bool

	// ExtraArgs are appended after the generated arguments.
	ExtraArgs []string
}

// DefaultRserveConfig returns an RserveConfig suited to goos.
func DefaultRserveConfig(goos string) *RserveConfig {
	cfg := &RserveConfig{
		BinaryPath:    "R",
		UseRCMD:       true,
		Vanilla:       true,
		Slave:         true,
		EnableControl: true,
	}
	if goos == "windows" {
		cfg.BinaryPath = "Rserve.exe"
		cfg.UseRCMD = false
	}
	return cfg
}

// RserveRunner implements Runner for Rserve servers.
type RserveRunner struct {
	config *RserveConfig
}

// NewRserveRunner creates a new Rserve runner with the given configuration.
func NewRserveRunner(cfg *RserveConfig) *RserveRunner {
	return &RserveRunner{
		config: cfg,
	}
}

// Name returns "Rserve".
func (r *RserveRunner) Name() string {
	return RserveName
}

// BuildCommand creates an exec.Cmd for an Rserve server on port.
// The command is not bound to a context: engine processes outlive requests
// and are stopped through the Supervisor.
func (r *RserveRunner) BuildCommand(port int) (*exec.Cmd, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	return exec.Command(r.config.BinaryPath, r.buildArgs(port)...), nil
}

// buildArgs constructs the Rserve command-line arguments.
func (r *RserveRunner) buildArgs(port int) []string {
	var args []string
	if r.config.UseRCMD {
		args = append(args, "CMD", RserveName)
	}
	if r.config.Vanilla {
		args = append(args, "--vanilla")
	}
	if r.config.Slave {
		args = append(args, "--slave")
	}

	args = append(args, "--RS-port", strconv.Itoa(port))

	if r.config.EnableControl {
		args = append(args, "--RS-enable-control")
	}

	return append(args, r.config.ExtraArgs...)
}

// Config returns the Rserve configuration.
func (r *RserveRunner) Config() *RserveConfig {
	return r.config
}

// CommandString returns the command that would be executed (for debugging).
func (r *RserveRunner) CommandString(port int) string {
	return r.config.BinaryPath + " " + strings.Join(r.buildArgs(port), " ")
}
