// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Note: RLIMIT_NPROC is not exported in Go's syscall package,
// so we read process limits from /proc/self/limits instead.

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options describes what the pool is about to start.
type Options struct {
	Capacity   int
	EnginePath string // R or Rserve.exe
	Host       string
	Ports      []int
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 3+len(opts.Ports)),
		Passed: true,
	}

	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkFileDescriptors(opts.Capacity))
	add(checkProcessLimit(opts.Capacity))
	add(checkEngine(opts.EnginePath))

	// Busy ports are only a warning: stale engines are cleared on start
	for _, port := range opts.Ports {
		add(checkPortFree(opts.Host, port))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(workers int) Check {
	// Each worker holds a session socket and two output pipes,
	// plus the HTTP listeners, the job store and logging.
	required := workers*10 + 100
	actual := openFileLimit()
	if actual < 0 {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: "unable to check on this platform",
		}
	}

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d workers)", actual, required, workers),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(workers int) Check {
	required := workers + 50

	// Read soft limit from /proc/self/limits
	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		// Non-Linux or restricted access, assume OK
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses reads the soft "Max processes" limit.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1000000
		}
		n, _ := strconv.Atoi(fields[2])
		return n
	}
	return 0
}

// checkEngine verifies the engine executable is installed. For R itself the
// version is reported too.
func checkEngine(path string) Check {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{
			Name:    "engine",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}

	base := strings.TrimSuffix(filepath.Base(resolved), filepath.Ext(resolved))
	if !strings.EqualFold(base, "R") {
		return Check{
			Name:    "engine",
			Passed:  true,
			Message: fmt.Sprintf("found at %s", resolved),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, resolved, "--version").Output()
	if err != nil {
		return Check{
			Name:    "engine",
			Passed:  false,
			Message: fmt.Sprintf("%s --version failed: %v", resolved, err),
		}
	}

	return Check{
		Name:    "engine",
		Passed:  true,
		Message: fmt.Sprintf("found at %s (version %s)", resolved, parseVersion(string(output))),
	}
}

// parseVersion extracts the version from "R version 4.3.1 (2023-06-16) ...".
func parseVersion(output string) string {
	first, _, _ := strings.Cut(output, "\n")
	parts := strings.Fields(first)
	if len(parts) >= 3 && parts[1] == "version" {
		return parts[2]
	}
	return "unknown"
}

// checkPortFree warns when an engine port is already bound.
func checkPortFree(host string, port int) Check {
	name := fmt.Sprintf("port_%d", port)
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return Check{
			Name:    name,
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("in use (%v); the owner will be stopped on start", err),
		}
	}
	ln.Close()

	return Check{
		Name:    name,
		Passed:  true,
		Message: "free",
	}
}

// PrintResults prints the preflight check results.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "engine":
		return "install R and the Rserve package (install.packages(\"Rserve\")), or pass -r"
	default:
		return "see documentation"
	}
}
