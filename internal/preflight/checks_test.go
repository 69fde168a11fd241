package preflight

import (
	"bytes"
	"net"
	"os/exec"
	"runtime"
	"strings"
	"testing"
)

func TestCheck_String(t *testing.T) {
	tests := []struct {
		name  string
		check Check
		want  []string
	}{
		{
			name:  "passed_with_required",
			check: Check{Name: "fd", Required: 100, Actual: 200, Passed: true},
			want:  []string{"✓", "200", "100"},
		},
		{
			name:  "failed_check",
			check: Check{Name: "fd", Required: 100, Actual: 50},
			want:  []string{"✗"},
		},
		{
			name:  "warning_check",
			check: Check{Name: "port_6311", Passed: true, Warning: true, Message: "in use"},
			want:  []string{"⚠", "in use"},
		},
		{
			name:  "passed_with_message_only",
			check: Check{Name: "engine", Passed: true, Message: "all good"},
			want:  []string{"✓", "all good"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.check.String()
			for _, w := range tt.want {
				if !strings.Contains(s, w) {
					t.Errorf("String() = %q, missing %q", s, w)
				}
			}
		})
	}
}

func TestRunAll(t *testing.T) {
	result := RunAll(Options{
		Capacity:   3,
		EnginePath: "/nonexistent/R",
		Host:       "127.0.0.1",
		Ports:      []int{freePort(t)},
	})

	names := make(map[string]Check)
	for _, c := range result.Checks {
		names[c.Name] = c
	}
	for _, want := range []string{"file_descriptors", "process_limit", "engine"} {
		if _, ok := names[want]; !ok {
			t.Errorf("missing check %q", want)
		}
	}
	if names["engine"].Passed {
		t.Error("engine check passed for a missing binary")
	}
	if result.Passed {
		t.Error("result passed with a failed engine check")
	}
	if len(result.Checks) != 4 {
		t.Errorf("checks = %d, want 4", len(result.Checks))
	}
}

func TestRunAll_WithEngine(t *testing.T) {
	path, err := exec.LookPath("R")
	if err != nil {
		t.Skip("R not available, skipping integration test")
	}

	result := RunAll(Options{Capacity: 1, EnginePath: path, Host: "127.0.0.1"})
	for _, c := range result.Checks {
		if c.Name == "engine" {
			if !c.Passed {
				t.Errorf("engine check failed: %s", c.Message)
			}
			if !strings.Contains(c.Message, "version") {
				t.Errorf("engine message = %q, want version", c.Message)
			}
		}
	}
}

func TestCheckEngine_NonR(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	c := checkEngine(path)
	if !c.Passed || c.Warning {
		t.Errorf("checkEngine(%s) = %+v", path, c)
	}
	if strings.Contains(c.Message, "version") {
		t.Errorf("non-R binary should not be version-probed: %q", c.Message)
	}
}

func TestCheckFileDescriptors(t *testing.T) {
	tests := []struct {
		workers  int
		required int
	}{
		{1, 110},
		{3, 130},
		{99, 1090},
	}

	for _, tt := range tests {
		c := checkFileDescriptors(tt.workers)
		if c.Warning {
			continue // platform without rlimits
		}
		if c.Required != tt.required {
			t.Errorf("workers %d: required = %d, want %d", tt.workers, c.Required, tt.required)
		}
		if c.Passed != (c.Actual >= c.Required) {
			t.Errorf("workers %d: Passed = %v with actual %d", tt.workers, c.Passed, c.Actual)
		}
	}
}

func TestParseMaxProcesses(t *testing.T) {
	tests := []struct {
		name   string
		limits string
		want   int
	}{
		{
			name: "numeric",
			limits: "Limit                     Soft Limit           Hard Limit           Units\n" +
				"Max processes             4096                 63448                processes\n",
			want: 4096,
		},
		{
			name:   "unlimited",
			limits: "Max processes             unlimited            unlimited            processes\n",
			want:   1000000,
		},
		{"missing", "Max open files 1024 1024 files\n", 0},
		{"short line", "Max processes\n", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseMaxProcesses(tt.limits); got != tt.want {
				t.Errorf("parseMaxProcesses() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{"R version 4.3.1 (2023-06-16) -- \"Beagle Scouts\"\nCopyright (C) 2023\n", "4.3.1"},
		{"something else\n", "unknown"},
		{"", "unknown"},
	}

	for _, tt := range tests {
		if got := parseVersion(tt.output); got != tt.want {
			t.Errorf("parseVersion(%q) = %q, want %q", tt.output, got, tt.want)
		}
	}
}

func TestCheckPortFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	c := checkPortFree("127.0.0.1", busy)
	if !c.Passed || !c.Warning {
		t.Errorf("busy port: %+v, want passed warning", c)
	}

	c = checkPortFree("127.0.0.1", freePort(t))
	if !c.Passed || c.Warning {
		t.Errorf("free port: %+v, want passed", c)
	}
}

func TestSuggestFix(t *testing.T) {
	tests := map[string]string{
		"file_descriptors": "ulimit -n",
		"process_limit":    "ulimit -u",
		"engine":           "Rserve",
		"port_6311":        "documentation",
	}
	for name, want := range tests {
		if got := suggestFix(name); !strings.Contains(got, want) {
			t.Errorf("suggestFix(%q) = %q, want substring %q", name, got, want)
		}
	}
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	PrintResults(&buf, &Result{
		Checks: []Check{
			{Name: "engine", Message: "not found"},
			{Name: "port_6311", Passed: true, Message: "free"},
		},
	})

	out := buf.String()
	for _, want := range []string{"Preflight checks:", "✗ engine", "Fix: install R", "✓ port_6311"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
