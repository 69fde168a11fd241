package config

import (
	"bytes"
	"flag"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("go-rserve-pool", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// =============================================================================
// Tests: listFlag
// =============================================================================

func TestListFlag_Set(t *testing.T) {
	tests := []struct {
		name   string
		inputs []string
		want   []string
	}{
		{"no set keeps default", nil, []string{"Rserve", "forecast"}},
		{"first set replaces default", []string{"stats"}, []string{"stats"}},
		{"repeat appends", []string{"a", "b"}, []string{"a", "b"}},
		{"comma separated", []string{"a,b", " c "}, []string{"a", "b", "c"}},
		{"empty parts dropped", []string{"a,,b,"}, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := []string{"Rserve", "forecast"}
			l := &listFlag{values: &values}
			for _, in := range tt.inputs {
				if err := l.Set(in); err != nil {
					t.Fatalf("Set(%q) error = %v", in, err)
				}
			}
			if !reflect.DeepEqual(values, tt.want) {
				t.Errorf("values = %v, want %v", values, tt.want)
			}
			if got := l.String(); got != strings.Join(tt.want, ",") {
				t.Errorf("String() = %q", got)
			}
		})
	}
}

func TestFlagType(t *testing.T) {
	testCases := []struct {
		name     string
		defValue string
		expected string
	}{
		{"bool true", "true", ""},
		{"bool false", "false", ""},
		{"int", "42", "int"},
		{"string", "json", "string"},
		{"duration seconds", "5s", "duration"},
		{"duration minutes", "5m", "duration"},
		{"empty", "", "string"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := &flag.Flag{Name: "test", DefValue: tc.defValue}
			if result := flagType(f); result != tc.expected {
				t.Errorf("flagType(%q) = %q, want %q", tc.defValue, result, tc.expected)
			}
		})
	}
}

// =============================================================================
// Tests: Defaults and parsing
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Verify critical defaults
	if cfg.Capacity != 3 {
		t.Errorf("Capacity = %d, want 3", cfg.Capacity)
	}
	if cfg.Port != 6311 {
		t.Errorf("Port = %d, want 6311", cfg.Port)
	}
	if cfg.LockTimeout != 10*time.Second {
		t.Errorf("LockTimeout = %v, want 10s", cfg.LockTimeout)
	}
	if want := []string{"Rserve", "forecast", "prophet"}; !reflect.DeepEqual(cfg.Libraries, want) {
		t.Errorf("Libraries = %v, want %v", cfg.Libraries, want)
	}
	if cfg.KillWait != time.Second || cfg.KillRetries != 5 {
		t.Errorf("kill policy = %v x %d, want 1s x 5", cfg.KillWait, cfg.KillRetries)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() does not validate: %v", err)
	}
}

func TestParseArgs(t *testing.T) {
	cfg, err := ParseArgs(newFlagSet(), []string{
		"-capacity", "5",
		"-backend", "per_port",
		"-port", "7000",
		"-lib", "Rserve",
		"-lib", "stats,utils",
		"-job-timeout", "2s",
		"-cors-origin", "http://localhost:3000",
		"-v",
		"--check",
	})
	if err != nil {
		t.Fatalf("ParseArgs() error = %v", err)
	}

	if cfg.Capacity != 5 || cfg.Backend != BackendPerPort || cfg.Port != 7000 {
		t.Errorf("pool = %d %s %d", cfg.Capacity, cfg.Backend, cfg.Port)
	}
	if want := []string{"Rserve", "stats", "utils"}; !reflect.DeepEqual(cfg.Libraries, want) {
		t.Errorf("Libraries = %v, want %v", cfg.Libraries, want)
	}
	if cfg.JobTimeout != 2*time.Second {
		t.Errorf("JobTimeout = %v", cfg.JobTimeout)
	}
	if !reflect.DeepEqual(cfg.CORSOrigins, []string{"http://localhost:3000"}) {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if !cfg.Verbose || !cfg.Check {
		t.Errorf("Verbose %v Check %v, want both true", cfg.Verbose, cfg.Check)
	}
}

func TestParseArgs_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-clients", "5"}},
		{"bad int", []string{"-capacity", "many"}},
		{"positional", []string{"extra"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseArgs(newFlagSet(), tt.args); err == nil {
				t.Errorf("ParseArgs(%v) succeeded", tt.args)
			}
		})
	}
}

func TestUsage(t *testing.T) {
	fs := newFlagSet()
	if _, err := ParseArgs(fs, nil); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	fs.SetOutput(&buf)
	fs.Usage()

	for _, want := range []string{"Pool Flags:", "-capacity int", "-lib", "Refill Backoff:"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("usage missing %q", want)
		}
	}
}

// =============================================================================
// Tests: Backend resolution
// =============================================================================

func TestResolvedBackend(t *testing.T) {
	tests := []struct {
		backend  string
		platform string
		want     string
		ports    []int
	}{
		{BackendAuto, "linux", BackendShared, []int{6311}},
		{BackendAuto, "windows", BackendPerPort, []int{6311, 6312, 6313}},
		{BackendShared, "windows", BackendShared, []int{6311}},
		{BackendPerPort, "linux", BackendPerPort, []int{6311, 6312, 6313}},
	}

	for _, tt := range tests {
		t.Run(tt.backend+"/"+tt.platform, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Backend = tt.backend
			cfg.Platform = tt.platform

			if got := cfg.ResolvedBackend(); got != tt.want {
				t.Errorf("ResolvedBackend() = %q, want %q", got, tt.want)
			}
			if got := cfg.Ports(); !reflect.DeepEqual(got, tt.ports) {
				t.Errorf("Ports() = %v, want %v", got, tt.ports)
			}
		})
	}
}

// =============================================================================
// Tests: Validate
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string
	}{
		{"capacity zero", func(c *Config) { c.Capacity = 0 }, "capacity"},
		{"capacity 100", func(c *Config) { c.Capacity = 100 }, "capacity"},
		{"bad backend", func(c *Config) { c.Backend = "cluster" }, "backend"},
		{"port zero", func(c *Config) { c.Port = 0 }, "port"},
		{"per_port overflow", func(c *Config) {
			c.Backend = BackendPerPort
			c.Port = 65534
			c.Capacity = 3
		}, "port"},
		{"empty host", func(c *Config) { c.Host = "" }, "host"},
		{"bad library", func(c *Config) { c.Libraries = []string{"forecast); system('rm"} }, "libraries"},
		{"bad platform", func(c *Config) { c.Platform = "plan9" }, "platform"},
		{"zero lock timeout", func(c *Config) { c.LockTimeout = 0 }, "lock_timeout"},
		{"zero job timeout", func(c *Config) { c.JobTimeout = 0 }, "job_timeout"},
		{"negative settle", func(c *Config) { c.SettleTime = -time.Second }, "settle_time"},
		{"zero kill retries", func(c *Config) { c.KillRetries = 0 }, "kill_retries"},
		{"negative refill attempts", func(c *Config) { c.RefillAttempts = -1 }, "refill_attempts"},
		{"bad listen", func(c *Config) { c.ListenAddr = "8080" }, "listen_addr"},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "nope" }, "metrics_addr"},
		{"bad allowed ips", func(c *Config) { c.AllowedIPs = "127.0.0.(" }, "allowed_ips"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"zero backoff", func(c *Config) { c.BackoffInitial = 0 }, "backoff_initial"},
		{"max below initial", func(c *Config) { c.BackoffMax = time.Millisecond }, "backoff_max"},
		{"multiplier below one", func(c *Config) { c.BackoffMultiply = 0.5 }, "backoff_multiply"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantField+":") {
				t.Errorf("Validate() = %v, want field %s", err, tt.wantField)
			}
		})
	}
}

func TestValidate_EmptyMetricsAddrAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsAddr = ""
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 0
	cfg.LogFormat = "xml"
	cfg.KillRetries = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected multiple errors")
	}

	errStr := err.Error()
	for _, field := range []string{"capacity", "log_format", "kill_retries"} {
		if !strings.Contains(errStr, field) {
			t.Errorf("Error should mention %s", field)
		}
	}
}

func TestApplyCheckMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 10

	ApplyCheckMode(cfg)

	if cfg.Capacity != 1 {
		t.Errorf("Check mode should set capacity=1, got %d", cfg.Capacity)
	}
	if !cfg.Verbose {
		t.Error("Check mode should enable verbose")
	}
	if cfg.Refill || cfg.DBPath != "" {
		t.Errorf("Check mode should disable refill and history: %v %q", cfg.Refill, cfg.DBPath)
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test_field",
		Message: "test message",
	}

	if got := err.Error(); got != "test_field: test message" {
		t.Errorf("Error string = %q, want %q", got, "test_field: test message")
	}
}
