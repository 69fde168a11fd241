// Package config provides configuration management for go-rserve-pool.
package config

import (
	"runtime"
	"time"
)

// Backend names.
const (
	BackendAuto    = "auto"
	BackendShared  = "shared"   // one daemonized server, one forked child per connection
	BackendPerPort = "per_port" // one server process per worker, ports Port..Port+Capacity-1
)

// Config holds all configuration options for the pool service.
type Config struct {
	// Pool
	Capacity       int           `json:"capacity"`
	Backend        string        `json:"backend"` // auto, shared, per_port
	LockTimeout    time.Duration `json:"lock_timeout"`
	AcquireTimeout time.Duration `json:"acquire_timeout"`
	Refill         bool          `json:"refill"`
	RefillAttempts int           `json:"refill_attempts"` // 0 = until capacity is restored

	// Engine
	RPath       string        `json:"r_path"` // empty = platform default
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	Libraries   []string      `json:"libraries"`
	SettleTime  time.Duration `json:"settle_time"`
	StartupWait time.Duration `json:"startup_wait"`
	DialTimeout time.Duration `json:"dial_timeout"`
	KillWait    time.Duration `json:"kill_wait"`
	KillRetries int           `json:"kill_retries"`
	OutputLines int           `json:"output_lines"`
	Platform    string        `json:"platform"` // GOOS the process controls target

	// Jobs
	JobTimeout     time.Duration `json:"job_timeout"`
	CleanupTimeout time.Duration `json:"cleanup_timeout"`
	DBPath         string        `json:"db_path"` // empty = no job history
	Trace          bool          `json:"trace"`

	// HTTP
	ListenAddr  string   `json:"listen_addr"`
	AllowedIPs  string   `json:"allowed_ips"` // regexp matched against the client IP
	CORSOrigins []string `json:"cors_origins"`

	// Observability
	MetricsAddr string `json:"metrics_addr"`
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd"`
	Check         bool `json:"check"`
	SkipPreflight bool `json:"skip_preflight"`

	// Restart policy for background refill
	BackoffInitial  time.Duration `json:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Pool
		Capacity:       3,
		Backend:        BackendAuto,
		LockTimeout:    10 * time.Second,
		AcquireTimeout: 10 * time.Second,
		Refill:         true,

		// Engine
		Host:        "127.0.0.1",
		Port:        6311,
		Libraries:   []string{"Rserve", "forecast", "prophet"},
		SettleTime:  time.Second,
		StartupWait: 2500 * time.Millisecond,
		DialTimeout: 5 * time.Second,
		KillWait:    time.Second,
		KillRetries: 5,
		OutputLines: 200,
		Platform:    runtime.GOOS,

		// Jobs
		JobTimeout:     30 * time.Second,
		CleanupTimeout: 5 * time.Second,
		DBPath:         "rpool.db",

		// HTTP
		ListenAddr: "127.0.0.1:8080",
		AllowedIPs: `127\.0\.0\.1|::1`,

		// Observability
		MetricsAddr: "127.0.0.1:17092",
		LogFormat:   "json",

		// Restart policy
		BackoffInitial:  500 * time.Millisecond,
		BackoffMax:      30 * time.Second,
		BackoffMultiply: 2.0,
	}
}

// ResolvedBackend returns the backend to use, resolving "auto" by platform.
func (c *Config) ResolvedBackend() string {
	if c.Backend != BackendAuto && c.Backend != "" {
		return c.Backend
	}
	if c.Platform == "windows" {
		return BackendPerPort
	}
	return BackendShared
}

// Ports returns every port the engine processes listen on.
func (c *Config) Ports() []int {
	if c.ResolvedBackend() == BackendShared {
		return []int{c.Port}
	}
	ports := make([]int, c.Capacity)
	for i := range ports {
		ports[i] = c.Port + i
	}
	return ports
}
