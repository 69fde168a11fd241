package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"
)

// MaxCapacity is the largest pool the service will start.
const MaxCapacity = 99

var libraryRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9.]*$`)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error

	// Capacity bounds
	if cfg.Capacity < 1 || cfg.Capacity > MaxCapacity {
		errs = append(errs, ValidationError{
			Field:   "capacity",
			Message: fmt.Sprintf("must be between 1 and %d (got %d)", MaxCapacity, cfg.Capacity),
		})
	}

	// Backend must be valid
	validBackends := map[string]bool{
		BackendAuto: true, BackendShared: true, BackendPerPort: true,
	}
	if !validBackends[cfg.Backend] {
		errs = append(errs, ValidationError{
			Field:   "backend",
			Message: fmt.Sprintf("must be one of: auto, shared, per_port (got %q)", cfg.Backend),
		})
	}

	// Ports must fit the layout
	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "port",
			Message: fmt.Sprintf("must be between 1 and 65535 (got %d)", cfg.Port),
		})
	} else if cfg.ResolvedBackend() == BackendPerPort && cfg.Port+cfg.Capacity-1 > 65535 {
		errs = append(errs, ValidationError{
			Field:   "port",
			Message: fmt.Sprintf("per_port range %d..%d exceeds 65535", cfg.Port, cfg.Port+cfg.Capacity-1),
		})
	}

	if cfg.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "host",
			Message: "must not be empty",
		})
	}

	// Libraries
	for _, lib := range cfg.Libraries {
		if !libraryRe.MatchString(lib) {
			errs = append(errs, ValidationError{
				Field:   "libraries",
				Message: fmt.Sprintf("invalid library name %q", lib),
			})
		}
	}

	// Platform selects the process controller
	validPlatforms := map[string]bool{
		"linux": true, "darwin": true, "freebsd": true, "netbsd": true, "openbsd": true, "windows": true,
	}
	if !validPlatforms[cfg.Platform] {
		errs = append(errs, ValidationError{
			Field:   "platform",
			Message: fmt.Sprintf("unsupported platform %q", cfg.Platform),
		})
	}

	// Durations that must be positive
	positive := []struct {
		field string
		d     time.Duration
	}{
		{"lock_timeout", cfg.LockTimeout},
		{"acquire_timeout", cfg.AcquireTimeout},
		{"dial_timeout", cfg.DialTimeout},
		{"kill_wait", cfg.KillWait},
		{"job_timeout", cfg.JobTimeout},
		{"cleanup_timeout", cfg.CleanupTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, ValidationError{
				Field:   p.field,
				Message: "must be positive",
			})
		}
	}
	if cfg.SettleTime < 0 || cfg.StartupWait < 0 {
		errs = append(errs, ValidationError{
			Field:   "settle_time",
			Message: "settle and startup waits must not be negative",
		})
	}

	if cfg.KillRetries < 1 {
		errs = append(errs, ValidationError{
			Field:   "kill_retries",
			Message: "must be at least 1",
		})
	}
	if cfg.RefillAttempts < 0 {
		errs = append(errs, ValidationError{
			Field:   "refill_attempts",
			Message: "must not be negative",
		})
	}
	if cfg.OutputLines < 0 {
		errs = append(errs, ValidationError{
			Field:   "output_lines",
			Message: "must not be negative",
		})
	}

	// HTTP
	if err := validateAddr(cfg.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "listen_addr",
			Message: err.Error(),
		})
	}
	if cfg.MetricsAddr != "" {
		if err := validateAddr(cfg.MetricsAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics_addr",
				Message: err.Error(),
			})
		}
	}
	if _, err := regexp.Compile(cfg.AllowedIPs); err != nil {
		errs = append(errs, ValidationError{
			Field:   "allowed_ips",
			Message: fmt.Sprintf("invalid regexp: %v", err),
		})
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	// Backoff settings
	if cfg.BackoffInitial <= 0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_initial",
			Message: "must be positive",
		})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{
			Field:   "backoff_max",
			Message: "must be >= backoff_initial",
		})
	}
	if cfg.BackoffMultiply < 1.0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_multiply",
			Message: "must be >= 1.0",
		})
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateAddr checks a host:port listen address.
func validateAddr(addr string) error {
	if addr == "" {
		return errors.New("must not be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	return nil
}

// ApplyCheckMode modifies config for --check mode.
func ApplyCheckMode(cfg *Config) {
	cfg.Capacity = 1
	cfg.Refill = false
	cfg.DBPath = ""
	cfg.Verbose = true
}
