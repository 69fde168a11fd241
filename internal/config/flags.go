package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// listFlag is a custom flag type for repeatable list flags (-lib, -cors-origin).
// The first Set replaces the default list; values may be comma separated.
type listFlag struct {
	values *[]string
	set    bool
}

func (l *listFlag) String() string {
	if l.values == nil {
		return ""
	}
	return strings.Join(*l.values, ",")
}

func (l *listFlag) Set(value string) error {
	if !l.set {
		*l.values = nil
		l.set = true
	}
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l.values = append(*l.values, v)
		}
	}
	return nil
}

// ParseFlags parses command-line flags and returns a Config.
func ParseFlags() (*Config, error) {
	return ParseArgs(flag.CommandLine, os.Args[1:])
}

// ParseArgs parses args into a Config using fs.
func ParseArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()
	libs := &listFlag{values: &cfg.Libraries}
	origins := &listFlag{values: &cfg.CORSOrigins}

	// Custom usage message
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, `go-rserve-pool - a pool of Rserve engine processes behind an HTTP job API

Usage:
  go-rserve-pool [flags]

Pool Flags:
`)
		// Print flags by category
		printFlagCategory(fs, out, []string{"capacity", "backend", "lock-timeout", "acquire-timeout", "refill", "refill-attempts"})

		fmt.Fprintf(out, "\nEngine:\n")
		printFlagCategory(fs, out, []string{"r", "host", "port", "lib", "settle", "startup-wait", "dial-timeout", "kill-wait", "kill-retries", "output-lines", "platform"})

		fmt.Fprintf(out, "\nJobs:\n")
		printFlagCategory(fs, out, []string{"job-timeout", "cleanup-timeout", "db", "trace"})

		fmt.Fprintf(out, "\nHTTP:\n")
		printFlagCategory(fs, out, []string{"listen", "allowed-ips", "cors-origin"})

		fmt.Fprintf(out, "\nSafety & Diagnostics:\n")
		printFlagCategory(fs, out, []string{"print-cmd", "check", "skip-preflight"})

		fmt.Fprintf(out, "\nObservability:\n")
		printFlagCategory(fs, out, []string{"metrics", "v", "log-format"})

		fmt.Fprintf(out, "\nRefill Backoff:\n")
		printFlagCategory(fs, out, []string{"backoff-initial", "backoff-max", "backoff-multiply"})

		fmt.Fprintf(out, `
Flag Convention:
  Single-dash flags (-capacity, -lib) are normal options.
  Double-dash flags (--check, --print-cmd) are diagnostic modes.

Examples:
  # Three workers on the shared server, default libraries
  go-rserve-pool

  # Five workers, only base libraries, text logs
  go-rserve-pool -capacity 5 -lib Rserve -log-format text

  # One Rserve.exe per worker on ports 7000..7003
  go-rserve-pool -backend per_port -port 7000 -capacity 4

`)
	}

	// Pool
	fs.IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "Number of engine workers (1-99)")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, `Engine layout: "auto", "shared", "per_port"`)
	fs.DurationVar(&cfg.LockTimeout, "lock-timeout", cfg.LockTimeout, "Max wait for the pool lock")
	fs.DurationVar(&cfg.AcquireTimeout, "acquire-timeout", cfg.AcquireTimeout, "Max wait for a free worker")
	fs.BoolVar(&cfg.Refill, "refill", cfg.Refill, "Retry failed replacements in the background")
	fs.IntVar(&cfg.RefillAttempts, "refill-attempts", cfg.RefillAttempts, "Refill attempts per missing worker (0 = until restored)")

	// Engine
	fs.StringVar(&cfg.RPath, "r", cfg.RPath, "Path to R (shared) or Rserve.exe (per_port); empty uses the platform default")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Engine host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Engine port (first port for per_port)")
	fs.Var(libs, "lib", "Library every worker must load (can repeat or use commas)")
	fs.DurationVar(&cfg.SettleTime, "settle", cfg.SettleTime, "Wait after starting a worker before connecting")
	fs.DurationVar(&cfg.StartupWait, "startup-wait", cfg.StartupWait, "Wait after spawning a per_port server")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Session connect timeout")
	fs.DurationVar(&cfg.KillWait, "kill-wait", cfg.KillWait, "Delay between liveness polls while terminating")
	fs.IntVar(&cfg.KillRetries, "kill-retries", cfg.KillRetries, "Liveness polls per termination tier")
	fs.IntVar(&cfg.OutputLines, "output-lines", cfg.OutputLines, "Engine output lines kept per worker")
	fs.StringVar(&cfg.Platform, "platform", cfg.Platform, "Process control strategy by GOOS")

	// Jobs
	fs.DurationVar(&cfg.JobTimeout, "job-timeout", cfg.JobTimeout, "Default per-job deadline")
	fs.DurationVar(&cfg.CleanupTimeout, "cleanup-timeout", cfg.CleanupTimeout, "Deadline for removing job variables")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite job history path (empty disables)")
	fs.BoolVar(&cfg.Trace, "trace", cfg.Trace, "Log every command sent to the engine")

	// HTTP
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP API address")
	fs.StringVar(&cfg.AllowedIPs, "allowed-ips", cfg.AllowedIPs, "Regexp of client IPs allowed to call the API")
	fs.Var(origins, "cors-origin", "Allowed CORS origin (can repeat)")

	// Safety & Diagnostics (double-dash convention)
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the engine command and exit")
	fs.BoolVar(&cfg.Check, "check", cfg.Check, "Run preflight, start one worker, run one job and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty serves /metrics on the API only)")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)

	// Refill backoff
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "First refill retry delay")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Max refill retry delay")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Refill delay multiplier")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, out io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(out, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(out, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(out)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	// Infer type from default value format
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	// Check if it looks like a duration
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	// Check if numeric
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
