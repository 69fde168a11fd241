// Package main provides the go-rserve-pool CLI entry point.
//
// go-rserve-pool keeps a fixed-size pool of Rserve engine processes warm and
// runs command sequences against them through an HTTP job API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/randomizedcoder/go-rserve-pool/internal/config"
	"github.com/randomizedcoder/go-rserve-pool/internal/logging"
	"github.com/randomizedcoder/go-rserve-pool/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-rserve-pool
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-rserve-pool %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	logger := logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	if cfg.Check {
		config.ApplyCheckMode(cfg)
		logger.Info("check_mode_enabled", "capacity", cfg.Capacity)
	}

	if cfg.PrintCmd {
		printEngineCommand(cfg)
		return 0
	}

	logger.Info("starting",
		"version", version,
		"capacity", cfg.Capacity,
		"backend", cfg.ResolvedBackend(),
		"port", cfg.Port,
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
	)

	printBanner(cfg)

	orch := orchestrator.New(cfg, version, logger)
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("orchestrator_failed", "error", err)
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        go-rserve-pool                             ║")
	fmt.Println("║         Warm Rserve Engines Behind an HTTP Job API                ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Workers:     %d (%s backend)\n", cfg.Capacity, cfg.ResolvedBackend())
	fmt.Printf("  Engine:      %s:%d\n", cfg.Host, cfg.Port)
	if len(cfg.Libraries) > 0 {
		fmt.Printf("  Libraries:   %v\n", cfg.Libraries)
	}
	if cfg.Check {
		fmt.Println("  Mode:        CHECK (one job, then exit)")
	} else {
		fmt.Printf("  Jobs API:    http://%s/v1/jobs\n", cfg.ListenAddr)
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.DBPath == "" {
		fmt.Println("  History:     DISABLED")
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

// printEngineCommand prints the engine command line for every port the
// pool would start on.
func printEngineCommand(cfg *config.Config) {
	runner := orchestrator.NewRunner(cfg)

	fmt.Printf("# Engine command(s) for the %s backend:\n", cfg.ResolvedBackend())
	fmt.Println()
	for _, port := range cfg.Ports() {
		fmt.Println(runner.CommandString(port))
	}
}
