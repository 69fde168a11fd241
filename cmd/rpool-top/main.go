// Package main provides rpool-top, a live terminal dashboard for a running
// go-rserve-pool service. It polls the service's /metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-rserve-pool/internal/logging"
	"github.com/randomizedcoder/go-rserve-pool/internal/metrics"
	"github.com/randomizedcoder/go-rserve-pool/internal/tui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		metricsURL  = flag.String("url", "http://127.0.0.1:17092/metrics", "Metrics endpoint of the pool service")
		interval    = flag.Duration("interval", time.Second, "Scrape interval")
		altScreen   = flag.Bool("alt-screen", true, "Use the terminal's alternate screen")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("rpool-top %s\n", version)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Logs would corrupt the dashboard.
	scraper := metrics.NewScraper(*metricsURL, *interval, logging.Discard())
	go scraper.Run(ctx)

	model := tui.New(tui.Config{
		MetricsURL: *metricsURL,
		Source:     scraper,
	})

	opts := []tea.ProgramOption{}
	if *altScreen {
		opts = append(opts, tea.WithAltScreen())
	}

	p := tea.NewProgram(model, opts...)

	// Bubble Tea handles ctrl+c as a key; SIGTERM needs forwarding.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			tui.SendQuit(p)
		case <-ctx.Done():
		}
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
