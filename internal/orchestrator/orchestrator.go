// Package orchestrator wires the pool service together and runs it until a
// signal arrives: process control, workers, the pool, job execution, job
// history and the HTTP surfaces.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-rserve-pool/internal/api"
	"github.com/randomizedcoder/go-rserve-pool/internal/backoff"
	"github.com/randomizedcoder/go-rserve-pool/internal/config"
	"github.com/randomizedcoder/go-rserve-pool/internal/job"
	"github.com/randomizedcoder/go-rserve-pool/internal/logging"
	"github.com/randomizedcoder/go-rserve-pool/internal/metrics"
	"github.com/randomizedcoder/go-rserve-pool/internal/pool"
	"github.com/randomizedcoder/go-rserve-pool/internal/preflight"
	"github.com/randomizedcoder/go-rserve-pool/internal/process"
	"github.com/randomizedcoder/go-rserve-pool/internal/session"
	"github.com/randomizedcoder/go-rserve-pool/internal/store"
	"github.com/randomizedcoder/go-rserve-pool/internal/worker"
)

const (
	statsInterval = time.Second

	// refillJitter spreads the background refill of slots that failed
	// together.
	refillJitter = 0.4
)

// ErrCheckFailed is returned by Run in check mode when the test job did not
// succeed.
var ErrCheckFailed = errors.New("check job failed")

// Orchestrator owns every long-lived component of the service.
type Orchestrator struct {
	config  *config.Config
	version string
	logger  *slog.Logger
	out     io.Writer

	registry   *prometheus.Registry
	runner     *process.RserveRunner
	supervisor *process.Supervisor
	outputs    *logging.Outputs
	creator    pool.Creator
	metrics    *metrics.Collector

	// Set by Run.
	pool          *pool.Pool
	executor      *job.Executor
	store         store.Store
	api           *api.Server
	metricsServer *metrics.Server
	ready         atomic.Bool

	startTime time.Time
}

// New builds the orchestrator. Nothing is started until Run.
func New(cfg *config.Config, version string, logger *slog.Logger) *Orchestrator {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	o := &Orchestrator{
		config:   cfg,
		version:  version,
		logger:   logger,
		out:      os.Stdout,
		registry: registry,
		runner:   NewRunner(cfg),
		outputs:  logging.NewOutputs(cfg.OutputLines, logger, cfg.Verbose),
		metrics: metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
			Capacity: cfg.Capacity,
			Backend:  cfg.ResolvedBackend(),
			Version:  version,
		}, registry),
	}

	o.supervisor = process.New(process.Config{
		Controller: process.ForPlatform(cfg.Platform, nil),
		Logger:     logger,
		Wait:       cfg.KillWait,
		Retries:    cfg.KillRetries,
		Callbacks: process.Callbacks{
			OnStart:     o.onStart,
			OnExit:      o.onExit,
			OnForceKill: o.metrics.RecordForceKill,
		},
	})

	dialer := session.RserveDialer{Timeout: cfg.DialTimeout}
	o.creator = &worker.Factory{
		Backend:    o.newBackend(dialer),
		Dialer:     dialer,
		Terminator: o.supervisor,
		Host:       cfg.Host,
		Libraries:  cfg.Libraries,
		Settle:     cfg.SettleTime,
		Logger:     logger,
	}

	return o
}

// NewRunner returns the engine launcher for cfg's platform and R path.
func NewRunner(cfg *config.Config) *process.RserveRunner {
	rc := process.DefaultRserveConfig(cfg.Platform)
	if cfg.RPath != "" {
		rc.BinaryPath = cfg.RPath
	}
	return process.NewRserveRunner(rc)
}

func (o *Orchestrator) newBackend(dialer session.Dialer) worker.Backend {
	cfg := o.config
	if cfg.ResolvedBackend() == config.BackendPerPort {
		return &worker.PerPortBackend{
			Runner:      o.runner,
			Supervisor:  o.supervisor,
			BasePort:    cfg.Port,
			Capacity:    cfg.Capacity,
			StartupWait: cfg.StartupWait,
			Output:      o.outputs.For,
			Logger:      o.logger,
		}
	}
	return &worker.SharedBackend{
		Runner:     o.runner,
		Supervisor: o.supervisor,
		Dialer:     dialer,
		Host:       cfg.Host,
		Port:       cfg.Port,
		Output:     o.outputs.For,
		Logger:     o.logger,
		PollWait:   cfg.KillWait,
		PollCount:  cfg.KillRetries,
	}
}

// Run starts the service and blocks until a signal arrives or ctx ends.
// In check mode it runs one job instead and returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()
	cfg := o.config

	if !cfg.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			Capacity:   cfg.Capacity,
			EnginePath: o.runner.Config().BinaryPath,
			Host:       cfg.Host,
			Ports:      cfg.Ports(),
		})
		preflight.PrintResults(o.out, result)
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use -skip-preflight to override)")
		}
	}

	if cfg.DBPath != "" {
		st, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open job history: %w", err)
		}
		defer st.Close()
		o.store = st
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			o.logger.Info("received_signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, o.registry, o.ready.Load, o.logger)
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer o.shutdownMetrics()
	}

	o.logger.Info("pool_starting",
		"capacity", cfg.Capacity,
		"backend", cfg.ResolvedBackend(),
		"port", cfg.Port,
		"libraries", cfg.Libraries,
	)
	p, err := pool.New(ctx, pool.Config{
		Capacity:    cfg.Capacity,
		Creator:     o.creator,
		Logger:      o.logger,
		LockTimeout: cfg.LockTimeout,
		Refill:      cfg.Refill,
		Backoff: backoff.Config{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiply,
			JitterPct:  refillJitter,
		},
		RefillAttempts: cfg.RefillAttempts,
		Callbacks:      o.metrics.PoolCallbacks(),
	})
	if err != nil {
		o.outputs.Flush()
		o.logRecentOutput()
		return fmt.Errorf("start pool: %w", err)
	}
	o.pool = p
	o.ready.Store(true)
	o.logger.Info("pool_ready", "workers", p.Workers(), "startup", time.Since(o.startTime).String())

	go o.metrics.Run(ctx, statsInterval, p.Stats)

	o.executor = &job.Executor{
		Pool: p,
		Runner: &job.Runner{
			Logger:         o.logger,
			Trace:          cfg.Trace,
			CleanupTimeout: cfg.CleanupTimeout,
		},
		Observer:       o.metrics,
		AcquireTimeout: cfg.AcquireTimeout,
		Logger:         o.logger,
	}
	if o.store != nil {
		o.executor.Recorder = o.store
	}

	var runErr error
	if cfg.Check {
		runErr = o.runCheck(ctx)
	} else {
		runErr = o.serve(ctx)
	}

	o.shutdown()
	o.printExitSummary()
	return runErr
}

// serve runs the HTTP API until ctx ends.
func (o *Orchestrator) serve(ctx context.Context) error {
	cfg := o.config
	allowed, err := api.CompileAllowedIPs(cfg.AllowedIPs)
	if err != nil {
		return fmt.Errorf("allowed ips: %w", err)
	}

	o.api = api.NewServer(api.Options{
		Addr:        cfg.ListenAddr,
		AllowedIPs:  allowed,
		CORSOrigins: cfg.CORSOrigins,
		JobTimeout:  cfg.JobTimeout,
		Registerer:  o.registry,
		Gatherer:    o.registry,
	}, o.pool, o.executor, o.store, o.logger)
	if err := o.api.Start(); err != nil {
		return err
	}

	<-ctx.Done()

	// In-flight jobs finish before the pool goes away.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout+cfg.CleanupTimeout)
	defer cancel()
	if err := o.api.Shutdown(drainCtx); err != nil {
		o.logger.Warn("api_shutdown_incomplete", "error", err)
	}
	return nil
}

// checkSequence is the job run by -check.
func checkSequence() *job.Sequence {
	seq, err := job.NewSequence(
		job.EvalInto("rpool.check", "sum(1:10)", false),
		job.Eval("rpool.check == 55"),
	)
	if err != nil {
		panic(err)
	}
	return seq
}

// runCheck runs one job end to end and prints its record.
func (o *Orchestrator) runCheck(ctx context.Context) error {
	rec, err := o.executor.Submit(ctx, checkSequence(), o.config.JobTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCheckFailed, err)
	}

	fmt.Fprintf(o.out, "\nCheck job %s on worker %s (pid %d): %s in %.1f ms\n",
		rec.ID, rec.WorkerID, rec.PID, rec.Status, rec.DurationMS)
	for _, s := range rec.Steps {
		fmt.Fprintf(o.out, "  step %d: %-16s %v\n", s.Step, s.Kind, s.Value)
	}

	if rec.Status != job.KindOK.String() {
		return fmt.Errorf("%w: status %s", ErrCheckFailed, rec.Status)
	}
	return nil
}

// shutdownTimeout bounds pool shutdown: every worker may need the full soft
// and forced kill waits.
func (o *Orchestrator) shutdownTimeout() time.Duration {
	perKill := o.config.KillWait * time.Duration(o.config.KillRetries)
	return 10*time.Second + 2*perKill*time.Duration(o.config.Capacity)
}

// shutdown closes the pool.
func (o *Orchestrator) shutdown() {
	o.ready.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout())
	defer cancel()

	o.logger.Info("pool_shutting_down", "stats", o.pool.Stats())
	if err := o.pool.Shutdown(ctx); err != nil {
		o.logger.Warn("shutdown_incomplete", "error", err)
	}
	o.metrics.SetPoolStats(o.pool.Stats())
	o.outputs.Flush()
}

func (o *Orchestrator) shutdownMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.metricsServer.Shutdown(ctx); err != nil {
		o.logger.Warn("metrics_server_shutdown_error", "error", err)
	}
}

// logRecentOutput logs the engine's last lines after a failed start.
func (o *Orchestrator) logRecentOutput() {
	slots := []int{logging.SharedSlot}
	for slot := 0; slot < o.config.Capacity; slot++ {
		slots = append(slots, slot)
	}
	for _, slot := range slots {
		lines := o.outputs.Recent(slot, 10)
		if len(lines) > 0 {
			o.logger.Error("engine_recent_output", "slot", slot, "lines", lines)
		}
	}
}

// Callback handlers

func (o *Orchestrator) onStart(pid int) {
	o.logger.Debug("engine_process_started", "pid", pid)
}

func (o *Orchestrator) onExit(pid int, exitCode int, uptime time.Duration) {
	o.metrics.RecordExit(exitCode, uptime)
	o.logger.Debug("engine_process_exited",
		"pid", pid,
		"exit_code", exitCode,
		"uptime", uptime.String(),
	)
}

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary() {
	summary := o.metrics.GenerateSummary()
	stats := o.pool.Stats()
	w := o.out

	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                     go-rserve-pool Exit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Run Duration:           %s\n", formatDuration(summary.Uptime))
	fmt.Fprintf(w, "Capacity:               %d (%s)\n", stats.Capacity, o.config.ResolvedBackend())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Workers:")
	fmt.Fprintf(w, "  Replacements:         %d\n", stats.Replacements)
	fmt.Fprintf(w, "  Replace Failures:     %d\n", stats.ReplaceFailures)
	fmt.Fprintf(w, "  Busy Rejections:      %d\n", stats.Busy)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Jobs:                   %d\n", summary.Jobs)
	if summary.Jobs > 0 {
		fmt.Fprintln(w, "Job Latency:")
		fmt.Fprintf(w, "  P50 (median):         %s\n", summary.JobP50)
		fmt.Fprintf(w, "  P95:                  %s\n", summary.JobP95)
		fmt.Fprintf(w, "  P99:                  %s\n", summary.JobP99)
	}
	fmt.Fprintln(w)

	if counts := o.outputs.CountErrors(); len(counts) > 0 {
		fmt.Fprintln(w, "Engine Output:")
		for _, pattern := range logging.ErrorPatterns {
			if n := counts[pattern]; n > 0 {
				fmt.Fprintf(w, "  %-30q %d\n", pattern, n)
			}
		}
		fmt.Fprintln(w)
	}

	if o.config.MetricsAddr != "" {
		fmt.Fprintf(w, "Metrics endpoint was: http://%s/metrics\n", o.config.MetricsAddr)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Pool returns the running pool, or nil before Run has started it.
func (o *Orchestrator) Pool() *pool.Pool {
	return o.pool
}

// Runner returns the engine launcher.
func (o *Orchestrator) Runner() *process.RserveRunner {
	return o.runner
}

// Metrics returns the metrics collector.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Registry returns the registry behind /metrics.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}
