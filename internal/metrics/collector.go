// Package metrics provides Prometheus metrics for go-rserve-pool.
//
// Metrics are organized into panels:
//   - Pool: capacity, worker counts, acquire waits, busy rejections
//   - Lifecycle: releases, replacements, destroy tiers, process exits
//   - Jobs: outcomes by kind, duration histogram, t-digest percentiles
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-rserve-pool/internal/job"
	"github.com/randomizedcoder/go-rserve-pool/internal/pool"
	"github.com/randomizedcoder/go-rserve-pool/internal/worker"
)

// Metric names read back by the Scraper.
const (
	namePoolCapacity      = "rpool_capacity"
	nameWorkersTotal      = "rpool_workers"
	nameWorkersAvailable  = "rpool_workers_available"
	nameWorkersInUse      = "rpool_workers_in_use"
	nameWorkersMissing    = "rpool_workers_missing"
	nameBusyTotal         = "rpool_acquire_busy_total"
	nameReplacementsTotal = "rpool_worker_replacements_total"
	nameReplaceFailTotal  = "rpool_worker_replace_failures_total"
	nameJobsTotal         = "rpool_jobs_total"
	nameJobP50            = "rpool_job_duration_p50_seconds"
	nameJobP95            = "rpool_job_duration_p95_seconds"
	nameJobP99            = "rpool_job_duration_p99_seconds"
)

// Collector manages all Prometheus metrics for the pool.
type Collector struct {
	// --- Panel 1: Pool ---
	info             *prometheus.GaugeVec
	capacity         prometheus.Gauge
	workersTotal     prometheus.Gauge
	workersAvailable prometheus.Gauge
	workersInUse     prometheus.Gauge
	workersMissing   prometheus.Gauge
	acquireWait      prometheus.Histogram
	busyTotal        prometheus.Counter

	// --- Panel 2: Worker lifecycle ---
	releasesTotal     *prometheus.CounterVec
	replacementsTotal prometheus.Counter
	replaceFailTotal  prometheus.Counter
	destroysTotal     *prometheus.CounterVec
	processExitsTotal *prometheus.CounterVec
	forceKillsTotal   prometheus.Counter
	processUptime     prometheus.Histogram

	// --- Panel 3: Jobs ---
	jobsTotal   *prometheus.CounterVec
	jobSteps    prometheus.Histogram
	jobDuration prometheus.Histogram
	jobP50      prometheus.Gauge
	jobP95      prometheus.Gauge
	jobP99      prometheus.Gauge

	// For percentile gauges and the exit summary
	mu        sync.Mutex
	digest    *tdigest.TDigest
	jobs      int64
	startTime time.Time
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Capacity int
	Backend  string
	Version  string
}

// NewCollectorWithRegistry creates a collector registered with registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rpool_info",
			Help: "Information about the pool (value always 1)",
		}, []string{"version", "backend"}),
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: namePoolCapacity,
			Help: "Configured number of engine workers",
		}),
		workersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: nameWorkersTotal,
			Help: "Engine workers currently in the pool",
		}),
		workersAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: nameWorkersAvailable,
			Help: "Engine workers ready to be acquired",
		}),
		workersInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: nameWorkersInUse,
			Help: "Engine workers checked out",
		}),
		workersMissing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: nameWorkersMissing,
			Help: "Slots whose replacement failed and are awaiting refill",
		}),
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rpool_acquire_wait_seconds",
			Help:    "Time spent waiting for a worker",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		busyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: nameBusyTotal,
			Help: "Acquires that timed out with every worker busy",
		}),

		releasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpool_releases_total",
			Help: "Worker releases by result",
		}, []string{"result"}),
		replacementsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: nameReplacementsTotal,
			Help: "Workers destroyed and replaced",
		}),
		replaceFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: nameReplaceFailTotal,
			Help: "Replacement workers that could not be created",
		}),
		destroysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpool_worker_destroys_total",
			Help: "Worker destroys by the tier that stopped the engine",
		}, []string{"tier", "result"}),
		processExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpool_process_exits_total",
			Help: "Spawned engine process exits by category",
		}, []string{"category"}),
		forceKillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpool_process_force_kills_total",
			Help: "Processes that needed the forced signal",
		}),
		processUptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rpool_process_uptime_seconds",
			Help:    "Lifetime of spawned engine processes",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400, 86400},
		}),

		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: nameJobsTotal,
			Help: "Finished jobs by final outcome",
		}, []string{"status"}),
		jobSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rpool_job_steps",
			Help:    "Steps attempted per job",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 50},
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "rpool_job_duration_seconds",
			Help: "Job run time on the engine",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05,
				0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
			},
		}),
		jobP50: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: nameJobP50,
			Help: "Job duration 50th percentile (median)",
		}),
		jobP95: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: nameJobP95,
			Help: "Job duration 95th percentile",
		}),
		jobP99: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: nameJobP99,
			Help: "Job duration 99th percentile",
		}),

		digest:    tdigest.NewWithCompression(100),
		startTime: time.Now(),
	}

	registry.MustRegister(
		// Panel 1: Pool
		c.info,
		c.capacity,
		c.workersTotal,
		c.workersAvailable,
		c.workersInUse,
		c.workersMissing,
		c.acquireWait,
		c.busyTotal,

		// Panel 2: Worker lifecycle
		c.releasesTotal,
		c.replacementsTotal,
		c.replaceFailTotal,
		c.destroysTotal,
		c.processExitsTotal,
		c.forceKillsTotal,
		c.processUptime,

		// Panel 3: Jobs
		c.jobsTotal,
		c.jobSteps,
		c.jobDuration,
		c.jobP50,
		c.jobP95,
		c.jobP99,
	)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(version, cfg.Backend).Set(1)
	c.capacity.Set(float64(cfg.Capacity))

	return c
}

// =============================================================================
// Pool callbacks
// =============================================================================

// PoolCallbacks returns pool callbacks that feed this collector.
func (c *Collector) PoolCallbacks() pool.Callbacks {
	return pool.Callbacks{
		OnAcquire:       c.RecordAcquire,
		OnBusy:          c.RecordBusy,
		OnRelease:       func(r pool.Result) { c.releasesTotal.WithLabelValues(r.String()).Inc() },
		OnReplace:       func(int, int, int) { c.replacementsTotal.Inc() },
		OnReplaceFailed: func(int, error) { c.replaceFailTotal.Inc() },
		OnDestroy: func(tier worker.Tier, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			c.destroysTotal.WithLabelValues(tier.String(), result).Inc()
		},
	}
}

// RecordAcquire records a successful acquire.
func (c *Collector) RecordAcquire(wait time.Duration) {
	c.acquireWait.Observe(wait.Seconds())
}

// RecordBusy records an acquire that gave up.
func (c *Collector) RecordBusy(wait time.Duration) {
	c.acquireWait.Observe(wait.Seconds())
	c.busyTotal.Inc()
}

// SetPoolStats updates the worker gauges.
func (c *Collector) SetPoolStats(s pool.Stats) {
	c.capacity.Set(float64(s.Capacity))
	c.workersTotal.Set(float64(s.Total))
	c.workersAvailable.Set(float64(s.Available))
	c.workersInUse.Set(float64(s.InUse))
	c.workersMissing.Set(float64(s.Missing))
}

// Run refreshes the worker gauges from stats every interval until ctx ends.
func (c *Collector) Run(ctx context.Context, interval time.Duration, stats func() pool.Stats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.SetPoolStats(stats())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SetPoolStats(stats())
		}
	}
}

// =============================================================================
// Process events
// =============================================================================

// RecordExit records a spawned engine process exit.
func (c *Collector) RecordExit(exitCode int, uptime time.Duration) {
	category := "error"
	if exitCode == 0 {
		category = "success"
	} else if exitCode > 128 {
		category = "signal"
	}
	c.processExitsTotal.WithLabelValues(category).Inc()
	c.processUptime.Observe(uptime.Seconds())
}

// RecordForceKill records a forced signal.
func (c *Collector) RecordForceKill(int) {
	c.forceKillsTotal.Inc()
}

// =============================================================================
// Jobs
// =============================================================================

// ObserveJob implements job.Observer.
func (c *Collector) ObserveJob(final job.Kind, steps int, d time.Duration) {
	c.jobsTotal.WithLabelValues(final.String()).Inc()
	c.jobSteps.Observe(float64(steps))
	c.jobDuration.Observe(d.Seconds())

	c.mu.Lock()
	c.digest.Add(d.Seconds(), 1)
	c.jobs++
	p50 := c.digest.Quantile(0.50)
	p95 := c.digest.Quantile(0.95)
	p99 := c.digest.Quantile(0.99)
	c.mu.Unlock()

	c.jobP50.Set(p50)
	c.jobP95.Set(p95)
	c.jobP99.Set(p99)
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for the exit summary.
type Summary struct {
	Uptime time.Duration
	Jobs   int64
	JobP50 time.Duration
	JobP95 time.Duration
	JobP99 time.Duration
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Uptime: time.Since(c.startTime),
		Jobs:   c.jobs,
	}
	if c.jobs > 0 {
		s.JobP50 = seconds(c.digest.Quantile(0.50))
		s.JobP95 = seconds(c.digest.Quantile(0.95))
		s.JobP99 = seconds(c.digest.Quantile(0.99))
	}
	return s
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
