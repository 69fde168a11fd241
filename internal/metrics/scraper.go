package metrics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Snapshot is the pool state read back from a running service's /metrics.
type Snapshot struct {
	Capacity        int
	Total           int
	Available       int
	InUse           int
	Missing         int
	Busy            float64
	Replacements    float64
	ReplaceFailures float64

	// Jobs by final status, and the total
	JobsByStatus map[string]float64
	Jobs         float64
	JobRate      float64 // jobs/sec since the previous scrape

	JobP50 time.Duration
	JobP95 time.Duration
	JobP99 time.Duration

	// Metadata
	LastUpdate time.Time
	Healthy    bool
	Error      string
}

// Scraper polls a metrics endpoint and keeps the latest Snapshot.
// Uses atomic.Value for lock-free reads.
type Scraper struct {
	url        string
	interval   time.Duration
	logger     *slog.Logger
	httpClient *http.Client

	snapshot atomic.Value // *Snapshot

	// Rate calculation state
	lastJobs atomic.Uint64 // float64 as bits
	lastTime atomic.Value  // time.Time
}

// NewScraper creates a scraper for url (a full /metrics URL).
func NewScraper(url string, interval time.Duration, logger *slog.Logger) *Scraper {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Scraper{
		url:      url,
		interval: interval,
		logger:   logger,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	s.snapshot.Store(&Snapshot{
		Healthy: false,
		Error:   "Not yet scraped",
	})
	return s
}

// Run scrapes every interval until ctx is done.
func (s *Scraper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Initial scrape
	s.Scrape(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scrape(ctx)
		}
	}
}

// Snapshot returns the latest snapshot (thread-safe, lock-free).
func (s *Scraper) Snapshot() *Snapshot {
	return s.snapshot.Load().(*Snapshot)
}

// Scrape fetches the endpoint once and stores the result. On failure the
// previous values are kept and the snapshot is marked unhealthy.
func (s *Scraper) Scrape(ctx context.Context) {
	now := time.Now()
	last := s.Snapshot()

	families, err := s.fetch(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Debug("metrics_scrape_error", "url", s.url, "error", err)
		}
		next := *last
		next.Healthy = false
		next.Error = err.Error()
		next.LastUpdate = now
		s.snapshot.Store(&next)
		return
	}

	next := parseSnapshot(families)
	next.LastUpdate = now
	next.Healthy = true
	next.JobRate = s.jobRate(next.Jobs, now)
	s.snapshot.Store(next)
}

func (s *Scraper) fetch(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	return decodeFamilies(resp.Body)
}

// decodeFamilies parses the Prometheus text format.
func decodeFamilies(r io.Reader) (map[string]*dto.MetricFamily, error) {
	decoder := expfmt.NewDecoder(r, expfmt.FmtText)
	families := make(map[string]*dto.MetricFamily)

	for {
		var mf dto.MetricFamily
		if err := decoder.Decode(&mf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode error: %w", err)
		}
		families[mf.GetName()] = &mf
	}
	return families, nil
}

func parseSnapshot(families map[string]*dto.MetricFamily) *Snapshot {
	s := &Snapshot{
		Capacity:        int(sumValues(families, namePoolCapacity)),
		Total:           int(sumValues(families, nameWorkersTotal)),
		Available:       int(sumValues(families, nameWorkersAvailable)),
		InUse:           int(sumValues(families, nameWorkersInUse)),
		Missing:         int(sumValues(families, nameWorkersMissing)),
		Busy:            sumValues(families, nameBusyTotal),
		Replacements:    sumValues(families, nameReplacementsTotal),
		ReplaceFailures: sumValues(families, nameReplaceFailTotal),
		JobsByStatus:    make(map[string]float64),
		JobP50:          seconds(sumValues(families, nameJobP50)),
		JobP95:          seconds(sumValues(families, nameJobP95)),
		JobP99:          seconds(sumValues(families, nameJobP99)),
	}

	if mf, ok := families[nameJobsTotal]; ok {
		for _, m := range mf.GetMetric() {
			v := metricValue(m)
			for _, label := range m.GetLabel() {
				if label.GetName() == "status" {
					s.JobsByStatus[label.GetValue()] += v
				}
			}
			s.Jobs += v
		}
	}
	return s
}

// sumValues adds up every series of a gauge or counter family.
func sumValues(families map[string]*dto.MetricFamily, name string) float64 {
	mf, ok := families[name]
	if !ok {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		total += metricValue(m)
	}
	if math.IsNaN(total) {
		return 0
	}
	return total
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	}
	return 0
}

// jobRate returns jobs/sec since the previous successful scrape.
func (s *Scraper) jobRate(jobs float64, now time.Time) float64 {
	prev := math.Float64frombits(s.lastJobs.Swap(math.Float64bits(jobs)))
	prevTime, ok := s.lastTime.Swap(now).(time.Time)
	if !ok || prevTime.IsZero() {
		return 0
	}
	elapsed := now.Sub(prevTime).Seconds()
	if elapsed <= 0 || jobs < prev {
		// Counter reset (service restarted)
		return 0
	}
	return (jobs - prev) / elapsed
}
