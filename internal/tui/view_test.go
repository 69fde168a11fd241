package tui

import (
	"reflect"
	"strings"
	"testing"

	"github.com/randomizedcoder/go-rserve-pool/internal/metrics"
)

func viewModel(snap *metrics.Snapshot) Model {
	m := New(Config{MetricsURL: "http://127.0.0.1:17092/metrics"})
	m.width = 120
	m.height = 40
	m.snapshot = snap
	return m
}

// =============================================================================
// Tests: Summary View
// =============================================================================

func TestView_Summary(t *testing.T) {
	view := viewModel(sampleSnapshot()).View()

	for _, want := range []string{
		"rpool-top",
		"Workers: 4/4",
		"Utilisation",
		"1 of 4 workers available",
		"Replacements",
		"Busy Rejections",
		"Jobs",
		"engine_error",
		"Job Latency",
		"40 ms",
		"q: quit",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("summary view missing %q", want)
		}
	}
}

func TestView_NoSnapshot(t *testing.T) {
	view := viewModel(nil).View()

	if !strings.Contains(view, "Waiting for pool metrics") {
		t.Error("expected waiting message before first scrape")
	}
	if strings.Contains(view, "Job Latency") {
		t.Error("latency panel should be hidden without data")
	}
	if !strings.Contains(view, "updated never") {
		t.Error("footer should report no update")
	}
}

func TestView_ScrapeError(t *testing.T) {
	snap := sampleSnapshot()
	snap.Healthy = false
	snap.Error = "http status 500"

	view := viewModel(snap).View()
	if !strings.Contains(view, "http status 500") {
		t.Error("scrape error not shown")
	}
	if !strings.Contains(view, "unreachable") {
		t.Error("header should mark the pool unreachable")
	}
	// Last known values stay on screen.
	if !strings.Contains(view, "Replacements") {
		t.Error("worker panel should still render")
	}
}

func TestView_AllBusy(t *testing.T) {
	snap := sampleSnapshot()
	snap.InUse, snap.Available = 4, 0

	if view := viewModel(snap).View(); !strings.Contains(view, "All 4 workers busy") {
		t.Error("expected all-busy status")
	}
}

func TestView_NarrowTerminal(t *testing.T) {
	m := viewModel(sampleSnapshot())
	m.width, m.height = 20, 5

	if view := m.View(); view == "" {
		t.Error("View() should render on a narrow terminal")
	}
}

// =============================================================================
// Tests: Detailed View
// =============================================================================

func TestView_Detailed(t *testing.T) {
	m := viewModel(sampleSnapshot())
	m.detailedView = true

	view := m.View()
	for _, want := range []string{"Jobs by Status", "ok", "engine_error", "90.0%", "8.0%"} {
		if !strings.Contains(view, want) {
			t.Errorf("detailed view missing %q", want)
		}
	}
}

func TestView_DetailedFallsBackWithoutJobs(t *testing.T) {
	m := viewModel(&metrics.Snapshot{Healthy: true, Capacity: 2, Total: 2})
	m.detailedView = true

	view := m.View()
	if strings.Contains(view, "Jobs by Status") {
		t.Error("detailed view needs job data")
	}
	if !strings.Contains(view, "Utilisation") {
		t.Error("expected summary view")
	}
}

func TestOrderedStatuses(t *testing.T) {
	got := orderedStatuses(map[string]float64{
		"zzz":          1,
		"empty":        1,
		"ok":           1,
		"aaa":          1,
		"engine_error": 1,
	})
	want := []string{"ok", "engine_error", "empty", "aaa", "zzz"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("orderedStatuses() = %v, want %v", got, want)
	}
}
