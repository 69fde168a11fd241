package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// statusOrder lists job statuses in display order; unknown ones follow
// alphabetically.
var statusOrder = []string{"ok", "engine_error", "protocol_error", "unexpected_error", "empty"}

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main summary dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())

	if m.snapshot != nil && !m.snapshot.Healthy {
		sections = append(sections, m.renderScrapeError())
	}

	sections = append(sections, m.renderUtilization())

	if m.snapshot != nil && m.snapshot.Capacity > 0 {
		sections = append(sections, m.renderWorkerStats())
		sections = append(sections, m.renderJobStats())
		sections = append(sections, m.renderLatencyStats())
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView renders the per-status job table.
func (m Model) renderDetailedView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderStatusTable(),
		m.renderFooter(),
	)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" rpool-top │ %s │ Workers: %d/%d │ Elapsed: %s ",
		GetPoolLabel(m.snapshot),
		m.total(),
		m.Capacity(),
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

func (m Model) total() int {
	if m.snapshot == nil {
		return 0
	}
	return m.snapshot.Total
}

func (m Model) renderScrapeError() string {
	msg := m.snapshot.Error
	if msg == "" {
		msg = "unknown error"
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Metrics"),
		statusError.Render("✗ "+msg),
		dimStyle.Render("Showing last known values"),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Utilisation
// =============================================================================

func (m Model) renderUtilization() string {
	u := m.Utilization()

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}
	bar := RenderProgressBar(u, barWidth)

	var status string
	switch {
	case m.Capacity() == 0:
		status = dimStyle.Render("Waiting for pool metrics...")
	case u >= 1.0:
		status = statusError.Render(fmt.Sprintf("All %d workers busy", m.Capacity()))
	default:
		status = statusOK.Render(fmt.Sprintf("%d of %d workers available", m.snapshot.Available, m.Capacity()))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Utilisation"),
		bar,
		status,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Workers
// =============================================================================

func (m Model) renderWorkerStats() string {
	s := m.snapshot

	missingStyle := valueStyle
	if s.Missing > 0 {
		missingStyle = valueWarnStyle
	}
	failStyle := valueStyle
	if s.ReplaceFailures > 0 {
		failStyle = valueBadStyle
	}
	busyStyle := valueStyle
	if s.Busy > 0 {
		busyStyle = valueWarnStyle
	}

	rows := []string{
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelWideStyle.Render("In Use:"),
			GetUtilizationLabel(s.InUse, s.Capacity),
		),
		RenderKeyValueWide("Available", fmt.Sprintf("%d", s.Available)),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelWideStyle.Render("Missing:"),
			missingStyle.Render(fmt.Sprintf("%d", s.Missing)),
		),
		RenderKeyValueWide("Replacements", formatNumber(int64(s.Replacements))),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelWideStyle.Render("Replace Failures:"),
			failStyle.Render(formatNumber(int64(s.ReplaceFailures))),
		),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelWideStyle.Render("Busy Rejections:"),
			busyStyle.Render(formatNumber(int64(s.Busy))),
		),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Workers")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Jobs
// =============================================================================

func (m Model) renderJobStats() string {
	s := m.snapshot

	errRate := m.JobErrorRate()
	rows := []string{
		renderStatRow("Jobs", formatNumber(int64(s.Jobs)), formatRate(s.JobRate)),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelWideStyle.Render("Error Rate:"),
			GetErrorRateStyle(errRate).Render(formatPercent(errRate)),
		),
	}

	for _, status := range orderedStatuses(s.JobsByStatus) {
		if status == "ok" {
			continue
		}
		n := s.JobsByStatus[status]
		if n == 0 {
			continue
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			labelWideStyle.Render("  "+status+":"),
			valueBadStyle.Render(formatNumber(int64(n))),
		))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Jobs")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func renderStatRow(label, value, rate string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelWideStyle.Render(label+":"),
		valueStyle.Width(12).Render(value),
		mutedStyle.Render(" ("),
		valueStyle.Render(rate),
		mutedStyle.Render(")"),
	)
}

// =============================================================================
// Latency
// =============================================================================

func (m Model) renderLatencyStats() string {
	s := m.snapshot
	if s.JobP50 == 0 {
		return ""
	}

	rows := []string{
		renderLatencyRow("P50 (median)", s.JobP50),
		renderLatencyRow("P95", s.JobP95),
		renderLatencyRow("P99", s.JobP99),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Job Latency")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func renderLatencyRow(label string, d time.Duration) string {
	return RenderKeyValue(label, formatMs(d))
}

// =============================================================================
// Status Table (Detailed View)
// =============================================================================

func (m Model) renderStatusTable() string {
	s := m.snapshot

	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-18s %10s %8s", "Status", "Jobs", "Share"),
	)

	var rows []string
	for i, status := range orderedStatuses(s.JobsByStatus) {
		n := s.JobsByStatus[status]
		share := 0.0
		if s.Jobs > 0 {
			share = n / s.Jobs
		}

		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}
		rows = append(rows, rowStyle.Render(fmt.Sprintf("%-18s %10s %8s",
			status, formatNumber(int64(n)), formatPercent(share))))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{
			sectionHeaderStyle.Render("Jobs by Status"),
			header,
		}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// orderedStatuses returns the keys of byStatus, known statuses first.
func orderedStatuses(byStatus map[string]float64) []string {
	out := make([]string, 0, len(byStatus))
	known := make(map[string]bool, len(statusOrder))
	for _, s := range statusOrder {
		known[s] = true
		if _, ok := byStatus[s]; ok {
			out = append(out, s)
		}
	}
	var rest []string
	for s := range byStatus {
		if !known[s] {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"d: toggle details",
		"r: refresh",
	}

	updated := "never"
	if m.snapshot != nil {
		updated = formatAge(m.snapshot.LastUpdate, time.Now())
	}

	url := m.metricsURL
	maxURLLen := m.width - 70
	if len(url) > maxURLLen && maxURLLen > 10 {
		url = url[:maxURLLen-3] + "..."
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := dimStyle.Render(fmt.Sprintf("%s (updated %s)", url, updated))

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}
