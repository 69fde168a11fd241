// Package tui provides a live terminal dashboard for a running engine pool.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It reads the pool's /metrics endpoint and displays:
// - Worker utilisation
// - Replacements and busy rejections
// - Job outcomes and latency percentiles
package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-rserve-pool/internal/metrics"
)

// =============================================================================
// Color Palette
// =============================================================================

var (
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan

	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red

	colorText      = lipgloss.Color("#E5E7EB") // Light gray
	colorTextMuted = lipgloss.Color("#9CA3AF") // Medium gray
	colorTextDim   = lipgloss.Color("#6B7280") // Dark gray
	colorBorder    = lipgloss.Color("#374151") // Border gray
)

// =============================================================================
// Base Styles
// =============================================================================

var (
	mutedStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)

	statusOK = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	statusWarning = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	statusError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)
)

// =============================================================================
// Layout Styles
// =============================================================================

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder).
				MarginTop(1)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)
)

// =============================================================================
// Value Styles
// =============================================================================

var (
	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	valueGoodStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	valueBadStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	valueWarnStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(20)

	labelWideStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(25)
)

// =============================================================================
// Progress Bar Styles
// =============================================================================

var (
	progressBarStyle = lipgloss.NewStyle().
				Foreground(colorPrimary)

	progressBarEmptyStyle = lipgloss.NewStyle().
				Foreground(colorBorder)

	progressPercentStyle = lipgloss.NewStyle().
				Foreground(colorText).
				Bold(true)
)

// =============================================================================
// Table Styles
// =============================================================================

var (
	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder)

	tableRowEvenStyle = lipgloss.NewStyle().
				Foreground(colorText)

	tableRowOddStyle = lipgloss.NewStyle().
				Foreground(colorTextMuted)
)

// =============================================================================
// Pool Status Indicator
// =============================================================================

// PoolStatus summarises the pool's health for the header.
type PoolStatus int

const (
	PoolStatusOK PoolStatus = iota
	PoolStatusDegraded
	PoolStatusDown
)

// GetPoolStatus classifies a snapshot. An unreachable or unscraped pool is
// down; one with empty slots is degraded.
func GetPoolStatus(s *metrics.Snapshot) PoolStatus {
	switch {
	case s == nil || !s.Healthy:
		return PoolStatusDown
	case s.Missing > 0 || s.Total < s.Capacity:
		return PoolStatusDegraded
	default:
		return PoolStatusOK
	}
}

// GetPoolLabel returns a styled status label for the header.
func GetPoolLabel(s *metrics.Snapshot) string {
	status := GetPoolStatus(s)
	label := "● Pool"
	switch status {
	case PoolStatusDown:
		label += " (unreachable)"
	case PoolStatusDegraded:
		label += " (degraded)"
	}
	return GetPoolStyle(status).Render(label)
}

// GetPoolStyle returns the style matching status.
func GetPoolStyle(status PoolStatus) lipgloss.Style {
	switch status {
	case PoolStatusDown:
		return statusError
	case PoolStatusDegraded:
		return statusWarning
	default:
		return statusOK
	}
}

// =============================================================================
// Utilisation Indicator
// =============================================================================

// GetUtilizationStyle colours the in-use fraction of the pool. A fully
// checked-out pool turns away new work.
func GetUtilizationStyle(u float64) lipgloss.Style {
	switch {
	case u >= 1.0:
		return valueBadStyle
	case u >= 0.75:
		return valueWarnStyle
	default:
		return valueGoodStyle
	}
}

// GetUtilizationLabel returns a styled "in use/capacity" value.
func GetUtilizationLabel(inUse, capacity int) string {
	u := 0.0
	if capacity > 0 {
		u = float64(inUse) / float64(capacity)
	}
	return GetUtilizationStyle(u).Render(fmt.Sprintf("%d/%d", inUse, capacity))
}

// =============================================================================
// Error Rate Indicator
// =============================================================================

// GetErrorRateStyle returns a style based on error rate.
func GetErrorRateStyle(errorRate float64) lipgloss.Style {
	switch {
	case errorRate == 0:
		return valueGoodStyle
	case errorRate < 0.01: // <1%
		return valueWarnStyle
	default:
		return valueBadStyle
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}

// RenderKeyValueWide renders a label-value pair with wider label.
func RenderKeyValueWide(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelWideStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}

// RenderProgressBar renders a progress bar.
func RenderProgressBar(progress float64, width int) string {
	if width < 10 {
		width = 10
	}

	filled := int(progress * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := progressBarStyle.Render(repeatChar('█', filled)) +
		progressBarEmptyStyle.Render(repeatChar('░', width-filled))

	percent := progressPercentStyle.Render(fmt.Sprintf(" %3.0f%%", progress*100))

	return bar + percent
}

func repeatChar(char rune, count int) string {
	if count <= 0 {
		return ""
	}
	result := make([]rune, count)
	for i := range result {
		result[i] = char
	}
	return string(result)
}
