package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-rserve-pool/internal/metrics"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg replaces the displayed snapshot without waiting for a tick.
type SnapshotMsg struct {
	Snapshot *metrics.Snapshot
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	metricsURL string

	snapshot     *metrics.Snapshot
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool

	width  int
	height int

	source SnapshotSource

	quitting bool
}

// SnapshotSource provides the latest pool snapshot. *metrics.Scraper
// implements it.
type SnapshotSource interface {
	Snapshot() *metrics.Snapshot
}

// Config holds TUI configuration.
type Config struct {
	MetricsURL string
	Source     SnapshotSource
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		metricsURL: cfg.MetricsURL,
		source:     cfg.Source,
		startTime:  time.Now(),
		lastUpdate: time.Now(),
		width:      80,
		height:     24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.source != nil {
			m.snapshot = m.source.Snapshot()
		}
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case SnapshotMsg:
		m.snapshot = msg.Snapshot
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView && m.snapshot != nil && len(m.snapshot.JobsByStatus) > 0 {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Capacity returns the configured worker count, or 0 before the first scrape.
func (m Model) Capacity() int {
	if m.snapshot == nil {
		return 0
	}
	return m.snapshot.Capacity
}

// InUse returns the number of checked-out workers.
func (m Model) InUse() int {
	if m.snapshot == nil {
		return 0
	}
	return m.snapshot.InUse
}

// Utilization returns the checked-out fraction of capacity (0.0 to 1.0).
func (m Model) Utilization() float64 {
	if m.Capacity() == 0 {
		return 0
	}
	return float64(m.InUse()) / float64(m.Capacity())
}

// JobErrorRate returns the fraction of finished jobs whose status was not ok.
func (m Model) JobErrorRate() float64 {
	if m.snapshot == nil || m.snapshot.Jobs == 0 {
		return 0
	}
	failed := m.snapshot.Jobs - m.snapshot.JobsByStatus["ok"]
	if failed < 0 {
		return 0
	}
	return failed / m.snapshot.Jobs
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatNumber formats a number with K/M suffixes.
func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// formatMs formats a duration as milliseconds.
func formatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// formatRate formats a rate with appropriate precision.
func formatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}

// formatPercent formats a fraction as a percentage.
func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f%%", value*100)
}

// formatAge formats how long ago t was, for the "last update" footer.
func formatAge(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < time.Second {
		return "just now"
	}
	return fmt.Sprintf("%ds ago", int(d.Seconds()))
}
