package component

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/eventstream/internal/logger"
	"github.com/rovshanmuradov/eventstream/internal/ui/style"
)

const compactLogLimit = 50

// LogFilter defines what log levels to show
type LogFilter struct {
	ShowError   bool
	ShowWarning bool
	ShowInfo    bool
	ShowDebug   bool
}

// CompactLogViewer shows the tail of a LogBuffer.
type CompactLogViewer struct {
	buffer   *logger.LogBuffer
	viewport viewport.Model
	filter   LogFilter
	style    CompactLogStyle
	width    int
	height   int
	visible  bool
	title    string
}

// CompactLogStyle contains all styling for the log viewer
type CompactLogStyle struct {
	container lipgloss.Style
	title     lipgloss.Style
	entry     lipgloss.Style
	timestamp lipgloss.Style
	source    lipgloss.Style
	error     lipgloss.Style
	warning   lipgloss.Style
	info      lipgloss.Style
	debug     lipgloss.Style
}

// NewCompactLogViewer creates a new compact log viewer
func NewCompactLogViewer(logBuffer *logger.LogBuffer) *CompactLogViewer {
	palette := style.DefaultPalette()

	return &CompactLogViewer{
		buffer:  logBuffer,
		visible: true,
		title:   "Recent Logs",
		filter: LogFilter{
			ShowError:   true,
			ShowWarning: true,
			ShowInfo:    true,
		},
		style: CompactLogStyle{
			container: lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(palette.Info).
				Padding(0, 1),
			title:     lipgloss.NewStyle().Foreground(palette.Info).Bold(true),
			entry:     lipgloss.NewStyle().Foreground(palette.Text),
			timestamp: lipgloss.NewStyle().Foreground(palette.TextMuted),
			source:    lipgloss.NewStyle().Foreground(palette.TextSecondary),
			error:     lipgloss.NewStyle().Foreground(palette.Error).Bold(true),
			warning:   lipgloss.NewStyle().Foreground(palette.Warning).Bold(true),
			info:      lipgloss.NewStyle().Foreground(palette.Info),
			debug:     lipgloss.NewStyle().Foreground(palette.TextMuted),
		},
		viewport: viewport.New(50, 4),
	}
}

// SetSize sets the component dimensions
func (clv *CompactLogViewer) SetSize(width, height int) {
	clv.width = width
	clv.height = height
	clv.style.container = clv.style.container.Width(width - 2)

	viewportHeight := height - 3 // border and title
	if viewportHeight < 2 {
		viewportHeight = 2
	}
	clv.viewport.Width = width - 4
	clv.viewport.Height = viewportHeight
}

// SetVisible toggles the visibility of the log viewer
func (clv *CompactLogViewer) SetVisible(visible bool) {
	clv.visible = visible
}

// IsVisible returns whether the log viewer is visible
func (clv *CompactLogViewer) IsVisible() bool {
	return clv.visible
}

// Filter returns the active filter.
func (clv *CompactLogViewer) Filter() LogFilter {
	return clv.filter
}

// ToggleLogLevel toggles a specific log level
func (clv *CompactLogViewer) ToggleLogLevel(level string) {
	switch level {
	case "error":
		clv.filter.ShowError = !clv.filter.ShowError
	case "warning", "warn":
		clv.filter.ShowWarning = !clv.filter.ShowWarning
	case "info":
		clv.filter.ShowInfo = !clv.filter.ShowInfo
	case "debug":
		clv.filter.ShowDebug = !clv.filter.ShowDebug
	}
	clv.Refresh()
}

// Update handles viewport scrolling.
func (clv *CompactLogViewer) Update(msg tea.Msg) tea.Cmd {
	if !clv.visible {
		return nil
	}
	var cmd tea.Cmd
	clv.viewport, cmd = clv.viewport.Update(msg)
	return cmd
}

// View renders the compact log viewer
func (clv *CompactLogViewer) View() string {
	if !clv.visible {
		return ""
	}
	content := lipgloss.JoinVertical(
		lipgloss.Left,
		clv.style.title.Render(fmt.Sprintf("%s  %s", clv.title, clv.FilterStatus())),
		clv.viewport.View(),
	)
	return clv.style.container.Render(content)
}

// Refresh reloads the viewport from the buffer and scrolls to the newest entry.
func (clv *CompactLogViewer) Refresh() {
	if clv.buffer == nil {
		clv.viewport.SetContent("No log buffer available")
		return
	}

	var lines []string
	for _, entry := range clv.buffer.GetRecentLogs(compactLogLimit) {
		if clv.shouldShowEntry(entry) {
			lines = append(lines, clv.formatLogEntry(entry))
		}
	}
	if len(lines) == 0 {
		clv.viewport.SetContent("No logs match current filter")
		return
	}
	clv.viewport.SetContent(strings.Join(lines, "\n"))
	clv.viewport.GotoBottom()
}

func (clv *CompactLogViewer) shouldShowEntry(entry logger.LogEntry) bool {
	switch strings.ToLower(entry.Level) {
	case "error", "dpanic", "panic", "fatal":
		return clv.filter.ShowError
	case "warning", "warn":
		return clv.filter.ShowWarning
	case "debug":
		return clv.filter.ShowDebug
	default:
		return clv.filter.ShowInfo
	}
}

func (clv *CompactLogViewer) formatLogEntry(entry logger.LogEntry) string {
	timestamp := clv.style.timestamp.Render(entry.Timestamp.Format("15:04:05"))

	msg := entry.Message
	if key, ok := entry.Fields["key"].(string); ok && key != "" {
		msg = fmt.Sprintf("%s [%s]", msg, key)
	}
	if errText, ok := entry.Fields["error"].(string); ok && errText != "" {
		msg = fmt.Sprintf("%s: %s", msg, errText)
	}

	var styled string
	switch strings.ToLower(entry.Level) {
	case "error", "dpanic", "panic", "fatal":
		styled = clv.style.error.Render(msg)
	case "warning", "warn":
		styled = clv.style.warning.Render(msg)
	case "info":
		styled = clv.style.info.Render(msg)
	case "debug":
		styled = clv.style.debug.Render(msg)
	default:
		styled = clv.style.entry.Render(msg)
	}

	if entry.Logger != "" {
		return fmt.Sprintf("%s %s %s", timestamp, clv.style.source.Render(entry.Logger), styled)
	}
	return fmt.Sprintf("%s %s", timestamp, styled)
}

// GetHeight returns the component height for layout calculations
func (clv *CompactLogViewer) GetHeight() int {
	if !clv.visible {
		return 0
	}
	return clv.height
}

// FilterStatus describes the levels currently shown.
func (clv *CompactLogViewer) FilterStatus() string {
	var active []string
	if clv.filter.ShowError {
		active = append(active, "error")
	}
	if clv.filter.ShowWarning {
		active = append(active, "warn")
	}
	if clv.filter.ShowInfo {
		active = append(active, "info")
	}
	if clv.filter.ShowDebug {
		active = append(active, "debug")
	}
	if len(active) == 0 {
		return "(all levels hidden)"
	}
	return "(" + strings.Join(active, ", ") + ")"
}
