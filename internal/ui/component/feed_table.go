package component

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/eventstream/internal/feeds"
	"github.com/rovshanmuradov/eventstream/internal/stream"
	"github.com/rovshanmuradov/eventstream/internal/ui/style"
)

// FeedRow is one line of the feed table.
type FeedRow struct {
	Name    string
	Status  feeds.Status
	Summary string
}

// FeedTable renders feed connection status, one row per feed.
type FeedTable struct {
	rows   []FeedRow
	cursor int
	width  int
	style  feedTableStyle
}

type feedTableStyle struct {
	container lipgloss.Style
	header    lipgloss.Style
	name      lipgloss.Style
	selected  lipgloss.Style
	summary   lipgloss.Style
	open      lipgloss.Style
	retrying  lipgloss.Style
	stale     lipgloss.Style
	down      lipgloss.Style
	muted     lipgloss.Style
}

// NewFeedTable creates an empty table.
func NewFeedTable() *FeedTable {
	palette := style.DefaultPalette()
	return &FeedTable{
		width: 80,
		style: feedTableStyle{
			container: lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(palette.Primary).
				Padding(0, 1),
			header:   lipgloss.NewStyle().Foreground(palette.Primary).Bold(true),
			name:     lipgloss.NewStyle().Foreground(palette.Text).Width(12),
			selected: lipgloss.NewStyle().Foreground(palette.Secondary).Bold(true).Width(12),
			summary:  lipgloss.NewStyle().Foreground(palette.TextSecondary),
			open:     lipgloss.NewStyle().Foreground(palette.Open).Bold(true).Width(16),
			retrying: lipgloss.NewStyle().Foreground(palette.Retrying).Width(16),
			stale:    lipgloss.NewStyle().Foreground(palette.Stale).Width(16),
			down:     lipgloss.NewStyle().Foreground(palette.Down).Bold(true).Width(16),
			muted:    lipgloss.NewStyle().Foreground(palette.TextMuted).Width(16),
		},
	}
}

// SetRows replaces the table contents, keeping the cursor in range.
func (t *FeedTable) SetRows(rows []FeedRow) {
	t.rows = rows
	t.SetCursor(t.cursor)
}

// SetWidth sets the component width
func (t *FeedTable) SetWidth(width int) {
	t.width = width
	t.style.container = t.style.container.Width(width - 2)
}

// SetCursor moves the selection, clamped to the rows.
func (t *FeedTable) SetCursor(i int) {
	if i >= len(t.rows) {
		i = len(t.rows) - 1
	}
	if i < 0 {
		i = 0
	}
	t.cursor = i
}

// Cursor returns the selected row index.
func (t *FeedTable) Cursor() int { return t.cursor }

// View renders the table
func (t *FeedTable) View() string {
	lines := []string{t.style.header.Render("Feeds")}
	if len(t.rows) == 0 {
		lines = append(lines, t.style.summary.Render("No feeds"))
	}
	for i, row := range t.rows {
		name := t.style.name.Render(row.Name)
		if i == t.cursor {
			name = t.style.selected.Render("> " + row.Name)
		}
		line := lipgloss.JoinHorizontal(lipgloss.Top,
			name,
			t.statusStyle(row.Status).Render(StatusLabel(row.Status)),
			t.style.summary.Render(row.Summary),
		)
		if row.Status.Err != "" {
			line += t.style.down.UnsetWidth().Render("  " + row.Status.Err)
		}
		lines = append(lines, line)
	}
	return t.style.container.Render(strings.Join(lines, "\n"))
}

func (t *FeedTable) statusStyle(s feeds.Status) lipgloss.Style {
	switch {
	case s.Connected:
		return t.style.open
	case s.RetryIn > 0:
		return t.style.retrying
	case s.Stale:
		return t.style.stale
	case s.State == stream.StateErrored:
		return t.style.down
	default:
		return t.style.muted
	}
}

// StatusLabel is a short description of a feed's transport status.
func StatusLabel(s feeds.Status) string {
	switch {
	case s.Connected:
		return "open"
	case s.RetryIn > 0:
		return fmt.Sprintf("retry in %s", s.RetryIn.Round(time.Second))
	case s.Stale:
		return "stale (polling)"
	default:
		return s.State.String()
	}
}
