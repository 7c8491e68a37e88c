// Package ui is a terminal dashboard over a set of live feeds.
package ui

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/feeds"
	"github.com/rovshanmuradov/eventstream/internal/logger"
	"github.com/rovshanmuradov/eventstream/internal/ui/component"
	"github.com/rovshanmuradov/eventstream/internal/ui/style"
)

// Feed is what the dashboard needs from a feed.
type Feed interface {
	Status() feeds.Status
	OnChange(fn func()) func()
}

// Panel binds a feed to its row in the dashboard.
type Panel struct {
	Name string
	Feed Feed
	// Summary renders the feed's own state in one line.
	Summary    func() string
	Reconnect  func() error
	Disconnect func()
	Clear      func()
}

// Dashboard is the bubbletea model.
type Dashboard struct {
	panels []Panel
	logger *zap.Logger

	keys  KeyMap
	help  help.Model
	table *component.FeedTable
	logs  *component.CompactLogViewer

	changes   chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	removers  []func()
	lastError string

	width  int
	height int

	titleStyle lipgloss.Style
	errStyle   lipgloss.Style
}

// NewDashboard registers change listeners on every panel's feed. Call Close
// to remove them.
func NewDashboard(panels []Panel, buffer *logger.LogBuffer, log *zap.Logger) *Dashboard {
	if log == nil {
		log = zap.NewNop()
	}
	palette := style.DefaultPalette()
	d := &Dashboard{
		panels:     panels,
		logger:     log.Named("ui"),
		keys:       DefaultKeyMap(),
		help:       help.New(),
		table:      component.NewFeedTable(),
		logs:       component.NewCompactLogViewer(buffer),
		changes:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		titleStyle: lipgloss.NewStyle().Foreground(palette.Primary).Bold(true),
		errStyle:   lipgloss.NewStyle().Foreground(palette.Error),
	}
	for _, p := range panels {
		if p.Feed == nil {
			continue
		}
		d.removers = append(d.removers, p.Feed.OnChange(d.notify))
	}
	d.refresh()
	return d
}

// notify coalesces change notifications; one pending signal is enough.
func (d *Dashboard) notify() {
	select {
	case d.changes <- struct{}{}:
	default:
	}
}

// Close removes the feed listeners and stops the change listener.
func (d *Dashboard) Close() {
	d.stopOnce.Do(func() {
		for _, remove := range d.removers {
			remove()
		}
		close(d.done)
	})
}

// Init implements tea.Model.
func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(listen(d.changes, d.done), tick())
}

// Update implements tea.Model.
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width, d.height = msg.Width, msg.Height
		d.layout()
		return d, nil

	case FeedChangedMsg:
		d.refresh()
		return d, listen(d.changes, d.done)

	case TickMsg:
		d.refresh()
		return d, tick()

	case ErrorMsg:
		d.lastError = fmt.Sprintf("%s: %v", msg.Title, msg.Error)
		return d, nil

	case tea.KeyMsg:
		return d, d.handleKey(msg)
	}

	return d, d.logs.Update(msg)
}

func (d *Dashboard) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, d.keys.Quit):
		return tea.Quit
	case key.Matches(msg, d.keys.Help):
		d.help.ShowAll = !d.help.ShowAll
	case key.Matches(msg, d.keys.Up):
		d.table.SetCursor(d.table.Cursor() - 1)
	case key.Matches(msg, d.keys.Down):
		d.table.SetCursor(d.table.Cursor() + 1)
	case key.Matches(msg, d.keys.Reconnect):
		return d.reconnect()
	case key.Matches(msg, d.keys.Disconnect):
		if p, ok := d.selected(); ok && p.Disconnect != nil {
			d.logger.Info("Disconnect requested", zap.String("feed", p.Name))
			p.Disconnect()
		}
	case key.Matches(msg, d.keys.Clear):
		if p, ok := d.selected(); ok && p.Clear != nil {
			p.Clear()
			d.refresh()
		}
	case key.Matches(msg, d.keys.ToggleLogs):
		d.logs.SetVisible(!d.logs.IsVisible())
		d.layout()
	case key.Matches(msg, d.keys.FilterInfo):
		d.logs.ToggleLogLevel("info")
	case key.Matches(msg, d.keys.FilterWarn):
		d.logs.ToggleLogLevel("warn")
	case key.Matches(msg, d.keys.FilterError):
		d.logs.ToggleLogLevel("error")
	case key.Matches(msg, d.keys.FilterDebug):
		d.logs.ToggleLogLevel("debug")
	default:
		return d.logs.Update(msg)
	}
	return nil
}

// reconnect runs Connect for the selected feed off the update loop.
func (d *Dashboard) reconnect() tea.Cmd {
	p, ok := d.selected()
	if !ok || p.Reconnect == nil {
		return nil
	}
	d.lastError = ""
	d.logger.Info("Reconnect requested", zap.String("feed", p.Name))
	return func() tea.Msg {
		if err := p.Reconnect(); err != nil {
			return ErrorMsg{Error: err, Title: "reconnect " + p.Name}
		}
		return nil
	}
}

func (d *Dashboard) selected() (Panel, bool) {
	i := d.table.Cursor()
	if i < 0 || i >= len(d.panels) {
		return Panel{}, false
	}
	return d.panels[i], true
}

// refresh re-reads every feed into the table and reloads the logs.
func (d *Dashboard) refresh() {
	rows := make([]component.FeedRow, 0, len(d.panels))
	for _, p := range d.panels {
		row := component.FeedRow{Name: p.Name}
		if p.Feed != nil {
			row.Status = p.Feed.Status()
		}
		if p.Summary != nil {
			row.Summary = p.Summary()
		}
		rows = append(rows, row)
	}
	d.table.SetRows(rows)
	d.logs.Refresh()
}

func (d *Dashboard) layout() {
	if d.width == 0 {
		return
	}
	d.table.SetWidth(d.width)
	d.help.Width = d.width

	used := len(d.panels) + 4 // table border and header
	used += 2                 // title and help
	logHeight := d.height - used
	if logHeight < 5 {
		logHeight = 5
	}
	d.logs.SetSize(d.width, logHeight)
}

// View implements tea.Model.
func (d *Dashboard) View() string {
	parts := []string{
		d.titleStyle.Render(fmt.Sprintf("eventstream  %d feeds", len(d.panels))),
		d.table.View(),
	}
	if d.logs.IsVisible() {
		parts = append(parts, d.logs.View())
	}
	if d.lastError != "" {
		parts = append(parts, d.errStyle.Render(d.lastError))
	}
	parts = append(parts, d.help.View(d.keys))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
