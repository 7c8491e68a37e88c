package ui

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/eventstream/internal/feeds"
	"github.com/rovshanmuradov/eventstream/internal/logger"
	"github.com/rovshanmuradov/eventstream/internal/stream"
)

type fakeFeed struct {
	mu       sync.Mutex
	status   feeds.Status
	listener func()
	removed  bool
}

func (f *fakeFeed) Status() feeds.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeFeed) OnChange(fn func()) func() {
	f.mu.Lock()
	f.listener = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.removed = true
		f.mu.Unlock()
	}
}

func (f *fakeFeed) set(s feeds.Status) {
	f.mu.Lock()
	f.status = s
	fn := f.listener
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestDashboardFollowsFeedStatus(t *testing.T) {
	trace := &fakeFeed{status: feeds.Status{State: stream.StateConnecting}}
	kyt := &fakeFeed{status: feeds.Status{Connected: true, State: stream.StateOpen}}

	d := NewDashboard([]Panel{
		{Name: "trace", Feed: trace, Summary: func() string { return "42%" }},
		{Name: "kyt", Feed: kyt},
	}, logger.NewLogBuffer(10), zaptest.NewLogger(t))
	defer d.Close()
	d.Update(tea.WindowSizeMsg{Width: 100, Height: 30})

	view := d.View()
	assert.Contains(t, view, "connecting")
	assert.Contains(t, view, "42%")
	assert.Contains(t, view, "open")

	trace.set(feeds.Status{State: stream.StateErrored, RetryIn: 2 * time.Second, Err: "connection reset"})

	msg := listen(d.changes, d.done)()
	require.IsType(t, FeedChangedMsg{}, msg)
	_, cmd := d.Update(msg)
	assert.NotNil(t, cmd, "keeps listening")

	view = d.View()
	assert.Contains(t, view, "retry in 2s")
	assert.Contains(t, view, "connection reset")
}

func TestDashboardKeys(t *testing.T) {
	var reconnects, clears, disconnects int
	panels := []Panel{
		{Name: "trace", Feed: &fakeFeed{}},
		{
			Name:       "payment",
			Feed:       &fakeFeed{},
			Reconnect:  func() error { reconnects++; return errors.New("no client") },
			Clear:      func() { clears++ },
			Disconnect: func() { disconnects++ },
		},
	}
	d := NewDashboard(panels, nil, zaptest.NewLogger(t))
	defer d.Close()

	d.Update(runes("k"))
	assert.Equal(t, 0, d.table.Cursor(), "cursor stays on the first row")

	d.Update(runes("j"))
	d.Update(runes("j"))
	assert.Equal(t, 1, d.table.Cursor())

	_, cmd := d.Update(runes("r"))
	require.NotNil(t, cmd)
	msg := cmd()
	require.IsType(t, ErrorMsg{}, msg)
	assert.Equal(t, 1, reconnects)

	d.Update(msg)
	assert.Contains(t, d.View(), "reconnect payment: no client")

	d.Update(runes("c"))
	d.Update(runes("d"))
	assert.Equal(t, 1, clears)
	assert.Equal(t, 1, disconnects)

	_, cmd = d.Update(runes("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestDashboardLogs(t *testing.T) {
	buffer := logger.NewLogBuffer(10)
	buffer.Add("warn", "Connection lost", map[string]interface{}{"key": "kyt", "error": "EOF"})
	buffer.Add("debug", "Dialing", nil)

	d := NewDashboard(nil, buffer, zaptest.NewLogger(t))
	defer d.Close()
	d.Update(tea.WindowSizeMsg{Width: 120, Height: 30})

	view := d.View()
	assert.Contains(t, view, "Connection lost [kyt]: EOF")
	assert.NotContains(t, view, "Dialing")

	d.Update(tea.KeyMsg{Type: tea.KeyF4})
	assert.Contains(t, d.View(), "Dialing")

	d.Update(runes("l"))
	assert.False(t, strings.Contains(d.View(), "Recent Logs"))
}

func TestDashboardCloseRemovesListeners(t *testing.T) {
	feed := &fakeFeed{}
	d := NewDashboard([]Panel{{Name: "trace", Feed: feed}}, nil, zaptest.NewLogger(t))

	d.Close()
	d.Close()

	assert.True(t, feed.removed)
	assert.Nil(t, listen(d.changes, d.done)())
}
