package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// FeedChangedMsg reports that at least one feed changed since the last one.
type FeedChangedMsg struct{}

// TickMsg refreshes time dependent parts of the view.
type TickMsg time.Time

// ErrorMsg represents error conditions
type ErrorMsg struct {
	Error error
	Title string
}

const refreshInterval = time.Second

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return TickMsg(t) })
}

// listen waits for the next change notification.
func listen(changes, done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-changes:
			return FeedChangedMsg{}
		case <-done:
			return nil
		}
	}
}
