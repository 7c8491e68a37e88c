package main

import (
	"fmt"
	"strings"

	"github.com/rovshanmuradov/eventstream/internal/events"
	"github.com/rovshanmuradov/eventstream/internal/feeds"
	"github.com/rovshanmuradov/eventstream/internal/ui"
)

// liveFeed is the part of every feed the CLI drives.
type liveFeed interface {
	Connect() error
	Disconnect()
	Clear()
	Status() feeds.Status
	OnChange(fn func()) func()
	Tap(fn func(events.Envelope)) (func(), error)
}

// buildFeed creates the feed for feature. For kyt, key is a comma separated
// list of chain:address pairs.
func buildFeed(env feeds.Env, feature, key string) (liveFeed, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%s: key is required", feature)
	}
	switch normalizeFeature(feature) {
	case feeds.NameTrace:
		return feeds.NewTrace(env, key), nil
	case feeds.NamePayment:
		return feeds.NewPayment(env, key), nil
	case feeds.NameNewsCase:
		return feeds.NewNewsCase(env, key), nil
	case feeds.NameScanner:
		return feeds.NewScanner(env, key), nil
	case feeds.NameKYT:
		addrs, err := parseAddresses(strings.Split(key, ","))
		if err != nil {
			return nil, err
		}
		return feeds.NewKYT(env, addrs...), nil
	case feeds.NameChat:
		return nil, fmt.Errorf("chat streams one answer per question, use the ask command")
	default:
		return nil, fmt.Errorf("unknown feature %q (want one of %s)", feature, strings.Join(feeds.Names, ", "))
	}
}

func normalizeFeature(feature string) string {
	f := strings.ToLower(strings.TrimSpace(feature))
	switch f {
	case "news", "news-case", "newscase":
		return feeds.NameNewsCase
	case "scan", "scans":
		return feeds.NameScanner
	}
	return f
}

// parseAddresses parses chain:address pairs and canonicalises them.
func parseAddresses(pairs []string) ([]feeds.Address, error) {
	var out []feeds.Address
	for _, p := range pairs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		chain, addr, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("address %q: want chain:address", p)
		}
		a, err := feeds.Address{Chain: chain, Address: addr}.Canonical()
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", p, err)
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no addresses given")
	}
	return out, nil
}

// finished reports whether the feed will not produce anything more.
func finished(f liveFeed) bool {
	switch f := f.(type) {
	case *feeds.Trace:
		return f.State().Completed
	case *feeds.Payment:
		return f.Terminal()
	}
	return false
}

// summary renders the feed's own state in one line.
func summary(f liveFeed) string {
	switch f := f.(type) {
	case *feeds.Trace:
		s := f.State()
		switch {
		case s.Completed:
			return fmt.Sprintf("completed, %d nodes", s.NodesFound)
		case s.Err != "":
			return fmt.Sprintf("%d%% error: %s", s.Progress, s.Err)
		}
		return fmt.Sprintf("%d%% %s (%d nodes)", s.Progress, s.Stage, s.NodesFound)
	case *feeds.Payment:
		s := f.State()
		if s.TxHash != "" {
			return fmt.Sprintf("%s tx %s", s.Status, s.TxHash)
		}
		return s.Status
	case *feeds.NewsCaseFeed:
		c := f.Case()
		return fmt.Sprintf("%s [%s] %d addresses, %d events", c.Title, c.Status, len(c.Addresses), len(f.Events()))
	case *feeds.KYT:
		s := f.State()
		line := fmt.Sprintf("%d watched, %d results, %d alerts", len(s.Watched), len(s.Results), len(s.Alerts))
		if s.Err != "" {
			line += ", error: " + s.Err
		}
		return line
	case *feeds.Scanner:
		scans := f.Scans()
		running := 0
		for _, s := range scans {
			if s.Status == feeds.ScanRunning {
				running++
			}
		}
		return fmt.Sprintf("%d scans, %d running", len(scans), running)
	}
	return ""
}

func panelFor(name string, f liveFeed) ui.Panel {
	return ui.Panel{
		Name:       name,
		Feed:       f,
		Summary:    func() string { return summary(f) },
		Reconnect:  f.Connect,
		Disconnect: f.Disconnect,
		Clear:      f.Clear,
	}
}
