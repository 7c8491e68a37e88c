// internal/feeds/newscase.go
package feeds

import (
	"context"
	"errors"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/events"
	"github.com/rovshanmuradov/eventstream/internal/poller"
	"github.com/rovshanmuradov/eventstream/internal/reconcile"
	"github.com/rovshanmuradov/eventstream/internal/stream"
)

const resyncMaxTries = 4

// NewsTx is a transaction attached to a watched address.
type NewsTx struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Amount    float64   `json:"amount"`
	Asset     string    `json:"asset,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewsAddress is one watched address of a news case.
type NewsAddress struct {
	Chain     string  `json:"chain"`
	Address   string  `json:"address"`
	Label     string  `json:"label,omitempty"`
	Balance   float64 `json:"balance"`
	LastTx    *NewsTx `json:"last_tx,omitempty"`
	RiskScore float64 `json:"risk_score,omitempty"`
	RiskLevel string  `json:"risk_level,omitempty"`
}

// NewsCaseURL is the public REST snapshot of slug.
func (e Env) NewsCaseURL(slug string) string {
	return e.httpURL("/api/v1/news-cases", slug) + "/public"
}

// Key returns the canonical address key.
func (a NewsAddress) Key() string {
	return Address{Chain: a.Chain, Address: a.Address}.Key()
}

// NewsCase is the snapshot of a news case, as served by the REST endpoint and
// pushed by news_case.status / news_case.snapshot.
type NewsCase struct {
	Slug      string        `json:"slug"`
	Title     string        `json:"title,omitempty"`
	Status    string        `json:"status,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
	Addresses []NewsAddress `json:"addresses"`
}

// NewsDelta is a news_case.tx or news_case.risk event.
type NewsDelta struct {
	Type      events.EventType `json:"-"`
	Slug      string           `json:"slug"`
	Chain     string           `json:"chain"`
	Address   string           `json:"address"`
	Tx        *NewsTx          `json:"tx,omitempty"`
	RiskScore float64          `json:"risk_score,omitempty"`
	RiskLevel string           `json:"risk_level,omitempty"`
}

func cloneNewsCase(c NewsCase) NewsCase {
	if c.Addresses == nil {
		return c
	}
	addrs := make([]NewsAddress, len(c.Addresses))
	for i, a := range c.Addresses {
		if a.LastTx != nil {
			tx := *a.LastTx
			a.LastTx = &tx
		}
		addrs[i] = a
	}
	c.Addresses = addrs
	return c
}

// foldNewsCase merges a delta into the entry with the same address key and
// appends unknown addresses. Deltas for another case are rejected.
func foldNewsCase(c NewsCase, d NewsDelta) (NewsCase, bool) {
	if d.Slug != "" && c.Slug != "" && d.Slug != c.Slug {
		return c, false
	}
	if d.Address == "" {
		return c, false
	}

	next := cloneNewsCase(c)
	key := Address{Chain: d.Chain, Address: d.Address}.Key()
	idx := -1
	for i, a := range next.Addresses {
		if a.Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		next.Addresses = append(next.Addresses, NewsAddress{Chain: d.Chain, Address: d.Address})
		idx = len(next.Addresses) - 1
	}

	entry := &next.Addresses[idx]
	switch d.Type {
	case events.NewsCaseTx:
		if d.Tx == nil {
			return c, false
		}
		tx := *d.Tx
		entry.LastTx = &tx
	case events.NewsCaseRisk:
		entry.RiskScore = d.RiskScore
		if d.RiskLevel != "" {
			entry.RiskLevel = d.RiskLevel
		}
	default:
		return c, false
	}
	return next, true
}

// NewsCaseFeed follows one news case: snapshot plus tx/risk deltas over the
// socket, with REST resync on reconnect and REST polling while the socket is down.
type NewsCaseFeed struct {
	base
	slug string
	rec  *reconcile.Reconciler[NewsCase, NewsDelta]
	poll *poller.Poller[NewsCase]

	fetcher *poller.JSONFetcher[NewsCase]

	rmu          sync.Mutex
	resyncCancel context.CancelFunc
}

// NewNewsCase creates a feed for slug. Without a BaseURL there is no REST
// seeding, resync or fallback polling; snapshots then only arrive over the socket.
func NewNewsCase(env Env, slug string) *NewsCaseFeed {
	n := &NewsCaseFeed{slug: slug}
	n.init(NameNewsCase, env)

	n.rec = reconcile.New(reconcile.Options[NewsCase, NewsDelta]{
		Fold:    foldNewsCase,
		Clone:   cloneNewsCase,
		Policy:  reconcile.BufferPending,
		LogSize: n.env.EventLogSize,
		Logger:  n.logger,
	})
	n.rec.OnChange(func(reconcile.View[NewsCase, NewsDelta]) { n.changed() })

	if n.env.BaseURL != "" {
		n.fetcher = &poller.JSONFetcher[NewsCase]{
			Client: n.env.HTTP,
			URL:    n.env.NewsCaseURL(slug),
		}
		n.poll = poller.New(NameNewsCase+":"+slug, n.fetcher.Fetch, n.applyPolled, poller.Options{
			Interval: n.env.PollInterval,
			Clock:    n.env.Clock,
			Logger:   n.logger,
			Metrics:  n.env.Metrics,
		})
	}

	n.lifecycle = n.onLifecycle
	return n
}

// Connect opens /api/v1/ws/news-cases/{slug} and, when a REST origin is
// configured, seeds the snapshot from /api/v1/news-cases/{slug}/public.
func (n *NewsCaseFeed) Connect() error {
	cfg := stream.Config{
		Key:     NameNewsCase + ":" + n.slug,
		URL:     n.env.wsURL("/api/v1/ws/news-cases", n.slug),
		Backoff: n.env.backoffFor(NameNewsCase),
	}
	err := n.open(cfg, func(conn *stream.Connection) {
		n.subscribe(conn, events.NewsCaseStatus, n.onSnapshot)
		n.subscribe(conn, events.NewsCaseSnapshot, n.onSnapshot)
		n.subscribe(conn, events.NewsCaseTx, n.onDelta)
		n.subscribe(conn, events.NewsCaseRisk, n.onDelta)
		if n.poll != nil {
			n.addCleanup(n.poll.Attach(conn))
		}
		n.addCleanup(n.cancelResync)
	})
	if err != nil {
		return err
	}

	// A snapshot kept from an earlier session cannot be trusted anymore.
	n.rec.BeginResync()
	n.resync()
	return nil
}

// Disconnect closes the feed, stops polling and abandons any resync.
func (n *NewsCaseFeed) Disconnect() { n.close() }

// Clear forgets the snapshot, derived state and event log.
func (n *NewsCaseFeed) Clear() { n.rec.Reset() }

// Status adds the reconciler's staleness to the transport status.
func (n *NewsCaseFeed) Status() Status {
	s := n.base.Status()
	s.Stale = n.rec.View().Stale()
	return s
}

// View returns the reconciled view: raw snapshot, derived case and events.
func (n *NewsCaseFeed) View() reconcile.View[NewsCase, NewsDelta] {
	return n.rec.View()
}

// Snapshot returns the last snapshot as received.
func (n *NewsCaseFeed) Snapshot() NewsCase { return n.rec.View().Snapshot }

// Case returns the snapshot folded with every delta since.
func (n *NewsCaseFeed) Case() NewsCase { return n.rec.View().State }

// Events returns the recent deltas, oldest first.
func (n *NewsCaseFeed) Events() []reconcile.Event[NewsDelta] { return n.rec.View().Events }

func (n *NewsCaseFeed) onSnapshot(env events.Envelope) error {
	var c NewsCase
	if err := env.Decode(&c); err != nil {
		return err
	}
	if c.Slug != "" && c.Slug != n.slug {
		return nil
	}
	if c.Slug == "" {
		c.Slug = n.slug
	}
	n.cancelResync()
	n.rec.ApplySnapshot(c, env.ReceivedAt)
	return nil
}

func (n *NewsCaseFeed) onDelta(env events.Envelope) error {
	var d NewsDelta
	if err := env.Decode(&d); err != nil {
		return err
	}
	d.Type = env.Type
	n.rec.ApplyDelta(d, env.ReceivedAt)
	return nil
}

func (n *NewsCaseFeed) onLifecycle(ev stream.LifecycleEvent) {
	switch {
	case ev.State == stream.StateOpen && ev.Reopened:
		n.rec.BeginResync()
		n.resync()
	case ev.State == stream.StateClosed && !ev.Planned:
		n.rec.MarkStale()
	}
}

// applyPolled installs a snapshot fetched while the socket is down. The data
// is fresh but the stream is not, so the view stays stale. A poll that lands
// after the socket came back is dropped in favour of the resync.
func (n *NewsCaseFeed) applyPolled(c NewsCase) {
	if c.Slug == "" {
		c.Slug = n.slug
	}
	n.rec.ApplyStaleSnapshot(c, n.env.Clock.Now())
}

// resync fetches a fresh snapshot in the background. A newer resync or a
// pushed snapshot supersedes it.
func (n *NewsCaseFeed) resync() {
	if n.fetcher == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.rmu.Lock()
	if n.resyncCancel != nil {
		n.resyncCancel()
	}
	n.resyncCancel = cancel
	n.rmu.Unlock()

	go func() {
		defer cancel()

		type result struct {
			snapshot NewsCase
			asOf     time.Time
		}

		policy := cbackoff.NewExponentialBackOff()
		policy.InitialInterval = 500 * time.Millisecond
		policy.MaxInterval = 5 * time.Second

		notify := func(err error, d time.Duration) {
			n.logger.Info("Retrying snapshot fetch", zap.Error(err), zap.Duration("backoff", d))
		}

		operation := func() (result, error) {
			asOf := n.env.Clock.Now()
			c, err := n.fetcher.Fetch(ctx)
			if err != nil {
				var se *poller.StatusError
				if errors.As(err, &se) && !se.Temporary() {
					return result{}, cbackoff.Permanent(err)
				}
				return result{}, err
			}
			return result{snapshot: c, asOf: asOf}, nil
		}

		res, err := cbackoff.Retry(ctx, operation,
			cbackoff.WithBackOff(policy),
			cbackoff.WithMaxTries(resyncMaxTries),
			cbackoff.WithNotify(notify))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			n.logger.Warn("Snapshot resync failed", zap.String("slug", n.slug), zap.Error(err))
			return
		}

		n.rmu.Lock()
		defer n.rmu.Unlock()
		if ctx.Err() != nil {
			return
		}
		n.rec.ApplySnapshot(res.snapshot, res.asOf)
	}()
}

func (n *NewsCaseFeed) cancelResync() {
	n.rmu.Lock()
	defer n.rmu.Unlock()
	if n.resyncCancel != nil {
		n.resyncCancel()
		n.resyncCancel = nil
	}
}
