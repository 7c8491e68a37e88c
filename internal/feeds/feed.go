// internal/feeds/feed.go
package feeds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/backoff"
	"github.com/rovshanmuradov/eventstream/internal/events"
	"github.com/rovshanmuradov/eventstream/internal/metrics"
	"github.com/rovshanmuradov/eventstream/internal/stream"
	"github.com/rovshanmuradov/eventstream/internal/transport"
)

// Feed names, used as config keys and connection key prefixes.
const (
	NameTrace    = "trace"
	NameKYT      = "kyt"
	NamePayment  = "payment"
	NameNewsCase = "news_case"
	NameChat     = "chat"
	NameScanner  = "scanner"
)

// Names lists every feed.
var Names = []string{NameTrace, NameKYT, NamePayment, NameNewsCase, NameChat, NameScanner}

// ErrNotConnected is returned by operations that need a live feed.
var ErrNotConnected = errors.New("feed is not connected")

// Env carries what every feed needs from the application shell.
type Env struct {
	Client *stream.Client
	// BaseURL is the REST origin, e.g. https://api.example.com.
	BaseURL string
	// WSBaseURL is the WebSocket origin, e.g. wss://api.example.com.
	WSBaseURL    string
	HTTP         *http.Client
	Backoff      map[string]backoff.Config
	PollInterval time.Duration
	EventLogSize int
	Clock        clockwork.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Collector
}

func (e Env) withDefaults() Env {
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
	if e.Clock == nil {
		e.Clock = clockwork.NewRealClock()
	}
	if e.HTTP == nil {
		e.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	if e.WSBaseURL == "" {
		e.WSBaseURL = WebSocketOrigin(e.BaseURL)
	}
	return e
}

func (e Env) backoffFor(name string) backoff.Config {
	return e.Backoff[name]
}

// WebSocketOrigin derives ws(s):// from an http(s):// origin.
func WebSocketOrigin(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func (e Env) wsURL(path string, segments ...string) string {
	return joinURL(e.WSBaseURL, path, segments...)
}

func (e Env) httpURL(path string, segments ...string) string {
	return joinURL(e.BaseURL, path, segments...)
}

func joinURL(origin, path string, segments ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(origin, "/"))
	b.WriteString(path)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// Status is the transport-facing part of every feed.
type Status struct {
	Connected bool
	// Err is a human readable transport error; application errors live in
	// each feed's own state.
	Err   string
	Stale bool
	State stream.State
	// RetryIn is the delay of the pending reconnect, if any.
	RetryIn time.Duration
}

// base owns a feed's connection, subscriptions and status.
type base struct {
	name   string
	env    Env
	logger *zap.Logger

	mu      sync.Mutex
	conn    *stream.Connection
	release func()
	subs    []*events.Subscription
	cleanup []func()
	status  Status

	// lifecycle, when set, runs after the status has been updated.
	lifecycle func(stream.LifecycleEvent)

	lmu       sync.Mutex
	listeners []changeListener
	nextID    uint64
}

type changeListener struct {
	id uint64
	fn func()
}

func (b *base) init(name string, env Env) {
	b.name = name
	b.env = env.withDefaults()
	b.logger = b.env.Logger.Named(name)
}

// open acquires the connection described by cfg and opens it. setup runs
// once per acquisition to register handlers. Calling open on a feed that
// already holds a connection re-opens it, which acts as a manual reconnect.
func (b *base) open(cfg stream.Config, setup func(conn *stream.Connection)) error {
	b.mu.Lock()
	if b.conn != nil {
		conn := b.conn
		b.mu.Unlock()
		conn.Open()
		return nil
	}
	if b.env.Client == nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: no stream client configured", b.name)
	}

	conn, release, err := b.env.Client.Acquire(cfg)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: acquire connection: %w", b.name, err)
	}
	b.conn = conn
	b.release = release
	b.cleanup = append(b.cleanup, conn.OnLifecycle(b.onLifecycle))
	// The connection may be shared and already open; its past events were
	// delivered before our listener existed.
	b.status = statusOf(conn)
	b.mu.Unlock()
	b.changed()

	if setup != nil {
		setup(conn)
	}

	b.logger.Info("Connecting", zap.String("url", cfg.URL))
	conn.Open()
	return nil
}

func statusOf(conn *stream.Connection) Status {
	s := Status{State: conn.State()}
	s.Connected = s.State == stream.StateOpen
	if err := conn.Err(); err != nil && !s.Connected && !transport.IsCleanClose(err) {
		s.Err = err.Error()
	}
	return s
}

// subscribe registers a handler that lives as long as the current connection.
func (b *base) subscribe(conn *stream.Connection, eventType events.EventType, fn func(events.Envelope) error) {
	sub := conn.Subscribe(eventType, events.HandlerFunc(func(_ context.Context, env events.Envelope) error {
		return fn(env)
	}))
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Tap calls fn for every envelope the feed's connection delivers, after the
// feed's own handlers, until the returned func runs or the feed disconnects.
func (b *base) Tap(fn func(events.Envelope)) (func(), error) {
	conn := b.connection()
	if conn == nil {
		return nil, ErrNotConnected
	}
	sub := conn.Subscribe(events.Any, events.HandlerFunc(func(_ context.Context, env events.Envelope) error {
		fn(env)
		return nil
	}))
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.Unsubscribe, nil
}

// addCleanup registers fn to run on close.
func (b *base) addCleanup(fn func()) {
	b.mu.Lock()
	b.cleanup = append(b.cleanup, fn)
	b.mu.Unlock()
}

// close drops handlers and releases the connection. It is safe to call
// repeatedly.
func (b *base) close() {
	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return
	}
	subs, cleanup, release := b.subs, b.cleanup, b.release
	b.subs, b.cleanup, b.release, b.conn = nil, nil, nil, nil
	b.status.Connected = false
	b.status.State = stream.StateClosed
	b.status.RetryIn = 0
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	if release != nil {
		release()
	}

	b.logger.Info("Disconnected")
	b.changed()
}

func (b *base) connection() *stream.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *base) onLifecycle(ev stream.LifecycleEvent) {
	b.mu.Lock()
	b.status.State = ev.State
	switch {
	case ev.State == stream.StateOpen:
		b.status.Connected = true
		b.status.Err = ""
		b.status.RetryIn = 0
	case ev.Exhausted:
		b.status.Connected = false
		b.status.RetryIn = 0
		if b.status.Err == "" {
			b.status.Err = "reconnect attempts exhausted"
		}
	default:
		b.status.Connected = false
		b.status.RetryIn = ev.RetryIn
		if ev.Err != nil && !transport.IsCleanClose(ev.Err) {
			b.status.Err = ev.Err.Error()
		}
	}
	hook := b.lifecycle
	b.mu.Unlock()

	if hook != nil {
		hook(ev)
	}
	b.changed()
}

// Status returns the transport status.
func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// OnChange registers fn to run after every state or status change and returns
// a func removing it. fn runs on the delivering goroutine and must not block.
func (b *base) OnChange(fn func()) func() {
	b.lmu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, changeListener{id: id, fn: fn})
	b.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.lmu.Lock()
			defer b.lmu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *base) changed() {
	b.lmu.Lock()
	listeners := make([]changeListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.lmu.Unlock()

	for _, l := range listeners {
		l.fn()
	}
}
