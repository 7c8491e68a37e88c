// internal/stream/client.go
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/eventstream/internal/backoff"
	"github.com/rovshanmuradov/eventstream/internal/metrics"
	"github.com/rovshanmuradov/eventstream/internal/transport"
)

var (
	// ErrUnknownKind is returned when no dialer is registered for a transport kind.
	ErrUnknownKind = errors.New("stream: no dialer for transport kind")
	// ErrKeyConflict is returned when a key is reused with a different target.
	ErrKeyConflict = errors.New("stream: key already bound to another url")
	// ErrBackoffConflict is returned when a key is reused with different reconnect pacing.
	ErrBackoffConflict = errors.New("stream: key already bound to another backoff config")
	// ErrClientClosed is returned by Acquire after Shutdown.
	ErrClientClosed = errors.New("stream: client shut down")
)

// Options are shared by every connection a Client creates.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector
	Clock   clockwork.Clock
	Dialers map[transport.Kind]transport.Dialer
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// DefaultDialers returns the production dialers for both transport kinds.
func DefaultDialers() map[transport.Kind]transport.Dialer {
	return map[transport.Kind]transport.Dialer{
		transport.KindSocket: &transport.WebSocketDialer{},
		transport.KindStream: &transport.SSEDialer{},
	}
}

type entry struct {
	conn *Connection
	refs int
}

// Client hands out one Connection per logical key and tears it down when the
// last holder releases it.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[string]*entry
	closed bool
}

// NewClient creates a client. Missing dialers fall back to DefaultDialers.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	if opts.Dialers == nil {
		opts.Dialers = DefaultDialers()
	}
	return &Client{
		opts:   opts,
		logger: opts.Logger.Named("client"),
		conns:  make(map[string]*entry),
	}
}

// Acquire returns the connection for cfg.Key, creating it on first use. The
// returned release func must be called exactly once per Acquire; extra calls
// are ignored. The connection is closed when the last holder releases it.
// Acquire does not open the connection.
//
// Holders of a shared key each contribute their own cfg.Subscribe, which is
// sent on every open until that holder releases. The backoff settings are
// fixed by the first holder: a later Acquire with different pacing fails with
// ErrBackoffConflict. Terminal predicates cannot be compared, so the first
// holder's predicate is the one the connection consults.
func (c *Client) Acquire(cfg Config) (*Connection, func(), error) {
	key := cfg.Key
	if key == "" {
		key = cfg.URL
	}
	cfg.Key = key
	if cfg.Kind == "" {
		cfg.Kind = transport.KindSocket
	}

	subscribe := cfg.Subscribe
	cfg.Subscribe = nil

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClientClosed
	}

	e, ok := c.conns[key]
	if ok {
		if e.conn.URL() != cfg.URL {
			c.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: %s", ErrKeyConflict, key)
		}
		if !samePacing(e.conn.cfg.Backoff, cfg.Backoff) {
			c.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: %s", ErrBackoffConflict, key)
		}
		e.refs++
	} else {
		dialer, ok := c.opts.Dialers[cfg.Kind]
		if !ok {
			c.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownKind, cfg.Kind)
		}
		e = &entry{conn: NewConnection(cfg, dialer, c.opts), refs: 1}
		c.conns[key] = e
		c.logger.Debug("Connection created", zap.String("key", key))
	}
	c.mu.Unlock()

	// Outside c.mu: on an open connection this sends right away.
	unsubscribe := e.conn.AddSubscriber(subscribe)

	var once sync.Once
	release := func() {
		once.Do(func() {
			unsubscribe()
			c.release(key, e)
		})
	}
	return e.conn, release, nil
}

func samePacing(a, b backoff.Config) bool {
	return a.Floor == b.Floor &&
		a.Ceiling == b.Ceiling &&
		a.Multiplier == b.Multiplier &&
		a.Jitter == b.Jitter &&
		a.MaxAttempts == b.MaxAttempts &&
		a.Disabled == b.Disabled
}

func (c *Client) release(key string, e *entry) {
	c.mu.Lock()
	e.refs--
	last := e.refs <= 0
	if last && c.conns[key] == e {
		delete(c.conns, key)
	}
	c.mu.Unlock()

	if last {
		c.logger.Debug("Last holder released connection", zap.String("key", key))
		e.conn.Close()
	}
}

// Get returns the live connection for key, if any.
func (c *Client) Get(key string) (*Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.conns[key]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Keys returns the keys of all held connections, sorted.
func (c *Client) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.conns))
	for k := range c.conns {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Shutdown closes every connection concurrently and refuses further Acquire calls.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	conns := make([]*Connection, 0, len(c.conns))
	for _, e := range c.conns {
		conns = append(conns, e.conn)
	}
	c.conns = make(map[string]*entry)
	c.mu.Unlock()

	c.logger.Info("Shutting down connections", zap.Int("count", len(conns)))

	g, _ := errgroup.WithContext(ctx)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			conn.Close()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
