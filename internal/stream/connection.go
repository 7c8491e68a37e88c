// internal/stream/connection.go
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/backoff"
	"github.com/rovshanmuradov/eventstream/internal/events"
	"github.com/rovshanmuradov/eventstream/internal/metrics"
	"github.com/rovshanmuradov/eventstream/internal/transport"
)

const sendTimeout = 5 * time.Second

// Config describes one logical connection.
type Config struct {
	Key     string
	URL     string
	Kind    transport.Kind
	Backoff backoff.Config
	// Subscribe, when set, is called right after every successful open and its
	// result, if non-nil, is sent to (re)establish server-side interest.
	Subscribe func() interface{}
}

type lifecycleListener struct {
	id uint64
	fn func(LifecycleEvent)
}

type subscriber struct {
	id uint64
	fn func() interface{}
}

// Connection owns at most one live transport at a time and drives the
// connect -> open -> closed -> reconnect cycle. Every dial and read loop is
// tagged with a generation; results from a superseded generation are dropped,
// so a late callback can never overwrite a newer attempt.
type Connection struct {
	cfg     Config
	dialer  transport.Dialer
	router  *events.Router
	policy  *backoff.Policy
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	mu         sync.Mutex
	state      State
	gen        uint64
	tr         transport.Transport
	cancel     context.CancelFunc
	retryTimer clockwork.Timer
	retries    int
	lastOpen   time.Time
	openedOnce bool
	lastErr    error

	// emitMu serialises lifecycle delivery. Listeners must not call Open or
	// Close synchronously.
	emitMu    sync.Mutex
	lmu       sync.Mutex
	listeners []lifecycleListener
	nextID    uint64

	smu         sync.Mutex
	subscribers []subscriber
	nextSubID   uint64
}

// NewConnection creates an idle connection. Nothing is dialed until Open.
func NewConnection(cfg Config, dialer transport.Dialer, opts Options) *Connection {
	opts = opts.withDefaults()
	if cfg.Key == "" {
		cfg.Key = cfg.URL
	}
	if cfg.Kind == "" {
		cfg.Kind = transport.KindSocket
	}

	logger := opts.Logger.Named("conn").With(
		zap.String("key", cfg.Key),
		zap.String("kind", string(cfg.Kind)))

	c := &Connection{
		cfg:     cfg,
		dialer:  dialer,
		router:  events.NewRouter(logger, opts.Metrics),
		policy:  backoff.New(cfg.Backoff),
		clock:   opts.Clock,
		logger:  logger,
		metrics: opts.Metrics,
	}
	c.router.SetClock(opts.Clock.Now)
	c.setStateLocked(StateIdle)
	if cfg.Subscribe != nil {
		c.addSubscriber(cfg.Subscribe)
	}
	return c
}

// Key returns the logical connection key.
func (c *Connection) Key() string { return c.cfg.Key }

// URL returns the target URL.
func (c *Connection) URL() string { return c.cfg.URL }

// Kind returns the transport kind.
func (c *Connection) Kind() transport.Kind { return c.cfg.Kind }

// Router returns the connection's event router.
func (c *Connection) Router() *events.Router { return c.router }

// Policy returns the connection's backoff policy.
func (c *Connection) Policy() *backoff.Policy { return c.policy }

// Subscribe registers handler for eventType on this connection.
func (c *Connection) Subscribe(eventType events.EventType, handler events.Handler) *events.Subscription {
	return c.router.Subscribe(eventType, handler)
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns the reconnect attempts scheduled since the last successful open.
func (c *Connection) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// LastOpen returns when the connection last opened successfully.
func (c *Connection) LastOpen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOpen
}

// Err returns the last transport error, cleared on a successful open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OnLifecycle registers fn for lifecycle events and returns a func removing it.
func (c *Connection) OnLifecycle(fn func(LifecycleEvent)) func() {
	c.lmu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, lifecycleListener{id: id, fn: fn})
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			defer c.lmu.Unlock()
			for i, l := range c.listeners {
				if l.id == id {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// AddSubscriber registers fn as a source of subscribe messages. Every
// registered fn is asked for its message after each successful open; when the
// connection is already open fn's message is sent right away. The returned
// func removes fn.
func (c *Connection) AddSubscriber(fn func() interface{}) func() {
	if fn == nil {
		return func() {}
	}
	remove := c.addSubscriber(fn)
	if c.cfg.Kind == transport.KindSocket && c.State() == StateOpen {
		if msg := fn(); msg != nil {
			c.Send(msg)
		}
	}
	return remove
}

func (c *Connection) addSubscriber(fn func() interface{}) func() {
	c.smu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers = append(c.subscribers, subscriber{id: id, fn: fn})
	c.smu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.smu.Lock()
			defer c.smu.Unlock()
			for i, s := range c.subscribers {
				if s.id == id {
					c.subscribers = append(c.subscribers[:i:i], c.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

// resubscribe sends every subscriber's message, in registration order.
func (c *Connection) resubscribe() {
	if c.cfg.Kind != transport.KindSocket {
		return
	}
	c.smu.Lock()
	subs := make([]subscriber, len(c.subscribers))
	copy(subs, c.subscribers)
	c.smu.Unlock()

	for _, s := range subs {
		if msg := s.fn(); msg != nil {
			c.Send(msg)
		}
	}
}

// Open starts connecting. It is a no-op while connecting or open. An explicit
// Open also lifts a previous HaltRetries and restores the attempt budget.
func (c *Connection) Open() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	c.policy.Resume()
	c.policy.Reset()
	c.stopRetryLocked()
	c.beginDialLocked()
	c.mu.Unlock()
}

// Close tears the connection down and cancels any pending reconnect. Closing
// an idle or already closed connection has no effect.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateIdle || (c.state == StateClosed && c.retryTimer == nil) {
		c.mu.Unlock()
		return
	}

	c.gen++
	gen := c.gen
	c.stopRetryLocked()
	tr, cancel := c.tr, c.cancel
	c.tr, c.cancel = nil, nil
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr != nil {
		if err := tr.Close(); err != nil {
			c.logger.Debug("Transport close error", zap.Error(err))
		}
	}

	c.mu.Lock()
	if c.gen != gen {
		// Re-opened while we were closing.
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	c.logger.Info("Connection closed by owner")
	c.emitFor(gen, LifecycleEvent{State: StateClosed, Planned: true})
}

// HaltRetries stops reconnecting after a terminal application state. A pending
// retry is cancelled; the current transport, if any, stays up.
func (c *Connection) HaltRetries() {
	c.policy.Halt()
	c.mu.Lock()
	c.stopRetryLocked()
	c.mu.Unlock()
	c.logger.Info("Reconnection halted")
}

// Send marshals v (unless it is already []byte or string) and writes it.
// It never fails loudly: a non-open or receive-only connection logs and
// returns false. There is no delivery guarantee.
func (c *Connection) Send(v interface{}) bool {
	c.mu.Lock()
	tr, state := c.tr, c.state
	c.mu.Unlock()

	if c.cfg.Kind == transport.KindStream {
		c.logger.Warn("Send on receive-only stream ignored")
		return false
	}
	if state != StateOpen || tr == nil {
		c.logger.Warn("Send on non-open connection dropped", zap.Stringer("state", state))
		return false
	}

	data, err := encode(v)
	if err != nil {
		c.logger.Error("Failed to encode outbound message", zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := tr.Send(ctx, data); err != nil {
		c.logger.Warn("Send failed", zap.Error(err))
		return false
	}
	return true
}

func encode(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case []byte:
		return m, nil
	case string:
		return []byte(m), nil
	default:
		return json.Marshal(v)
	}
}

func (c *Connection) beginDialLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(StateConnecting)

	c.logger.Debug("Dialing", zap.String("url", c.cfg.URL), zap.Uint64("generation", gen))
	go c.dial(ctx, gen)
}

func (c *Connection) dial(ctx context.Context, gen uint64) {
	tr, err := c.dialer.Dial(ctx, c.cfg.URL)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("Dial failed", zap.Error(err))
		c.transportDone(gen, nil, err)
		return
	}

	c.tr = tr
	reopened := c.openedOnce
	c.openedOnce = true
	c.lastOpen = c.clock.Now()
	c.lastErr = nil
	c.retries = 0
	c.policy.Reset()
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	c.logger.Info("Connection open", zap.Bool("reopened", reopened))

	c.resubscribe()

	c.emitFor(gen, LifecycleEvent{State: StateOpen, Reopened: reopened})
	go c.readLoop(ctx, gen, tr)
}

// readLoop is the only producer for the router, so dispatch order equals
// arrival order.
func (c *Connection) readLoop(ctx context.Context, gen uint64, tr transport.Transport) {
	for {
		msg, err := tr.Receive(ctx)
		if err != nil {
			c.transportDone(gen, tr, err)
			return
		}
		if !c.isCurrent(gen) {
			return
		}
		c.router.Route(ctx, msg.Event, msg.Data)
	}
}

// transportDone handles the end of a dial attempt or of a live transport that
// the owner did not ask for.
func (c *Connection) transportDone(gen uint64, tr transport.Transport, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if !transport.IsCleanClose(err) {
		c.lastErr = err
		c.setStateLocked(StateErrored)
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.tr = nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
		c.logger.Warn("Connection lost", zap.Error(err))
	}

	c.emitFor(gen, LifecycleEvent{State: StateClosed, Err: err})
	c.scheduleReconnect(gen)
}

func (c *Connection) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateClosed {
		c.mu.Unlock()
		return
	}

	delay, ok := c.policy.Next()
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("Reconnect not scheduled",
			zap.Bool("halted", c.policy.Halted()),
			zap.Int("attempts", c.policy.Attempts()))
		c.emitFor(gen, LifecycleEvent{State: StateClosed, Exhausted: true})
		return
	}

	c.retries++
	attempt := c.retries
	c.retryTimer = c.clock.AfterFunc(delay, func() { c.retry(gen) })
	c.mu.Unlock()

	c.metrics.RecordReconnect(c.cfg.Key)
	c.logger.Info("Reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt))
	c.emitFor(gen, LifecycleEvent{State: StateClosed, RetryIn: delay})
}

func (c *Connection) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != StateClosed {
		return
	}
	c.retryTimer = nil
	c.beginDialLocked()
}

func (c *Connection) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Connection) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Connection) setStateLocked(s State) {
	c.state = s
	c.metrics.SetConnectionState(c.cfg.Key, s.String(), stateNames)
}

func (c *Connection) emitFor(gen uint64, ev LifecycleEvent) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if !c.isCurrent(gen) {
		return
	}

	c.lmu.Lock()
	listeners := make([]lifecycleListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.lmu.Unlock()

	for _, l := range listeners {
		c.safeNotify(l.fn, ev)
	}
}

func (c *Connection) safeNotify(fn func(LifecycleEvent), ev LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Lifecycle listener panic", zap.Any("panic", r))
		}
	}()
	fn(ev)
}
