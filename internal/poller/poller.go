// internal/poller/poller.go
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/metrics"
	"github.com/rovshanmuradov/eventstream/internal/stream"
)

const (
	DefaultInterval = 7 * time.Second
	defaultTimeout  = 10 * time.Second
)

// FetchFunc retrieves one snapshot.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Options configure a Poller.
type Options struct {
	Interval time.Duration
	// Timeout bounds a single fetch. Defaults to 10s.
	Timeout time.Duration
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Poller fetches a snapshot on a fixed interval while started. Fetch failures
// are logged and counted, never surfaced.
type Poller[T any] struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	fetch    FetchFunc[T]
	onResult func(T)
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	gen     uint64
}

// New creates a stopped poller. onResult runs on the poller goroutine with
// the poller's lock held, so it must not call Start or Stop.
func New[T any](name string, fetch FetchFunc[T], onResult func(T), opts Options) *Poller[T] {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Poller[T]{
		name:     name,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		fetch:    fetch,
		onResult: onResult,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("poller").With(zap.String("poller", name)),
		metrics:  opts.Metrics,
	}
}

// Start begins polling. The first fetch happens one interval after Start.
// Starting a running poller is a no-op.
func (p *Poller[T]) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true
	p.gen++
	gen := p.gen

	p.logger.Info("Starting fallback polling", zap.Duration("interval", p.interval))

	// The ticker is created before Start returns so a clock advanced right
	// after Start is observed.
	ticker := p.clock.NewTicker(p.interval)
	go p.run(ctx, gen, ticker)
}

// Stop halts polling. Results of an in-flight fetch are discarded; once Stop
// returns no further result is delivered.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.cancel()
	p.cancel = nil
	p.running = false
	p.logger.Info("Fallback polling stopped")
}

// Running reports whether the poller is started.
func (p *Poller[T]) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller[T]) run(ctx context.Context, gen uint64, ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			p.poll(ctx, gen)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller[T]) poll(ctx context.Context, gen uint64) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.clock.Now()
	result, err := p.fetch(fetchCtx)
	p.metrics.RecordPoll(p.name, p.clock.Since(start), err == nil)

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.logger.Warn("Fallback poll failed", zap.Error(err))
		return
	}
	if p.onResult == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.gen != gen {
		p.logger.Debug("Discarding result of a stopped poll")
		return
	}
	p.onResult(result)
}

// LifecycleSource is the part of a connection the poller follows.
type LifecycleSource interface {
	OnLifecycle(fn func(stream.LifecycleEvent)) func()
	LastOpen() time.Time
}

// Attach ties the poller to src: it starts when src leaves open unplanned
// after at least one successful open, and stops when src reopens or is closed
// by its owner. The returned func detaches and stops the poller.
func (p *Poller[T]) Attach(src LifecycleSource) func() {
	detach := src.OnLifecycle(func(ev stream.LifecycleEvent) {
		switch {
		case ev.State == stream.StateOpen:
			p.Stop()
		case ev.Planned:
			p.Stop()
		case ev.State == stream.StateClosed && !src.LastOpen().IsZero():
			p.Start()
		}
	})
	return func() {
		detach()
		p.Stop()
	}
}
