// internal/events/handler.go
package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handler processes envelopes of a specific type. Handlers run synchronously on
// the dispatching goroutine and must not block; long work is deferred by the handler.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

// HandlerFunc is an adapter to allow the use of ordinary functions as handlers.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Handle calls f(ctx, env).
func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

type handlerCell struct {
	h Handler
}

// Subscription is the stable, externally visible registration. Its call-through
// target can be replaced with Swap without re-registering, so the owner can keep
// refreshing its handler and never leaves a stale one behind.
type Subscription struct {
	id      string
	typ     EventType
	router  *Router
	handler atomic.Pointer[handlerCell]
	active  atomic.Bool
	once    sync.Once
}

// ID returns the opaque subscription handle.
func (s *Subscription) ID() string { return s.id }

// Type returns the event type filter.
func (s *Subscription) Type() EventType { return s.typ }

// Active reports whether the subscription still receives envelopes.
func (s *Subscription) Active() bool { return s.active.Load() }

// Swap redirects the subscription to h. Envelopes dispatched after Swap returns
// reach h; nothing is duplicated or lost.
func (s *Subscription) Swap(h Handler) {
	s.handler.Store(&handlerCell{h: h})
}

// SwapFunc is Swap for plain functions.
func (s *Subscription) SwapFunc(fn func(ctx context.Context, env Envelope) error) {
	s.Swap(HandlerFunc(fn))
}

// Unsubscribe removes the subscription. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.active.Store(false)
		s.router.unsubscribe(s)
	})
}

func (s *Subscription) call(ctx context.Context, env Envelope) error {
	cell := s.handler.Load()
	if cell == nil || cell.h == nil {
		return nil
	}
	return cell.h.Handle(ctx, env)
}
