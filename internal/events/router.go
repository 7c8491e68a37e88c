// internal/events/router.go
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/metrics"
)

// Router parses raw inbound messages once and dispatches each envelope to the
// subscriptions registered for its type. Dispatch is synchronous and preserves
// arrival order; the caller (one read loop per connection) is the only producer.
type Router struct {
	mu      sync.RWMutex
	subs    map[EventType][]*Subscription
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewRouter creates an empty router. collector may be nil.
func NewRouter(logger *zap.Logger, collector *metrics.Collector) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		subs:    make(map[EventType][]*Subscription),
		logger:  logger.Named("router"),
		metrics: collector,
		now:     time.Now,
	}
}

// SetClock replaces the source of envelope arrival times.
func (r *Router) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Subscribe registers a handler for a specific event type (or Any).
func (r *Router) Subscribe(eventType EventType, handler Handler) *Subscription {
	sub := &Subscription{
		id:     uuid.New().String(),
		typ:    eventType,
		router: r,
	}
	sub.Swap(handler)
	sub.active.Store(true)

	r.mu.Lock()
	r.subs[eventType] = append(r.subs[eventType], sub)
	r.mu.Unlock()

	r.logger.Debug("Handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.String("subscription_id", sub.id))

	return sub
}

// SubscribeFunc is a convenience method for subscribing with a function.
func (r *Router) SubscribeFunc(eventType EventType, fn func(context.Context, Envelope) error) *Subscription {
	return r.Subscribe(eventType, HandlerFunc(fn))
}

func (r *Router) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[sub.typ]
	for i, s := range list {
		if s == sub {
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			list = next
			break
		}
	}
	if len(list) == 0 {
		delete(r.subs, sub.typ)
	} else {
		r.subs[sub.typ] = list
	}

	r.logger.Debug("Handler unsubscribed",
		zap.String("event_type", string(sub.typ)),
		zap.String("subscription_id", sub.id))
}

// Route parses one raw message and dispatches it. Malformed messages are logged
// and dropped; nothing propagates to the caller.
func (r *Router) Route(ctx context.Context, name string, data []byte) {
	env, err := Parse(name, data, r.now())
	if err != nil {
		r.metrics.RecordParseError()
		r.logger.Warn("Dropping malformed message",
			zap.String("event", name),
			zap.Int("bytes", len(data)),
			zap.Error(err))
		return
	}
	r.Dispatch(ctx, env)
}

// Dispatch invokes every active subscription for env.Type in registration
// order, followed by Any subscriptions. It returns the number of handlers run.
func (r *Router) Dispatch(ctx context.Context, env Envelope) int {
	r.mu.RLock()
	targets := make([]*Subscription, 0, len(r.subs[env.Type])+len(r.subs[Any]))
	targets = append(targets, r.subs[env.Type]...)
	if env.Type != Any {
		targets = append(targets, r.subs[Any]...)
	}
	r.mu.RUnlock()

	r.metrics.RecordMessage(string(env.Type))

	if len(targets) == 0 {
		r.logger.Debug("No subscribers for event type", zap.String("event_type", string(env.Type)))
		return 0
	}

	invoked := 0
	for _, sub := range targets {
		if !sub.Active() {
			continue
		}
		invoked++
		if err := r.invoke(ctx, sub, env); err != nil {
			r.metrics.RecordHandlerFailure(string(env.Type))
			r.logger.Error("Handler error",
				zap.String("event_type", string(env.Type)),
				zap.String("subscription_id", sub.id),
				zap.Error(err))
		}
	}
	return invoked
}

// invoke isolates one handler call so a panic never reaches the other handlers.
func (r *Router) invoke(ctx context.Context, sub *Subscription, env Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return sub.call(ctx, env)
}

// SubscriberCount returns the number of subscriptions for eventType.
func (r *Router) SubscriberCount(eventType EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[eventType])
}

// Stats returns statistics about the router.
func (r *Router) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]interface{})
	stats["event_types"] = len(r.subs)

	handlerCounts := make(map[string]int)
	for eventType, subs := range r.subs {
		handlerCounts[string(eventType)] = len(subs)
	}
	stats["handlers_per_type"] = handlerCounts

	return stats
}
