package logbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handler receives an event published on a channel.
type Handler func(channel string, event any)

// Subscription is a handler registered on a Router channel.
type Subscription struct {
	router  *Router
	channel string
	handler Handler
	once    bool
	active  atomic.Bool
}

// Channel returns the channel this subscription listens on.
func (s *Subscription) Channel() string {
	return s.channel
}

// Active reports whether the subscription can still receive events.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Unsubscribe removes the handler from its channel. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.router.remove(s)
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterMetrics sets the collector notified of every publish.
func WithRouterMetrics(collector MetricsCollector) RouterOption {
	return func(r *Router) {
		if collector != nil {
			r.metrics = collector
		}
	}
}

// Router is a publish/subscribe bus keyed by channel name. Publish delivers
// synchronously, on the caller's goroutine, to every subscriber of the channel
// in the order the subscriptions were registered.
//
// Handler panics are not recovered: they propagate to the caller of Publish.
// Handlers run without the router lock held, so they may publish or subscribe.
type Router struct {
	mu      sync.Mutex
	subs    map[string][]*Subscription
	metrics MetricsCollector
}

// NewRouter creates an empty Router.
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		subs:    make(map[string][]*Subscription),
		metrics: DefaultMetricsCollector,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Subscribe registers handler on channel.
func (r *Router) Subscribe(channel string, handler Handler) *Subscription {
	return r.add(channel, handler, false)
}

// SubscribeOnce registers handler on channel and removes it before its first
// invocation, so it is delivered at most one event.
func (r *Router) SubscribeOnce(channel string, handler Handler) *Subscription {
	return r.add(channel, handler, true)
}

// Publish delivers event to every current subscriber of channel.
func (r *Router) Publish(channel string, event any) {
	r.mu.Lock()
	current := r.subs[channel]
	targets := make([]*Subscription, 0, len(current))
	kept := current[:0:0]
	for _, sub := range current {
		if sub.once {
			// Claim one-shot subscriptions under the lock so a concurrent
			// publish cannot deliver to them a second time.
			if sub.active.CompareAndSwap(true, false) {
				targets = append(targets, sub)
			}
			continue
		}
		kept = append(kept, sub)
		targets = append(targets, sub)
	}
	if len(kept) != len(current) {
		r.setLocked(channel, kept)
	}
	r.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if !sub.once && !sub.active.Load() {
			continue
		}
		sub.handler(channel, event)
		delivered++
	}
	r.metrics.ChannelPublished(context.Background(), channel, delivered)
}

// Subscribers returns the number of active subscriptions on channel.
func (r *Router) Subscribers(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[channel])
}

// Channels returns the number of channels with at least one subscriber.
func (r *Router) Channels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Router) add(channel string, handler Handler, once bool) *Subscription {
	sub := &Subscription{router: r, channel: channel, handler: handler, once: once}
	sub.active.Store(true)
	r.mu.Lock()
	r.subs[channel] = append(r.subs[channel], sub)
	r.mu.Unlock()
	return sub
}

func (r *Router) remove(target *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.subs[target.channel]
	kept := current[:0:0]
	for _, sub := range current {
		if sub != target {
			kept = append(kept, sub)
		}
	}
	r.setLocked(target.channel, kept)
}

func (r *Router) setLocked(channel string, subs []*Subscription) {
	if len(subs) == 0 {
		delete(r.subs, channel)
		return
	}
	r.subs[channel] = subs
}
