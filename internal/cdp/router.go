package cdp

import (
	"context"
	"sync"

	"github.com/standardbeagle/shellbridge/internal/protocol"
)

// EventHandler observes inbound events. HandleEvent reports whether it
// consumed the event; unconsumed events continue down the chain.
//
// Handlers run on the client's read loop. They must not wait for a reply
// from the same client, since that reply can only be delivered by the loop
// they are blocking. Long work belongs on its own goroutine.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev protocol.Event) bool
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev protocol.Event) bool

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev protocol.Event) bool {
	return f(ctx, ev)
}

// OnMethods returns a handler that consumes events whose method is one of
// methods and passes everything else on.
func OnMethods(fn func(ctx context.Context, ev protocol.Event), methods ...string) EventHandler {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	return EventHandlerFunc(func(ctx context.Context, ev protocol.Event) bool {
		if _, ok := set[ev.Method]; !ok {
			return false
		}
		fn(ctx, ev)
		return true
	})
}

// Router fans events out over an ordered chain of handlers.
//
// The default handler is fixed when the router is built and always sits at
// the end of the chain, so installing new handlers can never cut off the
// consumers that were there first. Replies never reach the router; the
// client settles them before dispatching.
type Router struct {
	mu       sync.RWMutex
	chain    []routeEntry
	nextKey  uint64
	fallback EventHandler
}

type routeEntry struct {
	key     uint64
	handler EventHandler
}

// NewRouter creates a router whose unconsumed events go to fallback.
// A nil fallback drops them.
func NewRouter(fallback EventHandler) *Router {
	return &Router{fallback: fallback}
}

// Use appends h to the chain, ahead of the default handler. The returned
// function removes it again.
func (r *Router) Use(h EventHandler) (remove func()) {
	r.mu.Lock()
	key := r.nextKey
	r.nextKey++
	r.chain = append(r.chain, routeEntry{key: key, handler: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, e := range r.chain {
				if e.key == key {
					r.chain = append(r.chain[:i:i], r.chain[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of installed handlers, excluding the default.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chain)
}

// Dispatch offers ev to each handler in order and stops at the first that
// consumes it. If none does, the default handler receives it.
// It reports whether any handler, including the default, saw the event.
func (r *Router) Dispatch(ctx context.Context, ev protocol.Event) bool {
	r.mu.RLock()
	chain := make([]EventHandler, len(r.chain))
	for i, e := range r.chain {
		chain[i] = e.handler
	}
	fallback := r.fallback
	r.mu.RUnlock()

	for _, h := range chain {
		if h.HandleEvent(ctx, ev) {
			return true
		}
	}
	if fallback != nil {
		fallback.HandleEvent(ctx, ev)
		return true
	}
	return false
}
