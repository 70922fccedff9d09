// Package events is a small synchronous, type-keyed event bus used for the
// lifecycle notifications of records and proxies.
package events

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Handler is a generic event handler function.
type Handler[T any] func(T)

// Token identifies a subscription for Unsubscribe.
type Token uint64

// SubscribeOption configures a subscription.
type SubscribeOption func(*internalHandler)

type internalHandler struct {
	token    Token
	handler  any
	once     bool
	executed atomic.Bool
}

// Bus dispatches events to handlers registered for the event's type.
// Handlers run synchronously on the publishing goroutine, in registration
// order, with no lock held.
type Bus struct {
	mu       sync.Mutex
	handlers map[reflect.Type][]*internalHandler
	next     Token
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{handlers: make(map[reflect.Type][]*internalHandler)}
}

// Once configures the handler to be called only once.
func Once() SubscribeOption {
	return func(h *internalHandler) {
		h.once = true
	}
}

// Subscribe registers a handler for events of type T.
func Subscribe[T any](bus *Bus, handler Handler[T], opts ...SubscribeOption) Token {
	eventType := reflect.TypeOf((*T)(nil)).Elem()

	h := &internalHandler{handler: handler}
	for _, opt := range opts {
		opt(h)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.next++
	h.token = bus.next
	bus.handlers[eventType] = append(bus.handlers[eventType], h)
	return h.token
}

// Unsubscribe removes the handler registered under token.
func (bus *Bus) Unsubscribe(token Token) bool {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	for eventType, handlers := range bus.handlers {
		for i, h := range handlers {
			if h.token == token {
				bus.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish sends an event to all handlers registered for its type.
func Publish[T any](bus *Bus, event T) {
	eventType := reflect.TypeOf((*T)(nil)).Elem()

	bus.mu.Lock()
	handlers := make([]*internalHandler, len(bus.handlers[eventType]))
	copy(handlers, bus.handlers[eventType])
	bus.mu.Unlock()

	for _, h := range handlers {
		if h.once {
			if !h.executed.CompareAndSwap(false, true) {
				continue
			}
			bus.Unsubscribe(h.token)
		}
		if fn, ok := h.handler.(Handler[T]); ok {
			fn(event)
		}
	}
}

// HasSubscribers returns true if there are any handlers for event type T.
func HasSubscribers[T any](bus *Bus) bool {
	eventType := reflect.TypeOf((*T)(nil)).Elem()

	bus.mu.Lock()
	defer bus.mu.Unlock()

	return len(bus.handlers[eventType]) > 0
}

// Clear removes all handlers.
func (bus *Bus) Clear() {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.handlers = make(map[reflect.Type][]*internalHandler)
}
