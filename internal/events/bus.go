// Package events dispatches worker lifecycle, push and sync events to
// explicitly registered handlers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Event types.
const (
	Install           = "install"
	Activate          = "activate"
	Push              = "push"
	NotificationClick = "notificationclick"
	Sync              = "sync"
)

// Event is one signal from the host.
type Event struct {
	Type string
	// Tag names the sync registration for sync events.
	Tag string
	// Data is the raw body of push and notificationclick events.
	Data []byte
}

// Handler reacts to an event.
type Handler func(ctx context.Context, e Event) error

// Bus maps event types to handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus returns a bus with no handlers.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// On registers h for events of type t.
func (b *Bus) On(t string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Dispatch runs the handlers of e.Type in registration order and joins
// their errors. Events without handlers are ignored.
func (b *Bus) Dispatch(ctx context.Context, e Event) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Type]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", e.Type, err))
		}
	}
	return errors.Join(errs...)
}

// Handled reports whether any handler is registered for t.
func (b *Bus) Handled(t string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t]) > 0
}
