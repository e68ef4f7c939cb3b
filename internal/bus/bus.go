// Package bus abstracts the external message bus the outbox publisher
// delivers to.
//
// Publish is synchronous: it returns nil only once the broker has
// confirmed the event. Any timeout or broker error surfaces as a plain
// error; the publisher treats all failures identically.
package bus

import (
	"context"
	"sync"

	"atlasx-exchange/internal/events"
)

// EventBus is the publish-with-confirm contract the outbox publisher
// depends on.
type EventBus interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Loopback is an in-process bus used when no broker is configured and in
// tests. Published events are retained for inspection.
type Loopback struct {
	mu        sync.Mutex
	published []events.Event
}

// NewLoopback creates an empty loopback bus.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Publish records the event and confirms immediately.
func (l *Loopback) Publish(_ context.Context, ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.published = append(l.published, ev)
	return nil
}

// Published returns a copy of everything published so far.
func (l *Loopback) Published() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Event, len(l.published))
	copy(out, l.published)
	return out
}
