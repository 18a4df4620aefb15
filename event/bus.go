package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Handler processes a published event. A returned error is logged and
// otherwise ignored.
type Handler func(ctx context.Context, ev Event) error

type handlerEntry struct {
	id      uint64
	types   map[Type]struct{} // empty = all types
	handler Handler
}

func (e handlerEntry) wants(t Type) bool {
	if len(e.types) == 0 {
		return true
	}
	_, ok := e.types[t]
	return ok
}

// Subscription is a handle to a registered handler.
type Subscription struct {
	once sync.Once
	bus  *Bus
	id   uint64
}

// Unsubscribe removes the handler. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s.id) })
}

// Bus is a thread-safe in-process event bus. It is passed explicitly to the
// components that publish or subscribe; there is no global instance.
type Bus struct {
	mu      sync.RWMutex
	entries []handlerEntry
	nextID  uint64
	history []Event
	maxHist int
	logger  *slog.Logger
}

// NewBus creates a Bus with a 1000-event history cap.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		maxHist: 1000,
		logger:  logger.With("component", "event"),
	}
}

// Subscribe registers handler for the given event types, or for every event
// when no types are given.
func (b *Bus) Subscribe(handler Handler, types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	entry := handlerEntry{id: b.nextID, handler: handler}
	if len(types) > 0 {
		entry.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			entry.types[t] = struct{}{}
		}
	}
	b.entries = append(b.entries, entry)
	return &Subscription{bus: b, id: entry.id}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	filtered := b.entries[:0]
	for _, e := range b.entries {
		if e.id != id {
			filtered = append(filtered, e)
		}
	}
	b.entries = filtered
}

// Publish delivers ev synchronously to every interested handler, in
// registration order. Handler errors and panics are logged; they never
// propagate to the publisher.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	// Collect handlers to invoke outside the lock
	var targets []Handler
	for _, e := range b.entries {
		if e.wants(ev.Type) {
			targets = append(targets, e.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		if err := b.safeCall(ctx, h, ev); err != nil {
			b.logger.Error("event handler failed", "type", ev.Type, slog.Any("err", err))
		}
	}
}

func (b *Bus) safeCall(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, ev)
}

// History returns the most recent limit events in chronological order.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := 0
	if limit > 0 && len(b.history) > limit {
		start = len(b.history) - limit
	}
	out := make([]Event, len(b.history)-start)
	copy(out, b.history[start:])
	return out
}
