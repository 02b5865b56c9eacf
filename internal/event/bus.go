package event

import (
	"context"
	"sync"
)

// Handler receives every published event. Handlers run synchronously on
// the publisher's goroutine and must not block; queueing is the handler's
// job.
type Handler func(Event)

// Bus is the in-process pub/sub. Handlers are called in registration
// order for any one event; no ordering is guaranteed across
// organizations.
type Bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
	order    []int
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Connect registers a handler and returns its disconnect function.
func (b *Bus) Connect(h Handler) (disconnect func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish fans the event out to all connected handlers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		if h, ok := b.handlers[id]; ok {
			hs = append(hs, h)
		}
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(e)
	}
}

// Waiter wakes a long-polling caller whenever a matching event is
// published. Wake-ups coalesce: the caller re-checks its condition after
// every wake, so dropping duplicate signals is safe.
type Waiter struct {
	ch         chan struct{}
	disconnect func()
	closeOnce  sync.Once
}

// NewWaiter connects a waiter to the bus for events accepted by pred.
// Callers must Close it when done.
func NewWaiter(b *Bus, pred func(Event) bool) *Waiter {
	w := &Waiter{ch: make(chan struct{}, 1)}
	w.disconnect = b.Connect(func(e Event) {
		if pred(e) {
			select {
			case w.ch <- struct{}{}:
			default:
			}
		}
	})
	return w
}

// Wait blocks until a matching event is published or ctx ends.
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects the waiter from the bus.
func (w *Waiter) Close() {
	w.closeOnce.Do(w.disconnect)
}
