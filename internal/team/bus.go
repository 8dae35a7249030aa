package team

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler receives a published event with its sequence number.
type Handler func(seq int, ev Event)

type subscription struct {
	id        uint64
	eventType EventType
	handler   Handler
}

// Bus is a synchronous fan-out of team events. Handlers run on the
// publisher's goroutine and must not call back into the coordinator's
// mutating operations.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers handler for one event type and returns its id.
func (b *Bus) Subscribe(eventType EventType, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID.Add(1)
	b.subs = append(b.subs, subscription{id: id, eventType: eventType, handler: handler})
	return id
}

// SubscribeAll registers handler for every event.
func (b *Bus) SubscribeAll(handler Handler) uint64 {
	return b.Subscribe("*", handler)
}

// Unsubscribe removes a subscription. It reports whether it was found.
func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish calls every matching handler in registration order.
func (b *Bus) Publish(seq int, ev Event) {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.eventType == "*" || s.eventType == ev.Type() {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()
	for _, s := range subs {
		b.safeCall(s.handler, seq, ev)
	}
}

func (b *Bus) safeCall(h Handler, seq int, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("team bus handler panicked",
				zap.String("event", string(ev.Type())),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	h(seq, ev)
}
