package agent

import (
	"sync"
	"time"

	"github.com/nidhogg/nuka-crew/internal/provider"
)

// MessageQueue is a FIFO of externally produced messages. Producers may
// push at any time; only the owning loop drains it, at iteration
// boundaries.
type MessageQueue struct {
	mu    sync.Mutex
	items []provider.Message
}

// NewMessageQueue returns an empty queue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{}
}

// Push appends messages. It never blocks on the consumer.
func (q *MessageQueue) Push(msgs ...provider.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		if m.ID == "" {
			m.ID = provider.NewMessageID()
		}
		q.items = append(q.items, m)
	}
}

// PushText appends a user text message.
func (q *MessageQueue) PushText(text string) {
	q.Push(provider.NewTextMessage(provider.RoleUser, text))
}

// Drain removes and returns everything queued, oldest first.
func (q *MessageQueue) Drain() []provider.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
