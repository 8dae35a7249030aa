package agent

import (
	"context"
	"sync"
	"time"
)

// Run is a live or finished loop started by the Engine. It keeps the full
// event log so late subscribers can replay it.
type Run struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	StartedAt time.Time     `json:"started_at"`
	Queue     *MessageQueue `json:"-"`

	cancel  context.CancelCauseFunc
	mu      sync.Mutex
	events  []Event
	summary Summary
	subs    map[int]chan Event
	nextSub int
	done    chan struct{}
}

func newRun(id, agentID string, cancel context.CancelCauseFunc) *Run {
	return &Run{
		ID:        id,
		AgentID:   agentID,
		StartedAt: time.Now(),
		Queue:     NewMessageQueue(),
		cancel:    cancel,
		subs:      make(map[int]chan Event),
		done:      make(chan struct{}),
	}
}

// Abort cancels the run with ErrAborted.
func (r *Run) Abort() {
	r.cancel(ErrAborted)
}

// Inject queues a user message for the run's next iteration boundary.
func (r *Run) Inject(text string) {
	r.Queue.PushText(text)
}

// Done is closed once the run's stream has ended.
func (r *Run) Done() <-chan struct{} { return r.done }

// Summary returns the run's folded state so far.
func (r *Run) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary.Snapshot()
}

// Events returns a copy of the event log.
func (r *Run) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Subscribe returns the events so far and a channel of the ones that
// follow. The channel is closed when the run ends or cancel is called.
func (r *Run) Subscribe() (replay []Event, live <-chan Event, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replay = append([]Event(nil), r.events...)
	ch := make(chan Event, 256)
	select {
	case <-r.done:
		close(ch)
		return replay, ch, func() {}
	default:
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	return replay, ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

func (r *Run) publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.summary.Apply(ev)
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			// A subscriber that cannot keep up is dropped; it can replay.
			delete(r.subs, id)
			close(ch)
		}
	}
}

func (r *Run) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	close(r.done)
}
