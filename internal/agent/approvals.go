package agent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ApprovalFunc is the human-in-the-loop decision for one tool call. It
// blocks until decided and must return false once ctx is done.
type ApprovalFunc func(ctx context.Context, call ToolCallState) bool

// AutoApprove approves every call.
func AutoApprove(context.Context, ToolCallState) bool { return true }

// DenyAll denies every call.
func DenyAll(context.Context, ToolCallState) bool { return false }

// Correlator matches asynchronous responses to waiting requests by id.
type Correlator[T any] struct {
	mu      sync.Mutex
	pending map[string]chan T
}

// NewCorrelator returns an empty correlation table.
func NewCorrelator[T any]() *Correlator[T] {
	return &Correlator[T]{pending: make(map[string]chan T)}
}

// Ticket is a registered slot waiting for its response.
type Ticket[T any] struct {
	c  *Correlator[T]
	id string
	ch chan T
}

// Register opens a slot for id before anyone can observe the request, so
// a Resolve racing the waiter is never lost.
func (c *Correlator[T]) Register(id string) *Ticket[T] {
	t := &Ticket[T]{c: c, id: id, ch: make(chan T, 1)}
	c.mu.Lock()
	c.pending[id] = t.ch
	c.mu.Unlock()
	return t
}

// Wait blocks until the slot is resolved or ctx is done. On cancellation
// it returns the zero value and the context error.
func (t *Ticket[T]) Wait(ctx context.Context) (T, error) {
	defer func() {
		t.c.mu.Lock()
		if t.c.pending[t.id] == t.ch {
			delete(t.c.pending, t.id)
		}
		t.c.mu.Unlock()
	}()
	select {
	case v := <-t.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel releases the slot without waiting.
func (t *Ticket[T]) Cancel() {
	t.c.mu.Lock()
	if t.c.pending[t.id] == t.ch {
		delete(t.c.pending, t.id)
	}
	t.c.mu.Unlock()
}

// Await registers id and waits for its response.
func (c *Correlator[T]) Await(ctx context.Context, id string) (T, error) {
	return c.Register(id).Wait(ctx)
}

// Resolve delivers v to the waiter on id. It reports false when nobody is
// waiting.
func (c *Correlator[T]) Resolve(id string, v T) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- v
	return true
}

// Len returns the number of waiters.
func (c *Correlator[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingApproval describes a tool call waiting for a decision.
type PendingApproval struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id,omitempty"`
	Agent       string        `json:"agent,omitempty"`
	Call        ToolCallState `json:"call"`
	RequestedAt time.Time     `json:"requested_at"`
}

// Approvals is the shared desk where out-of-band clients answer approval
// requests raised by running loops.
type Approvals struct {
	table *Correlator[bool]
	mu    sync.Mutex
	info  map[string]PendingApproval
}

// NewApprovals returns an empty desk.
func NewApprovals() *Approvals {
	return &Approvals{
		table: NewCorrelator[bool](),
		info:  make(map[string]PendingApproval),
	}
}

// Func returns an ApprovalFunc that parks calls on the desk, tagged with the
// run and agent that raised them.
func (a *Approvals) Func(runID, agentName string) ApprovalFunc {
	return func(ctx context.Context, call ToolCallState) bool {
		ticket := a.table.Register(call.ID)
		a.mu.Lock()
		a.info[call.ID] = PendingApproval{
			ID: call.ID, RunID: runID, Agent: agentName, Call: call, RequestedAt: time.Now(),
		}
		a.mu.Unlock()
		defer func() {
			a.mu.Lock()
			delete(a.info, call.ID)
			a.mu.Unlock()
		}()
		ok, err := ticket.Wait(ctx)
		return err == nil && ok
	}
}

// Resolve answers a pending approval.
func (a *Approvals) Resolve(id string, approved bool) bool {
	return a.table.Resolve(id, approved)
}

// Pending lists waiting approvals, oldest first.
func (a *Approvals) Pending() []PendingApproval {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PendingApproval, 0, len(a.info))
	for _, p := range a.info {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}
