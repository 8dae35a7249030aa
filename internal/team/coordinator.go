package team

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"go.uber.org/zap"
)

var (
	ErrNoTeam        = errors.New("no active team")
	ErrTeamExists    = errors.New("a team is already active")
	ErrTaskConflict  = errors.New("task conflict")
	ErrTaskBlocked   = errors.New("task is blocked by unfinished dependencies")
	ErrUnknownMember = errors.New("unknown team member")
	// ErrShutdown is the cancel cause of a teammate stopped by request.
	ErrShutdown = errors.New("teammate shut down")
	// ErrTeamDeleted is the cancel cause of teammates of a deleted team.
	ErrTeamDeleted = errors.New("team deleted")
)

// Defaults for TeamAwait.
const (
	DefaultAwaitTimeout = 300 * time.Second
	AwaitPollInterval   = 500 * time.Millisecond
)

// LeadOnlyTools are withheld from teammates.
var LeadOnlyTools = []string{ToolTeamCreate, ToolSpawnTeammate, ToolTeamDelete, ToolTeamAwait}

// Sink receives every committed team event, in order.
type Sink interface {
	RecordTeamEvent(ctx context.Context, seq int, ev Event) error
}

// Lead identifies the agent that created the team.
type Lead struct {
	Name  string
	Queue *agent.MessageQueue
}

// Coordinator is the single writer of the team aggregate. Every change is
// an Event applied through State and then published on the bus.
type Coordinator struct {
	loop   *agent.Loop
	bus    *Bus
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	seq     int
	lead    Lead
	members map[string]*memberRun

	// pubMu keeps bus order equal to commit order.
	pubMu sync.Mutex
	sinks []*sinkWorker

	// MaxIterations caps every teammate loop.
	MaxIterations int
}

// NewCoordinator creates a coordinator whose teammates run on loop.
func NewCoordinator(loop *agent.Loop, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		loop:          loop,
		bus:           NewBus(logger),
		logger:        logger,
		members:       make(map[string]*memberRun),
		MaxIterations: agent.DefaultMaxIterations,
	}
}

// Bus returns the coordinator's event bus.
func (c *Coordinator) Bus() *Bus { return c.bus }

// AddSink forwards every future event to s on a dedicated goroutine.
func (c *Coordinator) AddSink(name string, s Sink) {
	w := newSinkWorker(name, s, c.logger)
	c.pubMu.Lock()
	c.sinks = append(c.sinks, w)
	c.pubMu.Unlock()
}

// Close flushes and stops every sink.
func (c *Coordinator) Close() {
	c.pubMu.Lock()
	sinks := c.sinks
	c.sinks = nil
	c.pubMu.Unlock()
	for _, w := range sinks {
		w.close()
	}
}

type committed struct {
	seq int
	ev  Event
}

// commitAndUnlock applies evs under c.mu, which the caller holds, then
// releases c.mu and publishes what was applied. Events the reducer drops
// are not published.
func (c *Coordinator) commitAndUnlock(evs ...Event) {
	var out []committed
	for _, ev := range evs {
		if c.state.Apply(ev) {
			c.seq++
			out = append(out, committed{seq: c.seq, ev: ev})
		}
	}
	c.pubMu.Lock()
	c.mu.Unlock()
	defer c.pubMu.Unlock()
	for _, r := range out {
		c.bus.Publish(r.seq, r.ev)
		for _, w := range c.sinks {
			w.push(r.seq, r.ev)
		}
	}
}

// Create starts a new team led by lead.
func (c *Coordinator) Create(name, description string, lead Lead) (*Team, error) {
	c.mu.Lock()
	if c.state.Live != nil {
		c.mu.Unlock()
		return nil, ErrTeamExists
	}
	if lead.Name == "" {
		lead.Name = "lead"
	}
	c.lead = lead
	id := uuid.New().String()
	c.commitAndUnlock(TeamStart{TeamID: id, Name: name, Description: description, Lead: lead.Name, CreatedAt: time.Now()})
	c.logger.Info("team created", zap.String("team", id), zap.String("name", name))
	return c.Snapshot(), nil
}

// Snapshot returns a copy of the live team, or nil.
func (c *Coordinator) Snapshot() *Team {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Live.Clone()
}

// History returns copies of ended teams, oldest first.
func (c *Coordinator) History() []Team {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Team, len(c.state.History))
	for i := range c.state.History {
		out[i] = *c.state.History[i].Clone()
	}
	return out
}

// CreateTask adds a pending task to the board.
func (c *Coordinator) CreateTask(subject, description string, dependsOn []string) (Task, error) {
	c.mu.Lock()
	t := c.state.Live
	if t == nil {
		c.mu.Unlock()
		return Task{}, ErrNoTeam
	}
	for _, dep := range dependsOn {
		if _, ok := t.Task(dep); !ok {
			c.mu.Unlock()
			return Task{}, fmt.Errorf("unknown dependency %q", dep)
		}
	}
	now := time.Now()
	task := Task{
		ID:          strconv.Itoa(len(t.Tasks) + 1),
		Subject:     subject,
		Description: description,
		Status:      TaskPending,
		DependsOn:   append([]string(nil), dependsOn...),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.commitAndUnlock(TaskAdd{TeamID: t.ID, Task: task})
	return task, nil
}

// TaskPatch is a partial task update. Nil fields are left unchanged.
type TaskPatch struct {
	TaskID          string
	Status          *TaskStatus
	Owner           *string
	ExpectedVersion *int
}

// UpdateTask applies patch. A stale ExpectedVersion, or claiming a task
// another member owns, fails with ErrTaskConflict.
func (c *Coordinator) UpdateTask(patch TaskPatch) (Task, error) {
	c.mu.Lock()
	t := c.state.Live
	if t == nil {
		c.mu.Unlock()
		return Task{}, ErrNoTeam
	}
	cur, ok := t.Task(patch.TaskID)
	if !ok {
		c.mu.Unlock()
		return Task{}, fmt.Errorf("unknown task %q", patch.TaskID)
	}
	task := *cur
	task.DependsOn = append([]string(nil), cur.DependsOn...)
	if patch.ExpectedVersion != nil && *patch.ExpectedVersion != task.Version {
		c.mu.Unlock()
		return task, fmt.Errorf("%w: task %s is at version %d, not %d", ErrTaskConflict, task.ID, task.Version, *patch.ExpectedVersion)
	}
	if patch.Owner != nil && *patch.Owner != "" && task.Owner != "" && task.Owner != *patch.Owner {
		c.mu.Unlock()
		return task, fmt.Errorf("%w: task %s is owned by %s", ErrTaskConflict, task.ID, task.Owner)
	}
	if patch.Owner != nil {
		task.Owner = *patch.Owner
	}
	if patch.Status != nil {
		if *patch.Status == TaskInProgress {
			for _, dep := range task.DependsOn {
				if d, ok := t.Task(dep); ok && d.Status != TaskCompleted {
					c.mu.Unlock()
					return task, fmt.Errorf("%w: %s", ErrTaskBlocked, dep)
				}
			}
		}
		task.Status = *patch.Status
	}
	task.Version++
	task.UpdatedAt = time.Now()

	evs := []Event{TaskUpdate{TeamID: t.ID, Task: task}}
	if m, ok := t.Member(task.Owner); ok {
		mm := cloneMember(*m)
		switch task.Status {
		case TaskInProgress:
			mm.CurrentTaskID = task.ID
		case TaskCompleted:
			if mm.CurrentTaskID == task.ID {
				mm.CurrentTaskID = ""
			}
		}
		if mm.CurrentTaskID != m.CurrentTaskID {
			evs = append(evs, MemberUpdate{TeamID: t.ID, Member: mm})
		}
	}
	c.commitAndUnlock(evs...)
	return task, nil
}

// ListTasks returns the task board.
func (c *Coordinator) ListTasks() ([]Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Live == nil {
		return nil, ErrNoTeam
	}
	return c.state.Live.Clone().Tasks, nil
}

// Report is the shape of both TeamStatus and TeamAwait.
type Report struct {
	Team     *Team    `json:"team"`
	Working  []string `json:"working"`
	Idle     []string `json:"idle"`
	Stopped  []string `json:"stopped"`
	Pending  []string `json:"pending,omitempty"`
	TimedOut bool     `json:"timed_out,omitempty"`
}

// Status returns an immediate snapshot.
func (c *Coordinator) Status() (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Live == nil {
		return Report{}, ErrNoTeam
	}
	return c.reportLocked(nil), nil
}

func (c *Coordinator) reportLocked(targets []string) Report {
	t := c.state.Live.Clone()
	r := Report{Team: t, Working: []string{}, Idle: []string{}, Stopped: []string{}}
	for _, m := range t.Members {
		switch m.Status {
		case MemberWorking:
			r.Working = append(r.Working, m.Name)
		case MemberIdle:
			r.Idle = append(r.Idle, m.Name)
		case MemberStopped:
			r.Stopped = append(r.Stopped, m.Name)
		}
	}
	if targets == nil {
		for _, m := range t.Members {
			targets = append(targets, m.ID)
		}
	}
	for _, id := range targets {
		// Unknown ids count as still working.
		if m, ok := t.Member(id); !ok || m.Status == MemberWorking {
			r.Pending = append(r.Pending, id)
		}
	}
	return r
}

// Await blocks until none of memberIDs is working, timeout elapses or ctx
// is done. An empty memberIDs means every member. A timeout is not an
// error; the report says TimedOut.
func (c *Coordinator) Await(ctx context.Context, memberIDs []string, timeout time.Duration) (Report, error) {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	notify := make(chan struct{}, 1)
	sub := c.bus.SubscribeAll(func(int, Event) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer c.bus.Unsubscribe(sub)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(AwaitPollInterval)
	defer ticker.Stop()

	var targets []string
	if len(memberIDs) > 0 {
		targets = append([]string(nil), memberIDs...)
	}
	for {
		c.mu.Lock()
		if c.state.Live == nil {
			c.mu.Unlock()
			return Report{}, ErrNoTeam
		}
		r := c.reportLocked(targets)
		c.mu.Unlock()
		if len(r.Pending) == 0 {
			return r, nil
		}
		select {
		case <-notify:
		case <-ticker.C:
		case <-timer.C:
			r.TimedOut = true
			c.logger.Debug("team await timed out", zap.Strings("pending", r.Pending))
			return r, nil
		case <-ctx.Done():
			return r, ctx.Err()
		}
	}
}

// Delete cancels every teammate and ends the team.
func (c *Coordinator) Delete() (*Team, error) {
	c.mu.Lock()
	t := c.state.Live
	if t == nil {
		c.mu.Unlock()
		return nil, ErrNoTeam
	}
	runs := c.members
	c.members = make(map[string]*memberRun)
	c.lead = Lead{}
	var evs []Event
	now := time.Now()
	for _, m := range t.Members {
		if m.Status != MemberStopped {
			mm := cloneMember(m)
			mm.Status = MemberStopped
			mm.CompletedAt = &now
			evs = append(evs, MemberUpdate{TeamID: t.ID, Member: mm})
		}
	}
	teamID := t.ID
	evs = append(evs, TeamEnd{TeamID: teamID, EndedAt: now})
	c.commitAndUnlock(evs...)

	for _, r := range runs {
		r.stop(ErrTeamDeleted)
	}
	c.logger.Info("team deleted", zap.String("team", teamID), zap.Int("members", len(runs)))
	hist := c.History()
	if len(hist) == 0 {
		return nil, nil
	}
	return &hist[len(hist)-1], nil
}

func cloneMember(m Member) Member {
	m.ToolCalls = append([]agent.ToolCallState(nil), m.ToolCalls...)
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		m.CompletedAt = &t
	}
	return m
}

func newMessage(from, to string, typ MessageType, content, summary string) Message {
	return Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      typ,
		Content:   content,
		Summary:   summary,
		Timestamp: time.Now(),
	}
}

func textMessage(text string) provider.Message {
	return provider.NewTextMessage(provider.RoleUser, text)
}
