package team

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"go.uber.org/zap"
)

// teammateTools are added to every teammate's allow-list when registered.
var teammateTools = []string{ToolTaskCreate, ToolTaskUpdate, ToolTaskList, ToolTeamSendMessage, ToolTeamStatus}

// SpawnRequest describes a new teammate.
type SpawnRequest struct {
	Name         string
	SystemPrompt string
	// AllowedTools empty inherits the spawner's tools.
	AllowedTools []string
	Model        string
	Prompt       string
}

// memberRun is the coordinator's private handle on a teammate. Fields
// below ctx are guarded by Coordinator.mu.
type memberRun struct {
	id      string
	name    string
	teamID  string
	queue   *agent.MessageQueue
	cfg     agent.Config
	tc      *agent.ToolContext
	approve agent.ApprovalFunc
	prompt  string
	ctx     context.Context
	cancel  context.CancelCauseFunc
	release func() bool

	running    bool
	stopped    bool
	iterBase   int
	lastOutput string
}

func (r *memberRun) stop(cause error) {
	r.cancel(cause)
	r.release()
}

// Spawn starts a teammate. Its loop outlives the spawning run when that run
// ends normally, and is cancelled when the spawner is aborted.
func (c *Coordinator) Spawn(ctx context.Context, req SpawnRequest, parent *agent.ToolContext) (Member, error) {
	if parent == nil {
		parent = &agent.ToolContext{}
	}
	c.mu.Lock()
	t := c.state.Live
	if t == nil {
		c.mu.Unlock()
		return Member{}, ErrNoTeam
	}
	if req.Name == "" || req.Name == Broadcast || req.Name == c.lead.Name {
		c.mu.Unlock()
		return Member{}, fmt.Errorf("invalid teammate name %q", req.Name)
	}
	if _, ok := t.Member(req.Name); ok {
		c.mu.Unlock()
		return Member{}, fmt.Errorf("teammate %q already exists", req.Name)
	}

	mctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	release := context.AfterFunc(ctx, func() {
		if cause := context.Cause(ctx); !errors.Is(cause, agent.ErrRunFinished) {
			cancel(cause)
		}
	})

	model := req.Model
	if model == "" {
		model = parent.Model
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = "Begin your assignment."
	}
	runID := uuid.New().String()
	run := &memberRun{
		id:     uuid.New().String(),
		name:   req.Name,
		teamID: t.ID,
		queue:  agent.NewMessageQueue(),
		tc: &agent.ToolContext{
			SessionID:     parent.SessionID,
			WorkingFolder: parent.WorkingFolder,
			Host:          parent.Host,
			Approvals:     parent.Approvals,
		},
		approve: parent.Approve,
		prompt:  prompt,
		ctx:     mctx,
		cancel:  cancel,
		release: release,
		running: true,
	}
	if parent.Approvals != nil {
		// Requests show up on the desk as the teammate's own.
		run.approve = parent.Approvals.Func(runID, req.Name)
	}
	if run.approve == nil {
		run.approve = agent.DenyAll
	}
	run.cfg = agent.Config{
		RunID:         runID,
		AgentID:       parent.AgentID,
		AgentName:     req.Name,
		Model:         model,
		SystemPrompt:  teammatePrompt(req.SystemPrompt, t.Name, c.lead.Name, req.Name),
		MaxIterations: c.MaxIterations,
		AllowedTools:  c.teammateToolset(req.AllowedTools, parent.AllowedTools),
		Queue:         run.queue,
	}
	c.members[run.id] = run

	member := Member{
		ID:        run.id,
		Name:      req.Name,
		Status:    MemberWorking,
		Model:     model,
		StartedAt: time.Now(),
	}
	c.commitAndUnlock(MemberAdd{TeamID: t.ID, Member: member})
	c.logger.Info("teammate spawned",
		zap.String("team", run.teamID),
		zap.String("name", run.name),
		zap.Strings("tools", run.cfg.AllowedTools))

	c.launch(run, []provider.Message{textMessage(prompt)})
	return member, nil
}

func (c *Coordinator) teammateToolset(requested, parent []string) []string {
	tools := c.loop.Tools()
	base := requested
	if len(base) == 0 {
		base = parent
	}
	if base == nil {
		base = tools.Names()
	}
	leadOnly := make(map[string]bool, len(LeadOnlyTools))
	for _, n := range LeadOnlyTools {
		leadOnly[n] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, n := range append(append([]string(nil), base...), teammateTools...) {
		if leadOnly[n] || seen[n] {
			continue
		}
		if _, ok := tools.Get(n); !ok {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func teammatePrompt(base, teamName, lead, name string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))
	fmt.Fprintf(&b, "\n\n## Team\nYou are %s, a member of team %q led by %s. ", name, teamName, lead)
	fmt.Fprintf(&b, "Use %s to claim and complete tasks and %s to talk to %s or your teammates. ", ToolTaskUpdate, ToolTeamSendMessage, lead)
	b.WriteString("Messages from others arrive wrapped in <team-message> tags. ")
	b.WriteString("When your assignment is done, finish with a short report; it is forwarded to the lead.")
	return b.String()
}

// launch runs one loop of a teammate and folds its events into member
// updates.
func (c *Coordinator) launch(run *memberRun, initial []provider.Message) {
	events := c.loop.Run(run.ctx, initial, run.cfg, run.tc, run.approve)
	go func() {
		var s agent.Summary
		for ev := range events {
			s.Apply(ev)
			switch e := ev.(type) {
			case agent.IterationStart:
				c.updateMember(run, func(m *Member) { m.Iteration = run.iterBase + e.Iteration })
			case agent.ToolCallStart:
				c.updateMember(run, func(m *Member) { m.ToolCalls = upsertCall(m.ToolCalls, e.Call) })
			case agent.ToolCallResult:
				c.updateMember(run, func(m *Member) { m.ToolCalls = upsertCall(m.ToolCalls, e.Call) })
			case agent.LoopEnd:
				c.finishMember(run, s.Snapshot(), e)
			}
		}
	}()
}

func upsertCall(calls []agent.ToolCallState, call agent.ToolCallState) []agent.ToolCallState {
	for i := range calls {
		if calls[i].ID == call.ID {
			calls[i] = call
			return calls
		}
	}
	return append(calls, call)
}

// updateMember commits fn's change to run's member. Updates for a team that
// is no longer live are dropped.
func (c *Coordinator) updateMember(run *memberRun, fn func(*Member)) {
	c.mu.Lock()
	t := c.state.Live
	if t == nil || t.ID != run.teamID {
		c.mu.Unlock()
		return
	}
	m, ok := t.Member(run.id)
	if !ok || m.Status == MemberStopped {
		c.mu.Unlock()
		return
	}
	mm := cloneMember(*m)
	fn(&mm)
	c.commitAndUnlock(MemberUpdate{TeamID: run.teamID, Member: mm})
}

func (c *Coordinator) finishMember(run *memberRun, s agent.Summary, end agent.LoopEnd) {
	c.mu.Lock()
	t := c.state.Live
	if t == nil || t.ID != run.teamID {
		c.mu.Unlock()
		return
	}
	m, ok := t.Member(run.id)
	if !ok {
		c.mu.Unlock()
		return
	}
	mm := cloneMember(*m)
	run.iterBase = mm.Iteration
	if s.Output != "" {
		run.lastOutput = s.Output
	}

	ok = end.Reason == agent.EndCompleted || end.Reason == agent.EndMaxIterations
	if ok && run.queue.Len() > 0 && run.ctx.Err() == nil && !run.stopped {
		// Messages arrived after the final drain.
		initial := run.resume()
		c.mu.Unlock()
		c.launch(run, initial)
		return
	}

	now := time.Now()
	run.running = false
	mm.CompletedAt = &now
	mm.Output = s.Output
	mm.Error = s.Error
	mm.CurrentTaskID = ""
	if ok {
		mm.Status = MemberIdle
	} else {
		mm.Status = MemberStopped
		run.stopped = true
		run.release()
	}
	evs := []Event{MemberUpdate{TeamID: run.teamID, Member: mm}}

	if !errors.Is(context.Cause(run.ctx), ErrShutdown) && m.Status != MemberStopped {
		content := s.Output
		if content == "" {
			content = "(no output)"
		}
		if s.Error != "" {
			content += "\n\nerror: " + s.Error
		}
		report := newMessage(run.name, c.lead.Name, MsgMessage, content,
			fmt.Sprintf("%s finished (%s)", run.name, end.Reason))
		evs = append(evs, MessageAppended{TeamID: run.teamID, Message: report})
		if c.lead.Queue != nil {
			c.lead.Queue.Push(textMessage(FormatMessage(report)))
		}
	}
	c.logger.Info("teammate finished",
		zap.String("name", run.name),
		zap.String("reason", string(end.Reason)),
		zap.Int("iterations", end.Iterations))
	c.commitAndUnlock(evs...)
}

// resume builds the opening messages of a woken teammate: its original
// prompt, its last answer and everything queued since.
func (r *memberRun) resume() []provider.Message {
	msgs := []provider.Message{textMessage(r.prompt)}
	if r.lastOutput != "" {
		msgs = append(msgs, provider.NewTextMessage(provider.RoleAssistant, r.lastOutput))
	}
	for _, q := range r.queue.Drain() {
		last := &msgs[len(msgs)-1]
		if q.Role == provider.RoleUser && last.Role == provider.RoleUser {
			last.Content = append(last.Content, q.Content...)
			continue
		}
		msgs = append(msgs, q)
	}
	return msgs
}

// SendRequest is a message a team member or the lead sends.
type SendRequest struct {
	Type      MessageType
	Recipient string
	Content   string
	Summary   string
}

// SendMessage appends a message to the team log and delivers it to the
// recipients' queues. Idle recipients are woken.
func (c *Coordinator) SendMessage(from string, req SendRequest) (Message, error) {
	if req.Type == "" {
		req.Type = MsgMessage
	}
	if from == "" {
		from = c.leadName()
	}
	c.mu.Lock()
	t := c.state.Live
	if t == nil {
		c.mu.Unlock()
		return Message{}, ErrNoTeam
	}

	var (
		msg      Message
		evs      []Event
		targets  []*memberRun
		toLead   bool
		shutdown *memberRun
	)
	switch req.Type {
	case MsgMessage, MsgShutdownResponse:
		if req.Recipient == "" || req.Recipient == "lead" || req.Recipient == c.lead.Name {
			toLead = true
			msg = newMessage(from, c.lead.Name, req.Type, req.Content, req.Summary)
			break
		}
		m, ok := t.Member(req.Recipient)
		if !ok {
			c.mu.Unlock()
			return Message{}, fmt.Errorf("%w: %s", ErrUnknownMember, req.Recipient)
		}
		msg = newMessage(from, m.Name, req.Type, req.Content, req.Summary)
		if r := c.members[m.ID]; r != nil {
			targets = append(targets, r)
		}
	case MsgBroadcast:
		msg = newMessage(from, Broadcast, req.Type, req.Content, req.Summary)
		for _, m := range t.Members {
			if m.Name == from || m.Status == MemberStopped {
				continue
			}
			if r := c.members[m.ID]; r != nil {
				targets = append(targets, r)
			}
		}
		toLead = from != c.lead.Name
	case MsgShutdownRequest:
		m, ok := t.Member(req.Recipient)
		if !ok {
			c.mu.Unlock()
			return Message{}, fmt.Errorf("%w: %s", ErrUnknownMember, req.Recipient)
		}
		msg = newMessage(from, m.Name, req.Type, req.Content, req.Summary)
		reply := newMessage(m.Name, from, MsgShutdownResponse, "Shutting down.", "")
		evs = append(evs, MessageAppended{TeamID: t.ID, Message: msg}, MessageAppended{TeamID: t.ID, Message: reply})
		if m.Status != MemberStopped {
			mm := cloneMember(*m)
			now := time.Now()
			mm.Status = MemberStopped
			mm.CompletedAt = &now
			evs = append(evs, MemberUpdate{TeamID: t.ID, Member: mm})
		}
		if r := c.members[m.ID]; r != nil && !r.stopped {
			r.stopped = true
			r.running = false
			shutdown = r
		}
		c.commitAndUnlock(evs...)
		if shutdown != nil {
			shutdown.stop(ErrShutdown)
			c.logger.Info("teammate shut down", zap.String("name", shutdown.name), zap.String("by", from))
		}
		return msg, nil
	default:
		c.mu.Unlock()
		return Message{}, fmt.Errorf("unknown message type %q", req.Type)
	}

	text := FormatMessage(msg)
	if toLead && c.lead.Queue != nil && from != c.lead.Name {
		c.lead.Queue.Push(textMessage(text))
	}
	var wake []*memberRun
	for _, r := range targets {
		if r.stopped {
			continue
		}
		r.queue.Push(textMessage(text))
		if !r.running {
			r.running = true
			wake = append(wake, r)
			if m, ok := t.Member(r.id); ok {
				mm := cloneMember(*m)
				mm.Status = MemberWorking
				mm.CompletedAt = nil
				evs = append(evs, MemberUpdate{TeamID: t.ID, Member: mm})
			}
		}
	}
	evs = append([]Event{MessageAppended{TeamID: t.ID, Message: msg}}, evs...)
	c.commitAndUnlock(evs...)

	for _, r := range wake {
		c.logger.Debug("waking teammate", zap.String("name", r.name))
		c.launch(r, r.resume())
	}
	return msg, nil
}

func (c *Coordinator) leadName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lead.Name
}

// FormatMessage renders a team message for a recipient's conversation.
func FormatMessage(m Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<team-message from=%q type=%q>\n", m.From, m.Type)
	if m.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", m.Summary)
	}
	b.WriteString(m.Content)
	b.WriteString("\n</team-message>")
	return b.String()
}
