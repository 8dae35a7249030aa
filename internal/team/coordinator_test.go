package team

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"github.com/nidhogg/nuka-crew/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	p    *testutil.ScriptedProvider
	reg  *agent.ToolRegistry
	loop *agent.Loop
	c    *Coordinator
	lead *agent.MessageQueue

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{p: testutil.NewScriptedProvider(testutil.Turn{Text: "default"}), reg: agent.NewToolRegistry(), lead: agent.NewMessageQueue()}
	h.reg.Register(agent.Tool{Name: "peek", ReadOnly: true, Handler: func(context.Context, json.RawMessage, *agent.ToolContext) (string, error) {
		return "ok", nil
	}})
	h.loop = agent.NewLoop(h.p, h.reg, zap.NewNop())
	h.c = NewCoordinator(h.loop, zap.NewNop())
	RegisterTools(h.reg, h.c)
	h.c.Bus().SubscribeAll(func(_ int, ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) create(t *testing.T) *Team {
	t.Helper()
	tm, err := h.c.Create("crew", "test team", Lead{Name: "lead", Queue: h.lead})
	require.NoError(t, err)
	return tm
}

func (h *harness) spawn(t *testing.T, ctx context.Context, name, role string) Member {
	t.Helper()
	m, err := h.c.Spawn(ctx, SpawnRequest{Name: name, SystemPrompt: role}, &agent.ToolContext{Approve: agent.AutoApprove})
	require.NoError(t, err)
	return m
}

func (h *harness) member(t *testing.T, name string) Member {
	t.Helper()
	snap := h.c.Snapshot()
	require.NotNil(t, snap)
	m, ok := snap.Member(name)
	require.True(t, ok, "member %s", name)
	return *m
}

// recorded waits for in-flight publishes and returns every event seen so far.
func (h *harness) recorded() []Event {
	h.c.pubMu.Lock()
	h.c.pubMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func peekTurns(n int) []testutil.Turn {
	turns := make([]testutil.Turn, n)
	for i := range turns {
		turns[i] = testutil.Turn{ToolUses: []testutil.ToolUse{{Name: "peek"}}}
	}
	return turns
}

func TestAwaitAndStatusWithTwoTeammates(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.p.Script("alpha-role", testutil.Turn{Text: "alpha report"})
	h.p.Script("beta-role", append(peekTurns(4), testutil.Turn{Text: "beta report", Gate: gate})...)
	h.create(t)

	a := h.spawn(t, context.Background(), "alpha", "alpha-role")
	b := h.spawn(t, context.Background(), "beta", "beta-role")

	r, err := h.c.Await(context.Background(), []string{a.ID}, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, r.TimedOut)
	assert.Empty(t, r.Pending)

	st, err := h.c.Status()
	require.NoError(t, err)
	assert.Contains(t, st.Idle, "alpha")
	assert.Contains(t, st.Working, "beta")

	done := make(chan Report, 1)
	go func() {
		r, err := h.c.Await(context.Background(), []string{a.ID, b.ID}, 5*time.Second)
		assert.NoError(t, err)
		done <- r
	}()
	select {
	case <-done:
		t.Fatal("await returned while beta was still working")
	case <-time.After(100 * time.Millisecond):
	}
	close(gate)

	select {
	case r := <-done:
		assert.False(t, r.TimedOut)
		assert.ElementsMatch(t, []string{"alpha", "beta"}, r.Idle)
	case <-time.After(5 * time.Second):
		t.Fatal("await did not resolve")
	}
	assert.Equal(t, 5, h.member(t, "beta").Iteration)
	assert.Equal(t, "beta report", h.member(t, "beta").Output)

	reports := h.lead.Drain()
	require.Len(t, reports, 2)
	assert.Contains(t, reports[0].Text(), "alpha report")
	assert.Contains(t, reports[1].Text(), `from="beta"`)
}

func TestAwaitUnknownMemberTimesOut(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	r, err := h.c.Await(context.Background(), []string{"ghost"}, 150*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, r.TimedOut)
	assert.Equal(t, []string{"ghost"}, r.Pending)
}

func TestAwaitWithoutTeam(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Await(context.Background(), nil, time.Second)
	assert.ErrorIs(t, err, ErrNoTeam)
	_, err = h.c.Status()
	assert.ErrorIs(t, err, ErrNoTeam)
}

func TestAbortedLeadStopsTeammates(t *testing.T) {
	h := newHarness(t)
	h.p.Script("beta-role", testutil.Turn{Text: "never", Gate: make(chan struct{})})
	h.create(t)

	ctx, cancel := context.WithCancelCause(context.Background())
	h.spawn(t, ctx, "beta", "beta-role")
	cancel(agent.ErrAborted)

	r, err := h.c.Await(context.Background(), nil, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, r.TimedOut)
	assert.Equal(t, []string{"beta"}, r.Stopped)
}

func TestFinishedLeadLeavesTeammatesRunning(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.p.Script("beta-role", testutil.Turn{Text: "finished anyway", Gate: gate})
	h.create(t)

	ctx, cancel := context.WithCancelCause(context.Background())
	h.spawn(t, ctx, "beta", "beta-role")
	cancel(agent.ErrRunFinished)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, MemberWorking, h.member(t, "beta").Status)
	close(gate)

	r, err := h.c.Await(context.Background(), nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, r.Idle)
}

func TestTargetedMessageReachesRunningTeammate(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.p.Script("alpha-role", testutil.Turn{Text: "first", Gate: gate}, testutil.Turn{Text: "second"})
	h.create(t)
	h.spawn(t, context.Background(), "alpha", "alpha-role")

	msg, err := h.c.SendMessage("lead", SendRequest{Recipient: "alpha", Content: "use the staging db", Summary: "db"})
	require.NoError(t, err)
	assert.Equal(t, "alpha", msg.To)
	close(gate)

	_, err = h.c.Await(context.Background(), nil, 5*time.Second)
	require.NoError(t, err)
	reqs := h.p.RequestsFor("alpha-role")
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Contains(t, last.Text(), "use the staging db")
	assert.Contains(t, last.Text(), `<team-message from="lead"`)

	_, err = h.c.SendMessage("lead", SendRequest{Recipient: "nobody", Content: "x"})
	assert.ErrorIs(t, err, ErrUnknownMember)
}

func TestTeammateFilesOwnApprovals(t *testing.T) {
	h := newHarness(t)
	h.reg.Register(agent.Tool{Name: "deploy", RequiresApproval: true, Handler: func(context.Context, json.RawMessage, *agent.ToolContext) (string, error) {
		return "deployed", nil
	}})
	h.p.Script("deployer-role",
		testutil.Turn{ToolUses: []testutil.ToolUse{{ID: "d1", Name: "deploy"}}},
		testutil.Turn{Text: "shipped"},
	)
	h.create(t)

	desk := agent.NewApprovals()
	parent := &agent.ToolContext{Approve: desk.Func("lead-run", "lead"), Approvals: desk}
	m, err := h.c.Spawn(context.Background(), SpawnRequest{Name: "deployer", SystemPrompt: "deployer-role"}, parent)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(desk.Pending()) == 1 }, 5*time.Second, 5*time.Millisecond)
	pending := desk.Pending()[0]
	assert.Equal(t, "deployer", pending.Agent)
	assert.NotEmpty(t, pending.RunID)
	assert.NotEqual(t, "lead-run", pending.RunID)
	require.True(t, desk.Resolve("d1", true))

	_, err = h.c.Await(context.Background(), []string{m.ID}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "shipped", h.member(t, "deployer").Output)
}

func TestMessageWakesIdleTeammate(t *testing.T) {
	h := newHarness(t)
	h.p.Script("alpha-role", testutil.Turn{Text: "alpha done"}, testutil.Turn{Text: "follow-up done"})
	h.create(t)
	a := h.spawn(t, context.Background(), "alpha", "alpha-role")
	_, err := h.c.Await(context.Background(), []string{a.ID}, 5*time.Second)
	require.NoError(t, err)

	_, err = h.c.SendMessage("lead", SendRequest{Recipient: "alpha", Content: "one more thing"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.member(t, "alpha").Output == "follow-up done" }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, MemberIdle, h.member(t, "alpha").Status)

	reqs := h.p.RequestsFor("alpha-role")
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, provider.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "alpha done", msgs[1].Text())
	assert.Contains(t, msgs[2].Text(), "one more thing")
}

func TestBroadcastSkipsSender(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	defer close(gate)
	h.p.Script("alpha-role", testutil.Turn{Text: "a", Gate: gate})
	h.p.Script("beta-role", testutil.Turn{Text: "b", Gate: gate})
	h.create(t)
	h.spawn(t, context.Background(), "alpha", "alpha-role")
	h.spawn(t, context.Background(), "beta", "beta-role")

	msg, err := h.c.SendMessage("alpha", SendRequest{Type: MsgBroadcast, Content: "heads up"})
	require.NoError(t, err)
	assert.Equal(t, Broadcast, msg.To)

	h.c.mu.Lock()
	var alphaQ, betaQ int
	for _, r := range h.c.members {
		switch r.name {
		case "alpha":
			alphaQ = r.queue.Len()
		case "beta":
			betaQ = r.queue.Len()
		}
	}
	h.c.mu.Unlock()
	assert.Equal(t, 0, alphaQ)
	assert.Equal(t, 1, betaQ)
	leadMsgs := h.lead.Drain()
	require.Len(t, leadMsgs, 1)
	assert.Contains(t, leadMsgs[0].Text(), "heads up")
}

func TestShutdownRequestStopsTeammate(t *testing.T) {
	h := newHarness(t)
	h.p.Script("beta-role", testutil.Turn{Text: "busy", Gate: make(chan struct{})})
	h.create(t)
	h.spawn(t, context.Background(), "beta", "beta-role")

	_, err := h.c.SendMessage("lead", SendRequest{Type: MsgShutdownRequest, Recipient: "beta", Content: "wrap up"})
	require.NoError(t, err)
	assert.Equal(t, MemberStopped, h.member(t, "beta").Status)

	msgs := h.c.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgShutdownRequest, msgs[0].Type)
	assert.Equal(t, MsgShutdownResponse, msgs[1].Type)
	assert.Equal(t, "beta", msgs[1].From)
	assert.Never(t, func() bool { return h.lead.Len() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestTaskBoardVersionsAndClaims(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.CreateTask("x", "", nil)
	assert.ErrorIs(t, err, ErrNoTeam)
	h.create(t)

	t1, err := h.c.CreateTask("schema", "design tables", nil)
	require.NoError(t, err)
	t2, err := h.c.CreateTask("api", "", []string{t1.ID})
	require.NoError(t, err)
	_, err = h.c.CreateTask("bad", "", []string{"99"})
	assert.Error(t, err)

	inProgress, completed := TaskInProgress, TaskCompleted
	_, err = h.c.UpdateTask(TaskPatch{TaskID: t2.ID, Status: &inProgress})
	assert.ErrorIs(t, err, ErrTaskBlocked)

	alpha, beta := "alpha", "beta"
	v1 := 1
	claimed, err := h.c.UpdateTask(TaskPatch{TaskID: t1.ID, Owner: &alpha, Status: &inProgress, ExpectedVersion: &v1})
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.Version)
	assert.Equal(t, "alpha", claimed.Owner)

	_, err = h.c.UpdateTask(TaskPatch{TaskID: t1.ID, Owner: &beta})
	assert.ErrorIs(t, err, ErrTaskConflict)
	_, err = h.c.UpdateTask(TaskPatch{TaskID: t1.ID, Status: &completed, ExpectedVersion: &v1})
	assert.ErrorIs(t, err, ErrTaskConflict)

	_, err = h.c.UpdateTask(TaskPatch{TaskID: t1.ID, Status: &completed})
	require.NoError(t, err)
	_, err = h.c.UpdateTask(TaskPatch{TaskID: t2.ID, Status: &inProgress, Owner: &beta})
	require.NoError(t, err)

	tasks, err := h.c.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskCompleted, tasks[0].Status)
	assert.Equal(t, 3, tasks[0].Version)
	assert.Equal(t, "beta", tasks[1].Owner)
}

func TestDeleteEndsTeamAndDropsLateEvents(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.p.Script("beta-role", testutil.Turn{Text: "late", Gate: gate})
	h.create(t)
	_, err := h.c.Create("again", "", Lead{})
	assert.ErrorIs(t, err, ErrTeamExists)
	h.spawn(t, context.Background(), "beta", "beta-role")
	_, err = h.c.CreateTask("t", "", nil)
	require.NoError(t, err)

	ended, err := h.c.Delete()
	require.NoError(t, err)
	require.NotNil(t, ended)
	assert.NotNil(t, ended.EndedAt)
	assert.Equal(t, MemberStopped, ended.Members[0].Status)
	assert.Nil(t, h.c.Snapshot())
	close(gate)

	time.Sleep(50 * time.Millisecond)
	evs := h.recorded()
	_, last := evs[len(evs)-1].(TeamEnd)
	assert.True(t, last, "nothing is published for a deleted team")

	_, err = h.c.Create("next", "", Lead{})
	require.NoError(t, err)
	assert.Len(t, h.c.History(), 1)
}

func TestReplayReproducesAggregate(t *testing.T) {
	h := newHarness(t)
	h.p.Script("alpha-role", testutil.Turn{ToolUses: []testutil.ToolUse{{Name: "peek"}}}, testutil.Turn{Text: "alpha done"})
	h.create(t)
	a := h.spawn(t, context.Background(), "alpha", "alpha-role")
	task, err := h.c.CreateTask("review", "", nil)
	require.NoError(t, err)
	owner, st := "alpha", TaskInProgress
	_, err = h.c.UpdateTask(TaskPatch{TaskID: task.ID, Owner: &owner, Status: &st})
	require.NoError(t, err)
	_, err = h.c.Await(context.Background(), []string{a.ID}, 5*time.Second)
	require.NoError(t, err)
	live, _ := json.Marshal(h.c.Snapshot())

	var decoded []Event
	for i, ev := range h.recorded() {
		env, err := EncodeEvent(i+1, ev)
		require.NoError(t, err)
		raw, err := json.Marshal(env)
		require.NoError(t, err)
		var back Envelope
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.Equal(t, ev.Team(), back.TeamID)
		dec, err := DecodeEvent(back)
		require.NoError(t, err)
		decoded = append(decoded, dec)
	}
	replayed, _ := json.Marshal(Replay(decoded).Live)
	assert.JSONEq(t, string(live), string(replayed))

	_, err = h.c.Delete()
	require.NoError(t, err)
	decoded = decoded[:0]
	for _, ev := range h.recorded() {
		env, _ := EncodeEvent(0, ev)
		dec, err := DecodeEvent(env)
		require.NoError(t, err)
		decoded = append(decoded, dec)
	}
	s := Replay(decoded)
	assert.Nil(t, s.Live)
	want, _ := json.Marshal(h.c.History())
	got, _ := json.Marshal(s.History)
	assert.JSONEq(t, string(want), string(got))
}

func TestStateDropsForeignEvents(t *testing.T) {
	var s State
	assert.False(t, s.Apply(MemberAdd{TeamID: "t1", Member: Member{ID: "m"}}))
	assert.True(t, s.Apply(TeamStart{TeamID: "t1", Name: "one"}))
	assert.False(t, s.Apply(TeamStart{TeamID: "t2"}))
	assert.False(t, s.Apply(TaskAdd{TeamID: "t2", Task: Task{ID: "1"}}))
	assert.False(t, s.Apply(MemberUpdate{TeamID: "t1", Member: Member{ID: "unknown"}}))
	assert.True(t, s.Apply(MemberAdd{TeamID: "t1", Member: Member{ID: "m", Name: "m"}}))
	assert.True(t, s.Apply(MemberRemove{TeamID: "t1", MemberID: "m"}))
	assert.Empty(t, s.Live.Members)
	assert.True(t, s.Apply(TeamEnd{TeamID: "t1", EndedAt: time.Now()}))
	assert.Nil(t, s.Live)
	assert.False(t, s.Apply(MessageAppended{TeamID: "t1"}))
	require.Len(t, s.History, 1)

	_, err := DecodeEvent(Envelope{Type: "team_bogus"})
	assert.Error(t, err)
}

func TestBusRecoversFromPanickingHandler(t *testing.T) {
	b := NewBus(zap.NewNop())
	var got []int
	b.Subscribe(EventTeamEnd, func(int, Event) { panic("boom") })
	id := b.SubscribeAll(func(seq int, _ Event) { got = append(got, seq) })
	b.Publish(1, TeamEnd{TeamID: "t"})
	b.Publish(2, TeamStart{TeamID: "t"})
	assert.Equal(t, []int{1, 2}, got)
	assert.True(t, b.Unsubscribe(id))
	b.Publish(3, TeamStart{TeamID: "t"})
	assert.Len(t, got, 2)
}

type memorySink struct {
	mu   sync.Mutex
	seqs []int
}

func (m *memorySink) RecordTeamEvent(_ context.Context, seq int, _ Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs = append(m.seqs, seq)
	return nil
}

func TestSinkReceivesEventsInOrder(t *testing.T) {
	h := newHarness(t)
	sink := &memorySink{}
	h.c.AddSink("memory", sink)
	h.create(t)
	for i := 0; i < 5; i++ {
		_, err := h.c.CreateTask("t", "", nil)
		require.NoError(t, err)
	}
	h.c.Close()
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, sink.seqs)
}

// gatedSink blocks its first write until released, then records.
type gatedSink struct {
	memorySink
	release chan struct{}
	once    sync.Once
}

func (g *gatedSink) RecordTeamEvent(ctx context.Context, seq int, ev Event) error {
	g.once.Do(func() { <-g.release })
	return g.memorySink.RecordTeamEvent(ctx, seq, ev)
}

func TestSlowSinkKeepsEveryEvent(t *testing.T) {
	h := newHarness(t)
	sink := &gatedSink{release: make(chan struct{})}
	h.c.AddSink("slow", sink)
	h.create(t)
	const tasks = 1500
	for i := 0; i < tasks; i++ {
		_, err := h.c.CreateTask("t", "", nil)
		require.NoError(t, err)
	}
	close(sink.release)
	h.c.Close()

	require.Len(t, sink.seqs, tasks+1)
	for i, seq := range sink.seqs {
		require.Equal(t, i+1, seq)
	}
}

type flakySink struct {
	memorySink
	failures int
}

func (f *flakySink) RecordTeamEvent(ctx context.Context, seq int, ev Event) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.memorySink.RecordTeamEvent(ctx, seq, ev)
}

func TestSinkRetriesFailedWrites(t *testing.T) {
	old := sinkRetryDelay
	sinkRetryDelay = time.Millisecond
	defer func() { sinkRetryDelay = old }()

	h := newHarness(t)
	sink := &flakySink{failures: 2}
	h.c.AddSink("flaky", sink)
	h.create(t)
	_, err := h.c.CreateTask("t", "", nil)
	require.NoError(t, err)
	h.c.Close()
	assert.Equal(t, []int{1, 2}, sink.seqs)
}

func TestFormatMessage(t *testing.T) {
	out := FormatMessage(Message{From: "alpha", Type: MsgMessage, Content: "hi", Summary: "greeting"})
	assert.True(t, strings.HasPrefix(out, `<team-message from="alpha" type="message">`))
	assert.Contains(t, out, "Summary: greeting")
}
