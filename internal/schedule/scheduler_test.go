package schedule

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/delivery"
	"github.com/nidhogg/nuka-crew/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureDeliverer struct {
	mu  sync.Mutex
	got []delivery.Message
}

func (c *captureDeliverer) Deliver(_ context.Context, msg *delivery.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, *msg)
	return nil
}

func (c *captureDeliverer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func newEngine(t *testing.T, turns ...testutil.Turn) (*agent.Engine, string, *bool) {
	t.Helper()
	e := agent.NewEngine(testutil.NewScriptedProvider(turns...), zap.NewNop())
	ran := new(bool)
	e.Tools().Register(agent.Tool{
		Name:             "deploy",
		RequiresApproval: true,
		Handler: func(context.Context, json.RawMessage, *agent.ToolContext) (string, error) {
			*ran = true
			return "deployed", nil
		},
	})
	a := &agent.Agent{Name: "reporter", SystemPrompt: "report"}
	e.Register(a)
	return e, a.ID, ran
}

func TestAddRejectsInvalidJobs(t *testing.T) {
	s := New(nil, nil, zap.NewNop())
	_, err := s.Add(Job{AgentID: "a", Spec: "not a spec", Prompt: "p"})
	assert.ErrorContains(t, err, "invalid cron spec")
	_, err = s.Add(Job{Spec: "@hourly", Prompt: "p"})
	assert.ErrorContains(t, err, "AgentID")
	_, err = s.Add(Job{AgentID: "a", Spec: "@hourly", Prompt: "p", Deliver: &Target{Platform: "slack"}})
	assert.ErrorContains(t, err, "Channel")

	j, err := s.Add(Job{AgentID: "a", Spec: "0 9 * * 1-5", Prompt: "p"})
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, DefaultTimeout, j.Timeout)
	require.Len(t, s.List(), 1)
	assert.True(t, s.Remove(j.ID))
	assert.False(t, s.Remove(j.ID))
}

func TestUnattendedRunDeniesGatedTools(t *testing.T) {
	e, agentID, ran := newEngine(t,
		testutil.Turn{ToolUses: []testutil.ToolUse{{Name: "deploy"}}},
		testutil.Turn{Text: "could not deploy"},
	)
	d := &captureDeliverer{}
	s := New(e, d, zap.NewNop())
	j, err := s.Add(Job{Name: "nightly", AgentID: agentID, Spec: "@daily", Prompt: "deploy it",
		Deliver: &Target{Platform: "slack", Channel: "C1"}})
	require.NoError(t, err)

	res, err := s.RunNow(context.Background(), j.ID)
	require.NoError(t, err)
	require.Len(t, res.Summary.ToolCalls, 1)
	assert.Equal(t, agent.ToolError, res.Summary.ToolCalls[0].Status)
	assert.Contains(t, res.Summary.ToolCalls[0].Error, "denied")
	assert.False(t, *ran)

	require.Len(t, d.got, 1)
	assert.Equal(t, delivery.Message{Platform: "slack", Channel: "C1", Title: "nightly", Content: "could not deploy"}, d.got[0])
	listed := s.List()[0]
	assert.Equal(t, res.RunID, listed.LastRunID)
	assert.Empty(t, listed.LastError)
}

func TestAutoApproveRunsGatedTools(t *testing.T) {
	e, agentID, ran := newEngine(t,
		testutil.Turn{ToolUses: []testutil.ToolUse{{Name: "deploy"}}},
		testutil.Turn{Text: "deployed"},
	)
	s := New(e, nil, zap.NewNop())
	j, err := s.Add(Job{AgentID: agentID, Spec: "@daily", Prompt: "deploy it", AutoApprove: true})
	require.NoError(t, err)

	res, err := s.RunNow(context.Background(), j.ID)
	require.NoError(t, err)
	require.Len(t, res.Summary.ToolCalls, 1)
	assert.Equal(t, agent.ToolCompleted, res.Summary.ToolCalls[0].Status)
	assert.Equal(t, "deployed", res.Content)
	assert.True(t, *ran)
}

func TestRunNowUnknownJob(t *testing.T) {
	s := New(nil, nil, zap.NewNop())
	_, err := s.RunNow(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCronFiresJob(t *testing.T) {
	e, agentID, _ := newEngine(t, testutil.Turn{Text: "tick"})
	d := &captureDeliverer{}
	s := New(e, d, zap.NewNop())
	_, err := s.Add(Job{AgentID: agentID, Spec: "@every 1s", Prompt: "tick",
		Deliver: &Target{Platform: "discord", Channel: "123"}})
	require.NoError(t, err)

	s.Start()
	defer s.Stop(context.Background())
	require.Eventually(t, func() bool { return d.count() > 0 }, 5*time.Second, 50*time.Millisecond)
}
