package team

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"github.com/nidhogg/nuka-crew/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func use(name, input string) testutil.ToolUse {
	return testutil.ToolUse{Name: name, Input: json.RawMessage(input)}
}

func TestLeadDrivesTeamThroughTools(t *testing.T) {
	h := newHarness(t)
	h.p.Script("lead-role",
		testutil.Turn{ToolUses: []testutil.ToolUse{
			use(ToolTeamCreate, `{"name":"crew"}`),
			use(ToolTaskCreate, `{"description":"no subject"}`),
			use(ToolTaskCreate, `{"subject":"review"}`),
		}},
		testutil.Turn{ToolUses: []testutil.ToolUse{
			use(ToolSpawnTeammate, `{"name":"alpha","systemPrompt":"alpha-role","prompt":"review the code"}`),
		}},
		testutil.Turn{ToolUses: []testutil.ToolUse{use(ToolTeamAwait, `{"timeoutSeconds":5}`)}},
		testutil.Turn{Text: "all done"},
	)
	h.p.Script("alpha-role", testutil.Turn{Text: "alpha report"})

	cfg := agent.Config{RunID: "lead-run", AgentName: "lead", SystemPrompt: "lead-role", Queue: h.lead}
	events := testutil.Drain(h.loop.Run(context.Background(),
		[]provider.Message{provider.NewTextMessage(provider.RoleUser, "ship it")}, cfg, nil, agent.AutoApprove))

	end, ok := events[len(events)-1].(agent.LoopEnd)
	require.True(t, ok)
	assert.Equal(t, agent.EndCompleted, end.Reason)

	var results []agent.ToolCallState
	injected := ""
	for _, ev := range events {
		switch e := ev.(type) {
		case agent.ToolCallResult:
			results = append(results, e.Call)
		case agent.MessagesInjected:
			for _, m := range e.Messages {
				injected += m.Text()
			}
		}
	}
	require.Len(t, results, 5)
	assert.Equal(t, agent.ToolCompleted, results[0].Status)
	assert.Equal(t, agent.ToolError, results[1].Status)
	assert.Contains(t, results[1].Error, "Subject fails required")
	assert.Equal(t, agent.ToolCompleted, results[2].Status)
	assert.Equal(t, agent.ToolCompleted, results[3].Status)
	assert.Contains(t, results[4].Output, `"idle":["alpha"]`)
	assert.Contains(t, injected, "alpha report")

	snap := h.c.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "lead", snap.Lead)
	require.Len(t, snap.Tasks, 1)

	reqs := h.p.RequestsFor("alpha-role")
	require.NotEmpty(t, reqs)
	var names []string
	for _, def := range reqs[0].Tools {
		names = append(names, def.Function.Name)
	}
	assert.Contains(t, names, "peek")
	assert.Contains(t, names, ToolTaskUpdate)
	assert.NotContains(t, names, ToolTeamCreate)
	assert.NotContains(t, names, ToolSpawnTeammate)
	assert.NotContains(t, names, ToolTeamAwait)
}

func TestTaskUpdateToolClaimsForCaller(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	_, err := h.c.CreateTask("review", "", nil)
	require.NoError(t, err)

	tool, ok := h.reg.Get(ToolTaskUpdate)
	require.True(t, ok)
	out, err := tool.Handler(context.Background(), json.RawMessage(`{"taskId":"1","status":"in_progress"}`), &agent.ToolContext{AgentName: "alpha"})
	require.NoError(t, err)
	var task Task
	require.NoError(t, json.Unmarshal([]byte(out), &task))
	assert.Equal(t, "alpha", task.Owner)
	assert.Equal(t, TaskInProgress, task.Status)

	_, err = tool.Handler(context.Background(), json.RawMessage(`{"taskId":"1","status":"done"}`), nil)
	assert.ErrorContains(t, err, "oneof")
	_, err = tool.Handler(context.Background(), json.RawMessage(`{"taskId":"1","status":"in_progress"}`), &agent.ToolContext{AgentName: "beta"})
	assert.ErrorIs(t, err, ErrTaskConflict)
}

func TestSendMessageToolValidation(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	tool, ok := h.reg.Get(ToolTeamSendMessage)
	require.True(t, ok)

	_, err := tool.Handler(context.Background(), json.RawMessage(`{"type":"message","content":"hi"}`), nil)
	assert.ErrorContains(t, err, "Recipient fails required_if")
	_, err = tool.Handler(context.Background(), json.RawMessage(`{"type":"shout","content":"hi"}`), nil)
	assert.ErrorContains(t, err, "oneof")

	out, err := tool.Handler(context.Background(), json.RawMessage(`{"type":"broadcast","content":"hi"}`), nil)
	require.NoError(t, err)
	assert.Contains(t, out, `"to":"all"`)
}

func TestSpawnToolRejectsBadNames(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	tool, ok := h.reg.Get(ToolSpawnTeammate)
	require.True(t, ok)

	_, err := tool.Handler(context.Background(), json.RawMessage(`{"name":"a/b","systemPrompt":"x"}`), nil)
	assert.ErrorContains(t, err, "excludesall")
	_, err = tool.Handler(context.Background(), json.RawMessage(`{"name":"all","systemPrompt":"x"}`), nil)
	assert.ErrorContains(t, err, "invalid teammate name")
	_, err = tool.Handler(context.Background(), json.RawMessage(`{"name":"lead","systemPrompt":"x"}`), nil)
	assert.ErrorContains(t, err, "invalid teammate name")
}
