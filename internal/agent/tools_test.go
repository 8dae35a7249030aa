package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nidhogg/nuka-crew/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	calls []string
	args  []map[string]interface{}
}

func (h *fakeHost) Invoke(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	h.calls = append(h.calls, name)
	h.args = append(h.args, args)
	return json.RawMessage(`{"ok":true}`), nil
}

func (h *fakeHost) Send(string, map[string]interface{}) {}

func (h *fakeHost) Subscribe(string, func(interface{})) func() { return func() {} }

func TestRegistryExecuteRecoversPanics(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(Tool{Name: "boom", Handler: func(context.Context, json.RawMessage, *ToolContext) (string, error) {
		panic("kaboom")
	}})
	res := reg.Execute(context.Background(), "boom", nil, &ToolContext{})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "kaboom")

	res = reg.Execute(context.Background(), "missing", nil, &ToolContext{})
	assert.True(t, res.IsError)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.Content), &body))
	assert.Equal(t, "missing", body["tool"])
}

func TestRegistryApprovalPolicy(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(Tool{Name: "plain"})
	reg.Register(Tool{Name: "gated", RequiresApproval: true})
	reg.Register(Tool{Name: "dynamic", Policy: func(input json.RawMessage, tc *ToolContext) bool {
		return string(input) == `{"rm":true}`
	}})

	assert.False(t, reg.CheckRequiresApproval("plain", nil, nil))
	assert.True(t, reg.CheckRequiresApproval("gated", nil, nil))
	assert.True(t, reg.CheckRequiresApproval("dynamic", json.RawMessage(`{"rm":true}`), nil))
	assert.False(t, reg.CheckRequiresApproval("dynamic", json.RawMessage(`{}`), nil))
	assert.True(t, reg.CheckRequiresApproval("unknown", nil, nil))
	assert.Equal(t, []string{"plain", "gated", "dynamic"}, reg.Names())
}

func TestBuiltinToolsUseHost(t *testing.T) {
	reg := NewToolRegistry()
	RegisterBuiltinTools(reg)
	host := &fakeHost{}
	tc := &ToolContext{Host: host, WorkingFolder: "/work"}

	res := reg.Execute(context.Background(), "read_file", json.RawMessage(`{"path":"a.txt"}`), tc)
	assert.False(t, res.IsError, res.Content)
	res = reg.Execute(context.Background(), "run_command", json.RawMessage(`{"command":"ls"}`), tc)
	assert.False(t, res.IsError, res.Content)

	assert.Equal(t, []string{HostFSRead, HostShellExec}, host.calls)
	assert.Equal(t, "/work/a.txt", host.args[0]["path"])
	assert.Equal(t, "/work", host.args[1]["cwd"])
	assert.Equal(t, 60, host.args[1]["timeout"])

	assert.True(t, reg.IsReadOnly("list_dir"))
	assert.False(t, reg.IsReadOnly("write_file"))
	assert.True(t, reg.CheckRequiresApproval("write_file", nil, tc))

	res = reg.Execute(context.Background(), "read_file", json.RawMessage(`{"path":"a"}`), &ToolContext{})
	assert.True(t, res.IsError)
}

func TestCorrelatorResolveBeforeWait(t *testing.T) {
	c := NewCorrelator[bool]()
	ticket := c.Register("x")
	assert.True(t, c.Resolve("x", true))
	v, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, v)
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Resolve("x", true))
}

func TestCorrelatorWaitCancelled(t *testing.T) {
	c := NewCorrelator[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	v, err := c.Await(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, v)
	assert.Equal(t, 0, c.Len())
}

func TestApprovalsDesk(t *testing.T) {
	desk := NewApprovals()
	fn := desk.Func("run-1", "lead")
	decided := make(chan bool, 1)
	go func() {
		decided <- fn(context.Background(), ToolCallState{ID: "c1", Name: "danger"})
	}()

	require.Eventually(t, func() bool { return len(desk.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	p := desk.Pending()[0]
	assert.Equal(t, "run-1", p.RunID)
	assert.Equal(t, "lead", p.Agent)
	assert.True(t, desk.Resolve("c1", false))
	assert.False(t, <-decided)
	assert.Empty(t, desk.Pending())
}

func TestMessageQueueOrder(t *testing.T) {
	q := NewMessageQueue()
	q.PushText("a")
	q.PushText("b")
	q.PushText("c")
	assert.Equal(t, 3, q.Len())
	got := q.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Text())
	assert.Equal(t, "c", got[2].Text())
	assert.NotEmpty(t, got[0].ID)
	assert.Empty(t, q.Drain())

	q.Push(provider.Message{Role: provider.RoleUser, Content: []provider.ContentBlock{provider.TextBlock("bare")}})
	assert.NotEmpty(t, q.Drain()[0].ID)
}

func TestToolCallTransitions(t *testing.T) {
	c := ToolCallState{ID: "x", Status: ToolPendingApproval}
	require.NoError(t, c.start())
	require.NoError(t, c.finish(ToolResult{Content: "ok"}))
	assert.True(t, c.Terminal())
	assert.Error(t, c.start())

	p := ToolCallState{ID: "y", Status: ToolPendingApproval}
	assert.Error(t, p.finish(ToolResult{Content: "ok"}))
	require.NoError(t, p.finish(ToolResult{Content: "no", IsError: true}))
	assert.Equal(t, ToolError, p.Status)
}
