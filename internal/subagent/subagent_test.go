package subagent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/knowledge"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"github.com/nidhogg/nuka-crew/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	p      *testutil.ScriptedProvider
	reg    *agent.ToolRegistry
	loop   *agent.Loop
	defs   *Registry
	runner *Runner
	writes int
}

func newFixture() *fixture {
	f := &fixture{p: testutil.NewScriptedProvider(), reg: agent.NewToolRegistry(), defs: NewRegistry()}
	f.reg.Register(agent.Tool{Name: "peek", ReadOnly: true, Handler: func(context.Context, json.RawMessage, *agent.ToolContext) (string, error) {
		return "seen", nil
	}})
	f.reg.Register(agent.Tool{Name: "write", RequiresApproval: true, Handler: func(context.Context, json.RawMessage, *agent.ToolContext) (string, error) {
		f.writes++
		return "written", nil
	}})
	knowledge.RegisterTool(f.reg, knowledge.NewMemoryRetriever())
	f.loop = agent.NewLoop(f.p, f.reg, zap.NewNop())
	f.runner = NewRunner(f.loop, f.defs, zap.NewNop())
	f.runner.RegisterTool(f.reg)
	return f
}

func TestSubAgentSingleIterationWithReadOnlyTool(t *testing.T) {
	f := newFixture()
	f.p.Script("SUB", testutil.Turn{Text: "peeking", ToolUses: []testutil.ToolUse{{Name: "peek"}}})
	def := &Definition{Name: "scout", Prompt: "SUB scout", Tools: []string{"peek"}, MaxIterations: 1}

	res := f.runner.Run(context.Background(), def, "look around", &agent.ToolContext{Approve: agent.DenyAll})
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, res.ToolCallCount)
	assert.Equal(t, "peeking", res.Output)
}

func TestSubAgentToolNarrowing(t *testing.T) {
	f := newFixture()
	f.p.Script("SUB", testutil.Turn{Text: "ok"})
	def := &Definition{Name: "n", Prompt: "SUB", Tools: []string{"peek", "write", "missing"}}

	f.runner.Run(context.Background(), def, "go", &agent.ToolContext{AllowedTools: []string{"peek", ToolName}})
	reqs := f.p.RequestsFor("SUB")
	require.Len(t, reqs, 1)
	var names []string
	for _, d := range reqs[0].Tools {
		names = append(names, d.Function.Name)
	}
	assert.Equal(t, []string{"peek", knowledge.ToolName}, names)
}

func TestSubAgentInheritsParentToolsMinusTask(t *testing.T) {
	f := newFixture()
	got := f.runner.narrow(nil, nil)
	assert.ElementsMatch(t, []string{"peek", "write", knowledge.ToolName}, got)
}

func TestSubAgentBubblesApproval(t *testing.T) {
	f := newFixture()
	f.p.Script("SUB",
		testutil.Turn{ToolUses: []testutil.ToolUse{{ID: "p", Name: "peek"}, {ID: "w", Name: "write"}}},
		testutil.Turn{Text: "done"},
	)
	var mu sync.Mutex
	var asked []string
	parent := func(ctx context.Context, call agent.ToolCallState) bool {
		mu.Lock()
		asked = append(asked, call.Name)
		mu.Unlock()
		return true
	}
	def := &Definition{Name: "w", Prompt: "SUB"}
	res := f.runner.Run(context.Background(), def, "write it", &agent.ToolContext{Approve: parent})

	assert.True(t, res.Success)
	assert.Equal(t, []string{"write"}, asked)
	assert.Equal(t, 1, f.writes)
	assert.Equal(t, 2, res.ToolCallCount)
}

func TestSubAgentCancelledByParent(t *testing.T) {
	f := newFixture()
	gate := make(chan struct{})
	f.p.Script("SUB", testutil.Turn{Text: "working", Gate: gate})
	ctx, cancel := context.WithCancelCause(context.Background())
	f.runner.Observe = func(_ string, ev agent.Event) {
		if _, ok := ev.(agent.TextDelta); ok {
			cancel(agent.ErrAborted)
		}
	}
	res := f.runner.Run(ctx, &Definition{Name: "slow", Prompt: "SUB"}, "wait", nil)
	assert.False(t, res.Success)
	assert.Equal(t, string(agent.EndAborted), res.Error)
}

func TestTaskToolRunsSubAgent(t *testing.T) {
	f := newFixture()
	f.defs.Add(&Definition{Name: "explore", Prompt: "SUB explorer", Tools: []string{"peek"}})
	f.p.Script("SUB", testutil.Turn{Text: "found it"})
	f.p.Script("LEAD",
		testutil.Turn{ToolUses: []testutil.ToolUse{{ID: "t1", Name: ToolName, Input: map[string]string{"subagent_type": "explore", "prompt": "find it"}}}},
		testutil.Turn{Text: "summary"},
	)
	events := testutil.Drain(f.loop.Run(context.Background(),
		[]provider.Message{provider.NewTextMessage(provider.RoleUser, "go")},
		agent.Config{SystemPrompt: "LEAD"}, nil, agent.AutoApprove))

	var result *agent.ToolCallResult
	for _, ev := range events {
		if r, ok := ev.(agent.ToolCallResult); ok {
			result = &r
		}
	}
	require.NotNil(t, result)
	var res Result
	require.NoError(t, json.Unmarshal([]byte(result.Call.Output), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "found it", res.Output)

	subReq := f.p.RequestsFor("SUB")[0]
	for _, d := range subReq.Tools {
		assert.NotEqual(t, ToolName, d.Function.Name)
	}
}

func TestTaskToolUnknownType(t *testing.T) {
	f := newFixture()
	res := f.reg.Execute(context.Background(), ToolName, json.RawMessage(`{"subagent_type":"nope","prompt":"x"}`), &agent.ToolContext{})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "unknown sub-agent type")
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reviewer.md"), []byte(`---
description: Reviews diffs
tools: [read_file, list_dir]
model: small-model
max_iterations: 4
---
You review code.
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := LoadFromDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	d := defs[0]
	assert.Equal(t, "reviewer", d.Name)
	assert.Equal(t, []string{"read_file", "list_dir"}, d.Tools)
	assert.Equal(t, "small-model", d.Model)
	assert.Equal(t, 4, d.MaxIterations)
	assert.Equal(t, "You review code.", d.Prompt)
	assert.Equal(t, "file", d.Source)

	defs, err = LoadFromDir(filepath.Join(dir, "absent"))
	assert.NoError(t, err)
	assert.Empty(t, defs)

	_, err = Parse([]byte("---\nname: x\n"))
	assert.Error(t, err)
}

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	d, err := r.Get("explore")
	require.NoError(t, err)
	assert.Equal(t, "builtin", d.Source)
	assert.Contains(t, r.Catalog(), "general")
	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownDefinition)
}
