package subagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/knowledge"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"go.uber.org/zap"
)

// DefaultMaxIterations caps a sub-agent whose definition leaves it unset.
const DefaultMaxIterations = 10

// Result is the folded outcome of one sub-agent run.
type Result struct {
	Success       bool           `json:"success"`
	Output        string         `json:"output"`
	ToolCallCount int            `json:"tool_call_count"`
	Iterations    int            `json:"iterations"`
	Usage         provider.Usage `json:"usage"`
	Error         string         `json:"error,omitempty"`
}

// Runner executes sub-agents on a shared loop.
type Runner struct {
	loop   *agent.Loop
	defs   *Registry
	logger *zap.Logger

	// Observe, when set, sees every inner event.
	Observe func(def string, ev agent.Event)
}

// NewRunner creates a runner over loop's tool registry.
func NewRunner(loop *agent.Loop, defs *Registry, logger *zap.Logger) *Runner {
	return &Runner{loop: loop, defs: defs, logger: logger}
}

// Run executes def with prompt as its task. Cancelling ctx cancels the
// sub-agent; Run returns only after the inner loop has ended.
func (r *Runner) Run(ctx context.Context, def *Definition, prompt string, tc *agent.ToolContext) Result {
	if tc == nil {
		tc = &agent.ToolContext{}
	}
	inner, cancel := context.WithCancelCause(ctx)
	defer cancel(agent.ErrRunFinished)

	cfg := agent.Config{
		RunID:         uuid.New().String(),
		AgentID:       tc.AgentID,
		AgentName:     def.Name,
		Model:         def.Model,
		SystemPrompt:  def.Prompt,
		Temperature:   def.Temperature,
		MaxIterations: def.MaxIterations,
		AllowedTools:  r.narrow(tc.AllowedTools, def.Tools),
	}
	if cfg.Model == "" {
		cfg.Model = tc.Model
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	child := &agent.ToolContext{
		SessionID:     tc.SessionID,
		WorkingFolder: tc.WorkingFolder,
		Host:          tc.Host,
		Depth:         tc.Depth + 1,
	}
	log := r.logger.With(zap.String("subagent", def.Name), zap.String("run", cfg.RunID))
	log.Debug("sub-agent started", zap.Strings("tools", cfg.AllowedTools))

	msgs := []provider.Message{provider.NewTextMessage(provider.RoleUser, prompt)}
	var s agent.Summary
	for ev := range r.loop.Run(inner, msgs, cfg, child, r.approval(tc.Approve)) {
		s.Apply(ev)
		if r.Observe != nil {
			r.Observe(def.Name, ev)
		}
		if _, ok := ev.(agent.LoopEnd); ok {
			cancel(agent.ErrRunFinished)
		}
	}

	res := Result{
		Success:       s.Succeeded(),
		Output:        s.Output,
		ToolCallCount: len(s.ToolCalls),
		Iterations:    s.Iterations,
		Usage:         s.Usage,
		Error:         s.Error,
	}
	if !res.Success && res.Error == "" {
		res.Error = string(s.Reason)
	}
	log.Debug("sub-agent finished",
		zap.Bool("success", res.Success),
		zap.Int("iterations", res.Iterations),
		zap.Int("tool_calls", res.ToolCallCount))
	return res
}

// approval auto-approves read-only tools and hands the rest to the parent.
func (r *Runner) approval(parent agent.ApprovalFunc) agent.ApprovalFunc {
	tools := r.loop.Tools()
	return func(ctx context.Context, call agent.ToolCallState) bool {
		if tools.IsReadOnly(call.Name) {
			return true
		}
		if parent == nil {
			return false
		}
		return parent(ctx, call)
	}
}

// narrow intersects the parent's tools with the definition's list, adds
// knowledge_lookup and strips top-level-only tools.
func (r *Runner) narrow(parent, def []string) []string {
	tools := r.loop.Tools()
	if parent == nil {
		parent = tools.Names()
	}
	inParent := make(map[string]bool, len(parent))
	for _, n := range parent {
		inParent[n] = true
	}
	candidates := append([]string(nil), parent...)
	if len(def) > 0 {
		candidates = nil
		for _, n := range def {
			if inParent[n] {
				candidates = append(candidates, n)
			}
		}
	}
	out := make([]string, 0, len(candidates)+1)
	seen := make(map[string]bool)
	for _, n := range append(candidates, knowledge.ToolName) {
		t, ok := tools.Get(n)
		if !ok || t.TopLevelOnly || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// ToolName is the delegation tool exposed to top-level agents.
const ToolName = "Task"

// RegisterTool adds the Task tool, which runs a sub-agent and returns its
// Result as JSON.
func (r *Runner) RegisterTool(reg *agent.ToolRegistry) {
	reg.Register(agent.Tool{
		Name: ToolName,
		Description: "Delegate a self-contained task to a sub-agent and wait for its report. Available types:\n" +
			r.defs.Catalog(),
		Parameters: agent.Schema([]string{"subagent_type", "prompt"}, map[string]interface{}{
			"subagent_type": agent.Prop("string", "Which sub-agent to run"),
			"prompt":        agent.Prop("string", "The full task for the sub-agent"),
			"description":   agent.Prop("string", "A few words describing the task"),
		}),
		TopLevelOnly: true,
		Handler: func(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) (string, error) {
			var p struct {
				Type   string `json:"subagent_type"`
				Prompt string `json:"prompt"`
			}
			if err := json.Unmarshal(input, &p); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if p.Prompt == "" {
				return "", fmt.Errorf("prompt is required")
			}
			def, err := r.defs.Get(p.Type)
			if err != nil {
				return "", err
			}
			res := r.Run(ctx, def, p.Prompt, tc)
			b, err := json.Marshal(res)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	})
}
