package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nidhogg/nuka-crew/internal/provider"
)

// ToolHandler executes a tool call and returns the result as a string.
type ToolHandler func(ctx context.Context, input json.RawMessage, tc *ToolContext) (string, error)

// ApprovalPolicy decides per invocation whether a call needs approval.
type ApprovalPolicy func(input json.RawMessage, tc *ToolContext) bool

// Tool is a registered capability.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}

	// ReadOnly tools have no side effects and are auto-approved in sub-agents.
	ReadOnly bool
	// RequiresApproval is the static policy; Policy overrides it when set.
	RequiresApproval bool
	Policy           ApprovalPolicy
	// TopLevelOnly tools are withheld from sub-agents.
	TopLevelOnly bool

	Handler ToolHandler
}

// ToolResult is what a tool call feeds back to the model.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ToolRegistry holds available tools and their handlers.
type ToolRegistry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*Tool),
	}
}

// Register adds a tool, replacing any tool with the same name.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	tool := t
	r.tools[t.Name] = &tool
}

// Get returns a registered tool by name.
func (r *ToolRegistry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// IsReadOnly reports whether name is a registered read-only tool.
func (r *ToolRegistry) IsReadOnly(name string) bool {
	t, ok := r.Get(name)
	return ok && t.ReadOnly
}

// Definitions returns model-facing definitions for the allowed tools. A nil
// allow-list means every registered tool.
func (r *ToolRegistry) Definitions(allowed []string) []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.order
	if allowed != nil {
		names = allowed
	}
	var defs []provider.Tool
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		defs = append(defs, provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return defs
}

// CheckRequiresApproval reports whether this invocation must pass the
// approval gate. Unknown tools always do.
func (r *ToolRegistry) CheckRequiresApproval(name string, input json.RawMessage, tc *ToolContext) bool {
	t, ok := r.Get(name)
	if !ok {
		return true
	}
	if t.Policy != nil {
		return t.Policy(input, tc)
	}
	return t.RequiresApproval
}

// Execute runs a tool by name. Failures, panics and unknown names come back
// as structured error results; Execute itself never fails.
func (r *ToolRegistry) Execute(ctx context.Context, name string, input json.RawMessage, tc *ToolContext) (res ToolResult) {
	t, ok := r.Get(name)
	if !ok {
		return errorResult(name, fmt.Sprintf("unknown tool: %s", name))
	}
	defer func() {
		if p := recover(); p != nil {
			res = errorResult(name, fmt.Sprintf("tool panicked: %v", p))
		}
	}()
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	out, err := t.Handler(ctx, input, tc)
	if err != nil {
		return errorResult(name, err.Error())
	}
	return ToolResult{Content: out}
}

func errorResult(tool, msg string) ToolResult {
	b, _ := json.Marshal(map[string]string{"error": msg, "tool": tool})
	return ToolResult{Content: string(b), IsError: true}
}

// Schema is a small helper for JSON-schema object literals.
func Schema(required []string, props map[string]interface{}) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// Prop describes one schema property.
func Prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}
