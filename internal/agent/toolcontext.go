package agent

import (
	"context"
	"encoding/json"
)

// Host is the bridge to filesystem, shell and network side effects. Tools
// reach the outside world only through it.
type Host interface {
	Invoke(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error)
	Send(name string, args map[string]interface{})
	Subscribe(event string, cb func(payload interface{})) (unsubscribe func())
}

// ToolContext is what a tool handler sees of the loop that called it.
type ToolContext struct {
	SessionID        string
	RunID            string
	WorkingFolder    string
	Host             Host
	CurrentToolUseID string

	// Calling loop. AgentID is the provider binding key, AgentName the
	// display name used as a message sender.
	AgentID      string
	AgentName    string
	Model        string
	AllowedTools []string
	Approve      ApprovalFunc
	Queue        *MessageQueue
	Depth        int
	// Approvals is the desk behind Approve when the run answers approvals
	// through it. Loops started on the run's behalf file their own requests
	// there.
	Approvals *Approvals
}

// forCall copies tc for one tool invocation.
func (tc *ToolContext) forCall(useID string) *ToolContext {
	c := *tc
	c.CurrentToolUseID = useID
	return &c
}
