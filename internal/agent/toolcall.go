package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolCallStatus is the lifecycle position of a tool call.
type ToolCallStatus string

const (
	ToolPendingApproval ToolCallStatus = "pending_approval"
	ToolRunning         ToolCallStatus = "running"
	ToolCompleted       ToolCallStatus = "completed"
	ToolError           ToolCallStatus = "error"
)

// ToolCallState tracks one model-requested tool invocation.
type ToolCallState struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Input            json.RawMessage `json:"input,omitempty"`
	Status           ToolCallStatus  `json:"status"`
	Output           string          `json:"output,omitempty"`
	Error            string          `json:"error,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

var toolTransitions = map[ToolCallStatus][]ToolCallStatus{
	ToolPendingApproval: {ToolRunning, ToolError},
	ToolRunning:         {ToolCompleted, ToolError},
}

// Terminal reports whether the call reached completed or error.
func (c ToolCallState) Terminal() bool {
	return c.Status == ToolCompleted || c.Status == ToolError
}

func (c *ToolCallState) transition(to ToolCallStatus) error {
	for _, next := range toolTransitions[c.Status] {
		if next == to {
			c.Status = to
			now := time.Now()
			switch to {
			case ToolRunning:
				c.StartedAt = &now
			case ToolCompleted, ToolError:
				c.CompletedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("tool call %s: invalid transition %s -> %s", c.ID, c.Status, to)
}

// start moves a call to running.
func (c *ToolCallState) start() error {
	return c.transition(ToolRunning)
}

// finish records the outcome of a running or pending call.
func (c *ToolCallState) finish(res ToolResult) error {
	if res.IsError {
		if err := c.transition(ToolError); err != nil {
			return err
		}
		c.Error = res.Content
		return nil
	}
	if err := c.transition(ToolCompleted); err != nil {
		return err
	}
	c.Output = res.Content
	return nil
}
