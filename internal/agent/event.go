package agent

import (
	"github.com/nidhogg/nuka-crew/internal/provider"
)

// EventType tags an Event on the wire.
type EventType string

const (
	EventLoopStart        EventType = "loop_start"
	EventIterationStart   EventType = "iteration_start"
	EventTextDelta        EventType = "text_delta"
	EventThinkingDelta    EventType = "thinking_delta"
	EventMessageEnd       EventType = "message_end"
	EventToolCallStart    EventType = "tool_call_start"
	EventApprovalNeeded   EventType = "tool_call_approval_needed"
	EventToolCallResult   EventType = "tool_call_result"
	EventIterationEnd     EventType = "iteration_end"
	EventMessagesInjected EventType = "messages_injected"
	EventError            EventType = "error"
	EventLoopEnd          EventType = "loop_end"
)

// EndReason says why a loop stopped.
type EndReason string

const (
	EndCompleted     EndReason = "completed"
	EndMaxIterations EndReason = "max_iterations"
	EndAborted       EndReason = "aborted"
	EndError         EndReason = "error"
)

// Event is one item of a loop's output stream. The set of implementations
// is closed; LoopEnd is always the last event of a stream.
type Event interface {
	Type() EventType
	isEvent()
}

type LoopStart struct {
	RunID string `json:"run_id,omitempty"`
	Agent string `json:"agent,omitempty"`
	Model string `json:"model"`
}

type IterationStart struct {
	Iteration int `json:"iteration"`
}

type TextDelta struct {
	Text string `json:"text"`
}

type ThinkingDelta struct {
	Text string `json:"text"`
}

// MessageEnd closes one model turn.
type MessageEnd struct {
	Usage      provider.Usage `json:"usage"`
	StopReason string         `json:"stop_reason"`
}

type ToolCallStart struct {
	Call ToolCallState `json:"call"`
}

// ToolCallApprovalNeeded is emitted before the loop suspends on the
// approval func for Call.
type ToolCallApprovalNeeded struct {
	Call ToolCallState `json:"call"`
}

type ToolCallResult struct {
	Call ToolCallState `json:"call"`
}

type IterationEnd struct {
	Iteration   int                     `json:"iteration"`
	StopReason  string                  `json:"stop_reason"`
	ToolResults []provider.ContentBlock `json:"tool_results,omitempty"`
}

// MessagesInjected reports queued messages appended at an iteration boundary.
type MessagesInjected struct {
	Messages []provider.Message `json:"messages"`
}

// Error is a diagnostic; the stream still ends with LoopEnd.
type Error struct {
	Message string `json:"message"`
}

type LoopEnd struct {
	Reason     EndReason      `json:"reason"`
	Iterations int            `json:"iterations"`
	Usage      provider.Usage `json:"usage"`
	Error      string         `json:"error,omitempty"`
}

func (LoopStart) Type() EventType              { return EventLoopStart }
func (IterationStart) Type() EventType         { return EventIterationStart }
func (TextDelta) Type() EventType              { return EventTextDelta }
func (ThinkingDelta) Type() EventType          { return EventThinkingDelta }
func (MessageEnd) Type() EventType             { return EventMessageEnd }
func (ToolCallStart) Type() EventType          { return EventToolCallStart }
func (ToolCallApprovalNeeded) Type() EventType { return EventApprovalNeeded }
func (ToolCallResult) Type() EventType         { return EventToolCallResult }
func (IterationEnd) Type() EventType           { return EventIterationEnd }
func (MessagesInjected) Type() EventType       { return EventMessagesInjected }
func (Error) Type() EventType                  { return EventError }
func (LoopEnd) Type() EventType                { return EventLoopEnd }

func (LoopStart) isEvent()              {}
func (IterationStart) isEvent()         {}
func (TextDelta) isEvent()              {}
func (ThinkingDelta) isEvent()          {}
func (MessageEnd) isEvent()             {}
func (ToolCallStart) isEvent()          {}
func (ToolCallApprovalNeeded) isEvent() {}
func (ToolCallResult) isEvent()         {}
func (IterationEnd) isEvent()           {}
func (MessagesInjected) isEvent()       {}
func (Error) isEvent()                  {}
func (LoopEnd) isEvent()                {}
