package agent

import (
	"github.com/nidhogg/nuka-crew/internal/provider"
)

// Summary folds an event stream into the run's observable outcome. Applying
// a decoded copy of a stream yields the same Summary as the live stream.
type Summary struct {
	Output     string          `json:"output"`
	Iterations int             `json:"iterations"`
	ToolCalls  []ToolCallState `json:"tool_calls,omitempty"`
	Usage      provider.Usage  `json:"usage"`
	Reason     EndReason       `json:"reason,omitempty"`
	Error      string          `json:"error,omitempty"`
	Done       bool            `json:"done"`

	turn string
}

// Apply folds one event into the summary.
func (s *Summary) Apply(ev Event) {
	switch e := ev.(type) {
	case LoopStart:
	case IterationStart:
		s.Iterations = e.Iteration
		s.turn = ""
	case TextDelta:
		s.turn += e.Text
	case ThinkingDelta:
	case MessageEnd:
		s.Usage = s.Usage.Add(e.Usage)
		if s.turn != "" {
			s.Output = s.turn
		}
	case ToolCallStart:
		s.ToolCalls = append(s.ToolCalls, e.Call)
	case ToolCallApprovalNeeded:
		s.upsert(e.Call)
	case ToolCallResult:
		s.upsert(e.Call)
	case IterationEnd:
	case MessagesInjected:
	case Error:
		s.Error = e.Message
	case LoopEnd:
		s.Reason = e.Reason
		s.Iterations = e.Iterations
		if e.Error != "" {
			s.Error = e.Error
		}
		s.Done = true
	}
}

func (s *Summary) upsert(call ToolCallState) {
	for i := range s.ToolCalls {
		if s.ToolCalls[i].ID == call.ID {
			s.ToolCalls[i] = call
			return
		}
	}
	s.ToolCalls = append(s.ToolCalls, call)
}

// Succeeded reports whether the run ended without abort or error.
func (s *Summary) Succeeded() bool {
	return s.Done && (s.Reason == EndCompleted || s.Reason == EndMaxIterations)
}

// Snapshot returns a copy safe to hand to other goroutines.
func (s *Summary) Snapshot() Summary {
	return Summary{
		Output:     s.Output,
		Iterations: s.Iterations,
		ToolCalls:  append([]ToolCallState(nil), s.ToolCalls...),
		Usage:      s.Usage,
		Reason:     s.Reason,
		Error:      s.Error,
		Done:       s.Done,
	}
}
