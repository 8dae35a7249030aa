package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-crew/internal/provider"
	"go.uber.org/zap"
)

var (
	// ErrAborted is the cancel cause of an explicit user abort.
	ErrAborted = errors.New("run aborted")
	// ErrRunFinished is the cancel cause used to release a run that ended
	// on its own. Work detached from the run, such as teammates, survives it.
	ErrRunFinished = errors.New("run finished")
)

// DefaultMaxIterations caps a loop when its config leaves the cap unset.
const DefaultMaxIterations = 25

// Streamer opens model streams. *provider.Router satisfies it.
type Streamer interface {
	RouteStream(ctx context.Context, agentID string, req *provider.ChatRequest) (<-chan *provider.StreamEvent, error)
}

// Config carries the per-run loop settings.
type Config struct {
	RunID         string
	AgentID       string
	AgentName     string
	Model         string
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
	// AllowedTools restricts the tool set; nil allows every registered tool.
	AllowedTools []string
	Queue        *MessageQueue
}

// Loop drives conversations between a model and a tool registry.
type Loop struct {
	models Streamer
	tools  *ToolRegistry
	logger *zap.Logger
}

// NewLoop creates a loop over the given model router and tools.
func NewLoop(models Streamer, tools *ToolRegistry, logger *zap.Logger) *Loop {
	return &Loop{models: models, tools: tools, logger: logger}
}

// Tools returns the loop's tool registry.
func (l *Loop) Tools() *ToolRegistry { return l.tools }

// Run starts one conversation and returns its event stream. The stream
// always ends with exactly one LoopEnd and is then closed; callers must
// drain it. Cancelling ctx aborts the run promptly.
func (l *Loop) Run(ctx context.Context, initial []provider.Message, cfg Config, tc *ToolContext, approve ApprovalFunc) <-chan Event {
	out := make(chan Event, 64)
	if tc == nil {
		tc = &ToolContext{}
	}
	base := *tc
	base.RunID = cfg.RunID
	base.AgentID = cfg.AgentID
	base.AgentName = cfg.AgentName
	base.Model = cfg.Model
	base.AllowedTools = cfg.AllowedTools
	base.Approve = approve
	base.Queue = cfg.Queue

	r := &loopRun{
		loop:    l,
		cfg:     cfg,
		tc:      &base,
		approve: approve,
		out:     out,
		msgs:    append([]provider.Message(nil), initial...),
		logger:  l.logger.With(zap.String("agent", cfg.AgentName), zap.String("run", cfg.RunID)),
	}
	if cfg.AllowedTools != nil {
		r.allowed = make(map[string]bool, len(cfg.AllowedTools))
		for _, name := range cfg.AllowedTools {
			r.allowed[name] = true
		}
	}
	go func() {
		defer close(out)
		r.run(ctx)
	}()
	return out
}

type loopRun struct {
	loop    *Loop
	cfg     Config
	tc      *ToolContext
	approve ApprovalFunc
	out     chan<- Event
	allowed map[string]bool
	logger  *zap.Logger

	msgs       []provider.Message
	iterations int
	usage      provider.Usage
}

func (r *loopRun) emit(ev Event) { r.out <- ev }

func (r *loopRun) run(ctx context.Context) {
	r.emit(LoopStart{RunID: r.cfg.RunID, Agent: r.cfg.AgentName, Model: r.cfg.Model})

	reason, err := r.iterate(ctx)
	end := LoopEnd{Reason: reason, Iterations: r.iterations, Usage: r.usage}
	if err != nil {
		end.Error = err.Error()
		r.emit(Error{Message: err.Error()})
		r.logger.Warn("loop failed", zap.Error(err))
	}
	r.logger.Debug("loop ended",
		zap.String("reason", string(reason)),
		zap.Int("iterations", r.iterations),
		zap.Int("tokens", r.usage.TotalTokens))
	r.emit(end)
}

func (r *loopRun) iterate(ctx context.Context) (EndReason, error) {
	max := r.cfg.MaxIterations
	if max <= 0 {
		max = DefaultMaxIterations
	}
	for {
		if ctx.Err() != nil {
			return EndAborted, nil
		}
		if r.iterations >= max {
			return EndMaxIterations, nil
		}
		r.iterations++
		r.emit(IterationStart{Iteration: r.iterations})

		resp, err := r.stream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return EndAborted, nil
			}
			return EndError, err
		}
		r.usage = r.usage.Add(resp.Usage)
		r.msgs = append(r.msgs, resp.Message)

		uses := resp.Message.ToolUses()
		var results []provider.ContentBlock
		if len(uses) > 0 {
			results = r.dispatch(ctx, uses)
			r.msgs = append(r.msgs, provider.Message{
				ID:        provider.NewMessageID(),
				Role:      provider.RoleUser,
				Content:   results,
				CreatedAt: time.Now(),
			})
		}
		r.emit(IterationEnd{Iteration: r.iterations, StopReason: resp.StopReason, ToolResults: results})
		r.logger.Debug("iteration complete",
			zap.Int("iteration", r.iterations),
			zap.Int("tool_calls", len(uses)))

		if ctx.Err() != nil {
			return EndAborted, nil
		}
		injected := r.drainQueue()
		if len(uses) == 0 && !injected {
			return EndCompleted, nil
		}
	}
}

func (r *loopRun) stream(ctx context.Context) (*provider.Response, error) {
	req := &provider.ChatRequest{
		Model:       r.cfg.Model,
		System:      r.cfg.SystemPrompt,
		Messages:    append([]provider.Message(nil), r.msgs...),
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
		Tools:       r.loop.tools.Definitions(r.cfg.AllowedTools),
	}
	ch, err := r.loop.models.RouteStream(ctx, r.cfg.AgentID, req)
	if err != nil {
		return nil, fmt.Errorf("open model stream: %w", err)
	}
	resp, err := provider.CollectFunc(ctx, ch, func(ev *provider.StreamEvent) {
		switch ev.Type {
		case provider.StreamTextDelta:
			r.emit(TextDelta{Text: ev.Text})
		case provider.StreamThinkingDelta:
			r.emit(ThinkingDelta{Text: ev.Text})
		case provider.StreamMessageEnd:
			r.emit(MessageEnd{Usage: ev.Usage, StopReason: ev.StopReason})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("model stream: %w", err)
	}
	return resp, nil
}

// dispatch runs the turn's tool calls in order and returns one result block
// per tool_use, aborted calls included.
func (r *loopRun) dispatch(ctx context.Context, uses []provider.ContentBlock) []provider.ContentBlock {
	results := make([]provider.ContentBlock, 0, len(uses))
	for _, use := range uses {
		call := r.execute(ctx, use)
		content := call.Output
		if call.Status == ToolError {
			content = call.Error
		}
		results = append(results, provider.ToolResultBlock(use.ID, content, call.Status == ToolError))
	}
	return results
}

func (r *loopRun) execute(ctx context.Context, use provider.ContentBlock) ToolCallState {
	call := ToolCallState{ID: use.ID, Name: use.Name, Input: use.Input, Status: ToolPendingApproval}
	tc := r.tc.forCall(use.ID)

	if ctx.Err() != nil {
		r.emit(ToolCallStart{Call: call})
		r.settle(&call, refusal(use.Name, "aborted before execution"))
		return call
	}
	if !r.permitted(use.Name) {
		r.emit(ToolCallStart{Call: call})
		r.settle(&call, errorResult(use.Name, fmt.Sprintf("tool %s is not available to this agent", use.Name)))
		return call
	}

	call.RequiresApproval = r.loop.tools.CheckRequiresApproval(use.Name, use.Input, tc)
	r.emit(ToolCallStart{Call: call})
	if call.RequiresApproval {
		r.emit(ToolCallApprovalNeeded{Call: call})
		approved := r.approve != nil && r.approve(ctx, call)
		if ctx.Err() != nil {
			r.settle(&call, refusal(use.Name, "aborted while waiting for approval"))
			return call
		}
		if !approved {
			r.logger.Debug("tool call denied", zap.String("tool", use.Name))
			r.settle(&call, refusal(use.Name, "the user denied permission to run this tool"))
			return call
		}
	}

	if err := call.start(); err != nil {
		r.logger.Error("tool call state", zap.Error(err))
	}
	res := r.loop.tools.Execute(ctx, use.Name, use.Input, tc)
	r.settle(&call, res)
	return call
}

func (r *loopRun) settle(call *ToolCallState, res ToolResult) {
	if err := call.finish(res); err != nil {
		r.logger.Error("tool call state", zap.Error(err))
	}
	r.emit(ToolCallResult{Call: *call})
}

func (r *loopRun) permitted(name string) bool {
	if r.allowed == nil || r.allowed[name] {
		return true
	}
	// Unknown names go through approval and fail as unknown tools.
	_, known := r.loop.tools.Get(name)
	return !known
}

// drainQueue appends queued messages at the iteration boundary.
func (r *loopRun) drainQueue() bool {
	if r.cfg.Queue == nil {
		return false
	}
	msgs := r.cfg.Queue.Drain()
	if len(msgs) == 0 {
		return false
	}
	for _, m := range msgs {
		last := len(r.msgs) - 1
		if m.Role == provider.RoleUser && last >= 0 && r.msgs[last].Role == provider.RoleUser {
			merged := append([]provider.ContentBlock(nil), r.msgs[last].Content...)
			r.msgs[last].Content = append(merged, m.Content...)
			continue
		}
		r.msgs = append(r.msgs, m)
	}
	r.emit(MessagesInjected{Messages: msgs})
	return true
}

func refusal(tool, reason string) ToolResult {
	b, _ := json.Marshal(map[string]interface{}{"error": reason, "tool": tool, "denied": true})
	return ToolResult{Content: string(b), IsError: true}
}
