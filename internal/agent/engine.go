package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"go.uber.org/zap"
)

// ErrAgentNotFound is returned when an agent ID doesn't exist.
var ErrAgentNotFound = fmt.Errorf("agent not found")

// ErrRunNotFound is returned when a run ID doesn't exist.
var ErrRunNotFound = fmt.Errorf("run not found")

// DefaultRunRetention is how many finished runs an engine keeps in memory.
const DefaultRunRetention = 200

// sinkTimeout bounds one event write. Writes outlive the run's own
// context so an aborted run still records its terminal event.
const sinkTimeout = 10 * time.Second

// EventSink receives every event of every run, in order per run.
type EventSink interface {
	RecordRunEvent(ctx context.Context, runID string, seq int, ev Event) error
}

// Persister stores agent profiles.
type Persister interface {
	SaveAgent(ctx context.Context, a *Agent) error
}

// Engine manages agent profiles and their runs.
type Engine struct {
	agents    map[string]*Agent
	runs      map[string]*Run
	finished  []string
	retention int
	loop      *Loop
	tools     *ToolRegistry
	approvals *Approvals
	host      Host
	sink      EventSink
	persister Persister
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewEngine creates a new agent engine.
func NewEngine(models Streamer, logger *zap.Logger) *Engine {
	tools := NewToolRegistry()
	RegisterBuiltinTools(tools)
	return &Engine{
		agents:    make(map[string]*Agent),
		runs:      make(map[string]*Run),
		retention: DefaultRunRetention,
		loop:      NewLoop(models, tools, logger),
		tools:     tools,
		approvals: NewApprovals(),
		logger:    logger,
	}
}

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *ToolRegistry { return e.tools }

// Loop returns the loop shared by all runs of this engine.
func (e *Engine) Loop() *Loop { return e.loop }

// Approvals returns the desk where pending approvals are answered.
func (e *Engine) Approvals() *Approvals { return e.approvals }

// SetHost sets the side-effect bridge handed to tools.
func (e *Engine) SetHost(h Host) { e.host = h }

// SetEventSink records every run event to s.
func (e *Engine) SetEventSink(s EventSink) { e.sink = s }

// SetPersister stores registered agents through p.
func (e *Engine) SetPersister(p Persister) { e.persister = p }

// SetRunRetention caps how many finished runs stay in memory. Older runs
// are dropped oldest first; n <= 0 keeps none.
func (e *Engine) SetRunRetention(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retention = n
	e.evictLocked()
}

// Register adds an agent to the engine. It fills in a's ID and timestamps;
// the engine keeps its own copy.
func (e *Engine) Register(a *Agent) {
	e.mu.Lock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.UpdatedAt = time.Now()
	a.Status = StatusIdle
	e.agents[a.ID] = a.clone()
	e.mu.Unlock()

	e.logger.Info("registered agent",
		zap.String("id", a.ID),
		zap.String("name", a.Name))
	if e.persister != nil {
		if err := e.persister.SaveAgent(context.Background(), a); err != nil {
			e.logger.Warn("persist agent failed", zap.String("id", a.ID), zap.Error(err))
		}
	}
}

// Get returns a copy of an agent by ID.
func (e *Engine) Get(id string) (*Agent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[id]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// List returns copies of all registered agents.
func (e *Engine) List() []*Agent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	result := make([]*Agent, 0, len(e.agents))
	for _, a := range e.agents {
		result = append(result, a.clone())
	}
	return result
}

// RunOption customizes StartRun.
type RunOption func(*runOptions)

type runOptions struct {
	approve ApprovalFunc
	history []provider.Message
	session string
}

// WithApproval replaces the approval desk for this run.
func WithApproval(fn ApprovalFunc) RunOption {
	return func(o *runOptions) { o.approve = fn }
}

// WithHistory prepends earlier conversation turns.
func WithHistory(msgs []provider.Message) RunOption {
	return func(o *runOptions) { o.history = msgs }
}

// WithSession tags the run's tool context with a session id.
func WithSession(id string) RunOption {
	return func(o *runOptions) { o.session = id }
}

// StartRun launches a loop for agentID in the background. The run is
// detached from ctx's cancellation but keeps its values; use Run.Abort to
// stop it.
func (e *Engine) StartRun(ctx context.Context, agentID, userMsg string, opts ...RunOption) (*Run, error) {
	a, ok := e.Get(agentID)
	if !ok {
		return nil, ErrAgentNotFound
	}
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	run := newRun(uuid.New().String(), a.ID, cancel)
	var desk *Approvals
	if o.approve == nil {
		desk = e.approvals
		o.approve = desk.Func(run.ID, a.Name)
	}

	cfg := a.LoopConfig()
	cfg.RunID = run.ID
	cfg.Queue = run.Queue
	tc := &ToolContext{SessionID: o.session, WorkingFolder: a.WorkingFolder, Host: e.host, Approvals: desk}
	msgs := append(append([]provider.Message(nil), o.history...), provider.NewTextMessage(provider.RoleUser, userMsg))

	e.mu.Lock()
	e.runs[run.ID] = run
	e.mu.Unlock()
	e.setStatus(a.ID, StatusRunning)

	events := e.loop.Run(runCtx, msgs, cfg, tc, o.approve)
	go func() {
		seq := 0
		for ev := range events {
			seq++
			if e.sink != nil {
				wctx, wcancel := context.WithTimeout(context.WithoutCancel(runCtx), sinkTimeout)
				if err := e.sink.RecordRunEvent(wctx, run.ID, seq, ev); err != nil {
					e.logger.Warn("record run event failed", zap.String("run", run.ID), zap.Int("seq", seq), zap.Error(err))
				}
				wcancel()
			}
			run.publish(ev)
		}
		cancel(ErrRunFinished)
		e.setStatus(a.ID, StatusIdle)
		e.retire(run.ID)
		run.finish()
		s := run.Summary()
		e.logger.Info("run finished",
			zap.String("run", run.ID),
			zap.String("agent", a.Name),
			zap.String("reason", string(s.Reason)),
			zap.Int("iterations", s.Iterations))
	}()

	e.logger.Info("run started", zap.String("run", run.ID), zap.String("agent", a.Name))
	return run, nil
}

// ExecuteResult holds the output of an agent execution.
type ExecuteResult struct {
	RunID   string         `json:"run_id"`
	Content string         `json:"content"`
	Reason  EndReason      `json:"reason"`
	Usage   provider.Usage `json:"usage"`
	Summary Summary        `json:"summary"`
}

// Execute runs agentID to completion. Cancelling ctx aborts the run.
func (e *Engine) Execute(ctx context.Context, agentID, userMsg string, opts ...RunOption) (*ExecuteResult, error) {
	run, err := e.StartRun(ctx, agentID, userMsg, opts...)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		run.Abort()
		<-run.Done()
	}
	s := run.Summary()
	res := &ExecuteResult{RunID: run.ID, Content: s.Output, Reason: s.Reason, Usage: s.Usage, Summary: s}
	if s.Reason == EndError {
		return res, fmt.Errorf("run %s: %s", run.ID, s.Error)
	}
	return res, nil
}

// GetRun returns a run by ID.
func (e *Engine) GetRun(id string) (*Run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	return r, ok
}

// Runs lists known runs.
func (e *Engine) Runs() []*Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r)
	}
	return out
}

// retire marks a run finished and evicts the oldest beyond retention.
func (e *Engine) retire(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, id)
	e.evictLocked()
}

func (e *Engine) evictLocked() {
	keep := e.retention
	if keep < 0 {
		keep = 0
	}
	for len(e.finished) > keep {
		delete(e.runs, e.finished[0])
		e.finished = e.finished[1:]
	}
}

func (e *Engine) setStatus(agentID string, s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.agents[agentID]; ok {
		a.Status = s
		a.UpdatedAt = time.Now()
	}
}
