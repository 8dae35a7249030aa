package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/delivery"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrJobNotFound is returned for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// DefaultTimeout bounds one scheduled run.
const DefaultTimeout = 10 * time.Minute

// Target names where a job's output goes.
type Target struct {
	Platform string `json:"platform" validate:"required"`
	Channel  string `json:"channel" validate:"required"`
}

// Job runs an agent on a cron schedule.
type Job struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	AgentID string  `json:"agent_id" validate:"required"`
	Spec    string  `json:"spec" validate:"required"`
	Prompt  string  `json:"prompt" validate:"required"`
	Deliver *Target `json:"deliver,omitempty"`
	// AutoApprove lets unattended runs use approval-gated tools. Otherwise
	// they are denied.
	AutoApprove bool          `json:"auto_approve"`
	Timeout     time.Duration `json:"timeout,omitempty"`

	NextRun   time.Time `json:"next_run,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastRunID string    `json:"last_run_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Executor runs an agent to completion. *agent.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, agentID, userMsg string, opts ...agent.RunOption) (*agent.ExecuteResult, error)
}

// Deliverer posts output to chat. *delivery.Router satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, msg *delivery.Message) error
}

type entry struct {
	job Job
	id  cron.EntryID
}

// Scheduler fires jobs on their cron specs.
type Scheduler struct {
	cron     *cron.Cron
	exec     Executor
	deliver  Deliverer
	validate *validator.Validate
	logger   *zap.Logger

	mu   sync.Mutex
	jobs map[string]*entry
}

// New creates a scheduler. deliver may be nil when no chat platform is
// configured.
func New(exec Executor, deliver Deliverer, logger *zap.Logger) *Scheduler {
	cl := cron.PrintfLogger(zap.NewStdLog(logger))
	return &Scheduler{
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		exec:     exec,
		deliver:  deliver,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		jobs:     make(map[string]*entry),
	}
}

// Add validates and schedules job.
func (s *Scheduler) Add(job Job) (Job, error) {
	if err := s.validate.Struct(job); err != nil {
		return Job{}, fmt.Errorf("invalid job: %w", err)
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return Job{}, fmt.Errorf("invalid cron spec %q: %w", job.Spec, err)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	if job.Timeout <= 0 {
		job.Timeout = DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[job.ID]; ok {
		s.cron.Remove(old.id)
	}
	id := job.ID
	eid, err := s.cron.AddFunc(job.Spec, func() { s.fire(context.Background(), id) })
	if err != nil {
		return Job{}, fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	s.jobs[id] = &entry{job: job, id: eid}
	s.logger.Info("job scheduled", zap.String("job", job.Name), zap.String("spec", job.Spec))
	return job, nil
}

// Remove unschedules a job.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.jobs, id)
	return true
}

// List returns every job with its next fire time.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		j := e.job
		j.NextRun = s.cron.Entry(e.id).Next
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.List())))
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// RunNow fires a job immediately and waits for it.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*agent.ExecuteResult, error) {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	return s.fire(ctx, id)
}

func (s *Scheduler) fire(ctx context.Context, id string) (*agent.ExecuteResult, error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrJobNotFound
	}
	job := e.job
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	approve := agent.DenyAll
	if job.AutoApprove {
		approve = agent.AutoApprove
	}
	started := time.Now()
	res, err := s.exec.Execute(ctx, job.AgentID, job.Prompt,
		agent.WithApproval(approve), agent.WithSession("schedule:"+job.ID))

	if err == nil && job.Deliver != nil && s.deliver != nil {
		err = s.deliver.Deliver(ctx, &delivery.Message{
			Platform: job.Deliver.Platform,
			Channel:  job.Deliver.Channel,
			Title:    job.Name,
			Content:  res.Content,
		})
	}

	s.mu.Lock()
	if cur, ok := s.jobs[id]; ok {
		cur.job.LastRun = started
		cur.job.LastError = ""
		if res != nil {
			cur.job.LastRunID = res.RunID
		}
		if err != nil {
			cur.job.LastError = err.Error()
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled run failed", zap.String("job", job.Name), zap.Error(err))
		return res, err
	}
	s.logger.Info("scheduled run finished",
		zap.String("job", job.Name),
		zap.String("reason", string(res.Reason)),
		zap.Duration("took", time.Since(started)))
	return res, nil
}
