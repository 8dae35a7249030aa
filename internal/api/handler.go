package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/archive"
	"github.com/nidhogg/nuka-crew/internal/history"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"github.com/nidhogg/nuka-crew/internal/schedule"
	"github.com/nidhogg/nuka-crew/internal/team"
	"go.uber.org/zap"
)

// SessionStore keeps conversation history across runs.
type SessionStore interface {
	History(ctx context.Context, sessionID string, limit int) ([]provider.Message, error)
	AppendMessages(ctx context.Context, sessionID string, msgs ...provider.Message) error
}

// TeamArchive lists archived teams.
type TeamArchive interface {
	Teams(ctx context.Context, limit int) ([]archive.TeamSummary, error)
}

// EventLog reads recorded run and team events back.
type EventLog interface {
	RunEvents(ctx context.Context, runID string) ([]agent.Event, error)
	TeamIDs(ctx context.Context) ([]string, error)
	ReplayTeam(ctx context.Context, teamID string) (*team.State, error)
}

// TeamStream returns the mirrored envelopes of one team.
type TeamStream interface {
	Range(ctx context.Context, teamID string) ([]team.Envelope, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine    *agent.Engine
	team      *team.Coordinator
	scheduler *schedule.Scheduler
	sessions  SessionStore
	archive   TeamArchive
	events    EventLog
	stream    TeamStream
	compactor *history.Compactor
	logger    *zap.Logger

	// CORSOrigins defaults to every origin.
	CORSOrigins []string
	// HistoryLimit caps how many session messages a run starts with.
	HistoryLimit int
}

// NewHandler creates a new API handler. coord and sched may be nil.
func NewHandler(engine *agent.Engine, coord *team.Coordinator, sched *schedule.Scheduler, logger *zap.Logger) *Handler {
	return &Handler{
		engine:       engine,
		team:         coord,
		scheduler:    sched,
		logger:       logger,
		HistoryLimit: 50,
	}
}

// SetSessions enables session_id on run requests.
func (h *Handler) SetSessions(s SessionStore) { h.sessions = s }

// SetCompactor fits loaded session history into the model's window.
func (h *Handler) SetCompactor(c *history.Compactor) { h.compactor = c }

// SetArchive enables /api/team/archive.
func (h *Handler) SetArchive(a TeamArchive) { h.archive = a }

// SetEventLog serves finished runs and past teams from storage.
func (h *Handler) SetEventLog(l EventLog) { h.events = l }

// SetTeamStream lets /api/team/events resume from Last-Event-ID.
func (h *Handler) SetTeamStream(s TeamStream) { h.stream = s }

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	origins := h.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.createAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Post("/agents/{id}/runs", h.startRun)

		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Get("/runs/{id}/events", h.streamRunEvents)
		r.Post("/runs/{id}/messages", h.injectMessage)
		r.Post("/runs/{id}/abort", h.abortRun)

		r.Get("/approvals", h.listApprovals)
		r.Post("/approvals/{id}", h.resolveApproval)

		r.Get("/team", h.teamStatus)
		r.Get("/team/history", h.teamHistory)
		r.Get("/team/archive", h.teamArchive)
		r.Get("/team/events", h.streamTeamEvents)
		r.Get("/teams", h.listTeams)
		r.Get("/teams/{id}/replay", h.replayTeam)

		r.Get("/schedules", h.listSchedules)
		r.Post("/schedules", h.addSchedule)
		r.Delete("/schedules/{id}", h.removeSchedule)
		r.Post("/schedules/{id}/run", h.runSchedule)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.engine.List()
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var a agent.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if a.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	h.engine.Register(&a)
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.engine.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, agent.ErrAgentNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type runRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	// Wait blocks until the run ends and returns its result.
	Wait bool `json:"wait,omitempty"`
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}

	var opts []agent.RunOption
	if req.SessionID != "" {
		opts = append(opts, agent.WithSession(req.SessionID))
		if h.sessions != nil {
			msgs, err := h.sessions.History(r.Context(), req.SessionID, h.HistoryLimit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if h.compactor != nil {
				msgs = h.compactor.Fit(r.Context(), msgs)
			}
			opts = append(opts, agent.WithHistory(msgs))
		}
	}

	run, err := h.engine.StartRun(r.Context(), id, req.Message, opts...)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agent.ErrAgentNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	if req.SessionID != "" && h.sessions != nil {
		go h.saveSession(run, req.SessionID, req.Message)
	}

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
		return
	}
	select {
	case <-run.Done():
	case <-r.Context().Done():
		run.Abort()
		<-run.Done()
	}
	s := run.Summary()
	writeJSON(w, http.StatusOK, agent.ExecuteResult{RunID: run.ID, Content: s.Output, Reason: s.Reason, Usage: s.Usage, Summary: s})
}

// saveSession appends the exchange once the run has produced an answer.
func (h *Handler) saveSession(run *agent.Run, sessionID, message string) {
	<-run.Done()
	s := run.Summary()
	msgs := []provider.Message{provider.NewTextMessage(provider.RoleUser, message)}
	if s.Output != "" {
		msgs = append(msgs, provider.NewTextMessage(provider.RoleAssistant, s.Output))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.sessions.AppendMessages(ctx, sessionID, msgs...); err != nil {
		h.logger.Warn("save session failed", zap.String("session", sessionID), zap.Error(err))
	}
}

type runView struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	StartedAt time.Time     `json:"started_at"`
	Pending   int           `json:"pending_messages"`
	Summary   agent.Summary `json:"summary"`
	Stored    bool          `json:"stored,omitempty"`
}

func viewOf(run *agent.Run) runView {
	return runView{
		ID:        run.ID,
		AgentID:   run.AgentID,
		StartedAt: run.StartedAt,
		Pending:   run.Queue.Len(),
		Summary:   run.Summary(),
	}
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.engine.Runs()
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, viewOf(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) lookupRun(w http.ResponseWriter, r *http.Request) (*agent.Run, bool) {
	run, ok := h.engine.GetRun(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, agent.ErrRunNotFound)
	}
	return run, ok
}

// storedRun loads the events of a run the engine no longer holds.
// It writes the error response itself and reports whether any were found.
func (h *Handler) storedRun(w http.ResponseWriter, r *http.Request) ([]agent.Event, bool) {
	if h.events == nil {
		writeError(w, http.StatusNotFound, agent.ErrRunNotFound)
		return nil, false
	}
	evs, err := h.events.RunEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	if len(evs) == 0 {
		writeError(w, http.StatusNotFound, agent.ErrRunNotFound)
		return nil, false
	}
	return evs, true
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if run, ok := h.engine.GetRun(chi.URLParam(r, "id")); ok {
		writeJSON(w, http.StatusOK, viewOf(run))
		return
	}
	evs, ok := h.storedRun(w, r)
	if !ok {
		return
	}
	var sum agent.Summary
	for _, ev := range evs {
		sum.Apply(ev)
	}
	writeJSON(w, http.StatusOK, runView{ID: chi.URLParam(r, "id"), Summary: sum.Snapshot(), Stored: true})
}

type injectRequest struct {
	Text string `json:"text"`
}

func (h *Handler) injectMessage(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	select {
	case <-run.Done():
		writeError(w, http.StatusConflict, errors.New("run has finished"))
		return
	default:
	}
	run.Inject(req.Text)
	writeJSON(w, http.StatusAccepted, map[string]int{"pending_messages": run.Queue.Len()})
}

func (h *Handler) abortRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	run.Abort()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Approvals().Pending())
}

type approvalRequest struct {
	Approved bool `json:"approved"`
}

func (h *Handler) resolveApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !h.engine.Approvals().Resolve(chi.URLParam(r, "id"), req.Approved) {
		writeError(w, http.StatusNotFound, errors.New("no pending approval with that id"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"approved": req.Approved})
}

func (h *Handler) requireTeam(w http.ResponseWriter) bool {
	if h.team == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("teams not enabled"))
		return false
	}
	return true
}

func (h *Handler) teamStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireTeam(w) {
		return
	}
	report, err := h.team.Status()
	if errors.Is(err, team.ErrNoTeam) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) teamHistory(w http.ResponseWriter, r *http.Request) {
	if !h.requireTeam(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.team.History())
}

func (h *Handler) requireEventLog(w http.ResponseWriter) bool {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event log not configured"))
		return false
	}
	return true
}

func (h *Handler) listTeams(w http.ResponseWriter, r *http.Request) {
	if !h.requireEventLog(w) {
		return
	}
	ids, err := h.events.TeamIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *Handler) replayTeam(w http.ResponseWriter, r *http.Request) {
	if !h.requireEventLog(w) {
		return
	}
	state, err := h.events.ReplayTeam(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if state == nil || (state.Live == nil && len(state.History) == 0) {
		writeError(w, http.StatusNotFound, errors.New("no events recorded for that team"))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) teamArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("archive not configured"))
		return
	}
	teams, err := h.archive.Teams(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (h *Handler) requireScheduler(w http.ResponseWriter) bool {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("scheduler not enabled"))
		return false
	}
	return true
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.scheduler.List())
}

func (h *Handler) addSchedule(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w) {
		return
	}
	var job schedule.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, ok := h.engine.Get(job.AgentID); !ok {
		writeError(w, http.StatusBadRequest, agent.ErrAgentNotFound)
		return
	}
	added, err := h.scheduler.Add(job)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (h *Handler) removeSchedule(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w) {
		return
	}
	if !h.scheduler.Remove(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, schedule.ErrJobNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) runSchedule(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w) {
		return
	}
	res, err := h.scheduler.RunNow(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, schedule.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil && res == nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
