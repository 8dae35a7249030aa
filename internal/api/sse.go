package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/team"
	"go.uber.org/zap"
)

// sseWriter writes text/event-stream frames.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSE(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

func (s *sseWriter) comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.f.Flush()
}

// send writes one frame. id 0 leaves out the id line.
func (s *sseWriter) send(id int, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// lastEventID reads the reconnect position a client sent, 0 if none.
func lastEventID(r *http.Request) int {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// streamRunEvents replays a run's events and follows it live until it ends.
// Runs the engine has let go of are replayed from the event log.
func (h *Handler) streamRunEvents(w http.ResponseWriter, r *http.Request) {
	var (
		replay []agent.Event
		live   <-chan agent.Event
	)
	if run, ok := h.engine.GetRun(chi.URLParam(r, "id")); ok {
		var cancel func()
		replay, live, cancel = run.Subscribe()
		defer cancel()
	} else {
		evs, ok := h.storedRun(w, r)
		if !ok {
			return
		}
		replay = evs
	}

	sse, err := newSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	after := lastEventID(r)
	seq := 0
	emit := func(ev agent.Event) error {
		seq++
		if seq <= after {
			return nil
		}
		env, err := agent.EncodeEvent(seq, ev)
		if err != nil {
			return err
		}
		return sse.send(seq, string(env.Type), env)
	}
	for _, ev := range replay {
		if err := emit(ev); err != nil {
			return
		}
	}
	if live == nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if err := emit(ev); err != nil {
				return
			}
		}
	}
}

// teamBacklog returns mirrored envelopes of the current team after seq.
func (h *Handler) teamBacklog(ctx context.Context, after int) []team.Envelope {
	if h.stream == nil {
		return nil
	}
	t := h.team.Snapshot()
	if t == nil {
		return nil
	}
	envs, err := h.stream.Range(ctx, t.ID)
	if err != nil {
		h.logger.Warn("team backlog unavailable", zap.String("team_id", t.ID), zap.Error(err))
		return nil
	}
	out := envs[:0:0]
	for _, env := range envs {
		if env.Seq > after {
			out = append(out, env)
		}
	}
	return out
}

// streamTeamEvents forwards every committed team event to the client.
// A client that falls behind is disconnected and can resume with
// Last-Event-ID.
func (h *Handler) streamTeamEvents(w http.ResponseWriter, r *http.Request) {
	if !h.requireTeam(w) {
		return
	}
	ch := make(chan team.Envelope, 256)
	lagged := make(chan struct{})
	var lagOnce sync.Once
	sub := h.team.Bus().SubscribeAll(func(seq int, ev team.Event) {
		env, err := team.EncodeEvent(seq, ev)
		if err != nil {
			return
		}
		select {
		case ch <- env:
		default:
			lagOnce.Do(func() {
				h.logger.Warn("team event stream lagging, disconnecting", zap.Int("seq", seq))
				close(lagged)
			})
		}
	})
	defer h.team.Bus().Unsubscribe(sub)

	sse, err := newSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sse.comment("connected")

	sent := lastEventID(r)
	if sent > 0 {
		for _, env := range h.teamBacklog(r.Context(), sent) {
			if err := sse.send(env.Seq, string(env.Type), env); err != nil {
				return
			}
			sent = env.Seq
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-lagged:
			return
		case env := <-ch:
			if env.Seq <= sent {
				continue
			}
			if err := sse.send(env.Seq, string(env.Type), env); err != nil {
				return
			}
			sent = env.Seq
		}
	}
}
