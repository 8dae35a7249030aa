package archive

import (
	"context"
	"sync"

	"github.com/nidhogg/nuka-crew/internal/team"
	"go.uber.org/zap"
)

// TeamSaver persists an ended team.
type TeamSaver interface {
	SaveTeam(ctx context.Context, t team.Team) error
}

// Recorder is a team.Sink that keeps its own replica of the aggregate and
// saves each team when it ends.
type Recorder struct {
	saver  TeamSaver
	logger *zap.Logger

	mu    sync.Mutex
	state team.State
	saved int
}

// NewRecorder returns a sink that archives ended teams through saver.
func NewRecorder(saver TeamSaver, logger *zap.Logger) *Recorder {
	return &Recorder{saver: saver, logger: logger}
}

// RecordTeamEvent folds ev into the replica.
func (r *Recorder) RecordTeamEvent(ctx context.Context, seq int, ev team.Event) error {
	r.mu.Lock()
	if !r.state.Apply(ev) {
		r.mu.Unlock()
		r.logger.Debug("archive ignored event", zap.Int("seq", seq), zap.String("type", string(ev.Type())))
		return nil
	}
	if _, ended := ev.(team.TeamEnd); !ended {
		r.mu.Unlock()
		return nil
	}
	t := r.state.History[len(r.state.History)-1]
	// Only the latest team is needed to archive the next one.
	r.state.History = nil
	r.saved++
	r.mu.Unlock()

	return r.saver.SaveTeam(ctx, t)
}

// Saved reports how many teams have been handed to the saver.
func (r *Recorder) Saved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved
}
