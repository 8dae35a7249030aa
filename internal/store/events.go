package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/team"
)

// RecordRunEvent appends one loop event. Re-recording a seq is a no-op.
func (s *Store) RecordRunEvent(ctx context.Context, runID string, seq int, ev agent.Event) error {
	env, err := agent.EncodeEvent(seq, ev)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO run_events (run_id, seq, type, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, seq) DO NOTHING`,
		runID, seq, string(env.Type), string(env.Data))
	if err != nil {
		return fmt.Errorf("record run event %s/%d: %w", runID, seq, err)
	}
	return nil
}

// RunEvents returns a run's events in order.
func (s *Store) RunEvents(ctx context.Context, runID string) ([]agent.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT seq, type, data FROM run_events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var out []agent.Event
	for rows.Next() {
		var (
			env  agent.Envelope
			typ  string
			data []byte
		)
		if err := rows.Scan(&env.Seq, &typ, &data); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		env.Type = agent.EventType(typ)
		env.Data = json.RawMessage(data)
		ev, err := agent.DecodeEvent(env)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecordTeamEvent appends one team event.
func (s *Store) RecordTeamEvent(ctx context.Context, seq int, ev team.Event) error {
	env, err := team.EncodeEvent(seq, ev)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO team_events (team_id, seq, type, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, seq) DO NOTHING`,
		env.TeamID, seq, string(env.Type), string(env.Data))
	if err != nil {
		return fmt.Errorf("record team event %s/%d: %w", env.TeamID, seq, err)
	}
	return nil
}

// TeamEvents returns a team's events in commit order.
func (s *Store) TeamEvents(ctx context.Context, teamID string) ([]team.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT seq, type, data FROM team_events WHERE team_id = $1 ORDER BY seq`, teamID)
	if err != nil {
		return nil, fmt.Errorf("query team events: %w", err)
	}
	defer rows.Close()

	var out []team.Event
	for rows.Next() {
		env := team.Envelope{TeamID: teamID}
		var (
			typ  string
			data []byte
		)
		if err := rows.Scan(&env.Seq, &typ, &data); err != nil {
			return nil, fmt.Errorf("scan team event: %w", err)
		}
		env.Type = team.EventType(typ)
		env.Data = json.RawMessage(data)
		ev, err := team.DecodeEvent(env)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ReplayTeam rebuilds a team's aggregate from its recorded events.
func (s *Store) ReplayTeam(ctx context.Context, teamID string) (*team.State, error) {
	evs, err := s.TeamEvents(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return team.Replay(evs), nil
}

// TeamIDs lists recorded teams, most recent first.
func (s *Store) TeamIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT team_id FROM team_events GROUP BY team_id ORDER BY MIN(recorded_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query teams: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
