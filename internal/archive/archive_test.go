package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/nuka-crew/internal/team"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSaver struct {
	teams []team.Team
	err   error
}

func (f *fakeSaver) SaveTeam(_ context.Context, t team.Team) error {
	f.teams = append(f.teams, t)
	return f.err
}

func feed(t *testing.T, r *Recorder, evs ...team.Event) error {
	t.Helper()
	var err error
	for i, ev := range evs {
		if e := r.RecordTeamEvent(context.Background(), i+1, ev); e != nil {
			err = e
		}
	}
	return err
}

func TestRecorderSavesEndedTeam(t *testing.T) {
	saver := &fakeSaver{}
	r := NewRecorder(saver, zap.NewNop())
	now := time.Now()

	err := feed(t, r,
		team.TeamStart{TeamID: "t1", Name: "crew", Lead: "lead", CreatedAt: now},
		team.MemberAdd{TeamID: "t1", Member: team.Member{ID: "m1", Name: "alpha"}},
		team.TaskAdd{TeamID: "t1", Task: team.Task{ID: "1", Subject: "schema"}},
		team.TaskAdd{TeamID: "t1", Task: team.Task{ID: "2", Subject: "api", DependsOn: []string{"1"}, Owner: "alpha"}},
		team.TaskAdd{TeamID: "other", Task: team.Task{ID: "9"}},
		team.TeamEnd{TeamID: "t1", EndedAt: now},
	)
	require.NoError(t, err)
	require.Len(t, saver.teams, 1)
	assert.Len(t, saver.teams[0].Tasks, 2)
	assert.Equal(t, 1, r.Saved())

	require.NoError(t, feed(t, r,
		team.TeamStart{TeamID: "t2", Name: "next"},
		team.TeamEnd{TeamID: "t2", EndedAt: now},
	))
	require.Len(t, saver.teams, 2)
	assert.Equal(t, "next", saver.teams[1].Name)
}

func TestRecorderReturnsSaveError(t *testing.T) {
	saver := &fakeSaver{err: errors.New("neo4j down")}
	r := NewRecorder(saver, zap.NewNop())
	err := feed(t, r, team.TeamStart{TeamID: "t1"}, team.TeamEnd{TeamID: "t1"})
	assert.EqualError(t, err, "neo4j down")
}

func TestGraphOf(t *testing.T) {
	ended := time.Now()
	g := graphOf(team.Team{
		ID:      "t1",
		Name:    "crew",
		EndedAt: &ended,
		Members: []team.Member{{ID: "m1", Name: "alpha", Status: team.MemberIdle}},
		Tasks: []team.Task{
			{ID: "1", Subject: "schema", Owner: "alpha"},
			{ID: "2", Subject: "api", DependsOn: []string{"1"}, Owner: "ghost"},
		},
	})
	assert.Equal(t, ended, g.team["ended"])
	assert.Len(t, g.members, 1)
	assert.Equal(t, []map[string]any{{"from": "2", "to": "1"}}, g.deps)
	assert.Equal(t, []map[string]any{{"member": "m1", "task": "1"}}, g.owns)
}
