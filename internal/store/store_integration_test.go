//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"github.com/nidhogg/nuka-crew/internal/team"
	"github.com/nidhogg/nuka-crew/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, testutil.StartPostgres(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrations are idempotent")
	return s
}

func TestStoreIntegration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("agents", func(t *testing.T) {
		a := &agent.Agent{ID: "a1", Name: "lead", SystemPrompt: "be brief", Model: "m", MaxIterations: 7,
			AllowedTools: []string{"read_file"}, Status: agent.StatusIdle}
		require.NoError(t, s.SaveAgent(ctx, a))
		a.Model = "m2"
		require.NoError(t, s.SaveAgent(ctx, a))

		got, err := s.GetAgent(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "m2", got.Model)
		assert.Equal(t, []string{"read_file"}, got.AllowedTools)
		assert.Equal(t, 7, got.MaxIterations)

		_, err = s.GetAgent(ctx, "missing")
		assert.ErrorIs(t, err, agent.ErrAgentNotFound)

		require.NoError(t, s.DeleteAgent(ctx, "a1"))
		list, err := s.ListAgents(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("run events", func(t *testing.T) {
		evs := []agent.Event{
			agent.LoopStart{RunID: "r1", Agent: "lead"},
			agent.IterationStart{Iteration: 1},
			agent.TextDelta{Text: "hello"},
			agent.MessageEnd{Usage: provider.Usage{TotalTokens: 3}},
			agent.IterationEnd{Iteration: 1},
			agent.LoopEnd{Reason: agent.EndCompleted, Iterations: 1},
		}
		var live agent.Summary
		for i, ev := range evs {
			live.Apply(ev)
			require.NoError(t, s.RecordRunEvent(ctx, "r1", i+1, ev))
		}
		require.NoError(t, s.RecordRunEvent(ctx, "r1", 1, evs[0]))

		got, err := s.RunEvents(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, got, len(evs))
		var replayed agent.Summary
		for _, ev := range got {
			replayed.Apply(ev)
		}
		assert.Equal(t, live.Snapshot(), replayed.Snapshot())
	})

	t.Run("team replay", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Microsecond)
		evs := []team.Event{
			team.TeamStart{TeamID: "t1", Name: "crew", Lead: "lead", CreatedAt: now},
			team.MemberAdd{TeamID: "t1", Member: team.Member{ID: "m1", Name: "alpha", Status: team.MemberWorking, StartedAt: now}},
			team.TaskAdd{TeamID: "t1", Task: team.Task{ID: "1", Subject: "review", Status: team.TaskPending, Version: 1}},
			team.TeamEnd{TeamID: "t1", EndedAt: now},
		}
		for i, ev := range evs {
			require.NoError(t, s.RecordTeamEvent(ctx, i+1, ev))
		}
		st, err := s.ReplayTeam(ctx, "t1")
		require.NoError(t, err)
		assert.Nil(t, st.Live)
		require.Len(t, st.History, 1)
		assert.Equal(t, "alpha", st.History[0].Members[0].Name)

		ids, err := s.TeamIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, ids)
	})

	t.Run("session history", func(t *testing.T) {
		two := provider.NewTextMessage(provider.RoleAssistant, "two")
		require.NoError(t, s.AppendMessages(ctx, "s1",
			provider.NewTextMessage(provider.RoleUser, "one"),
			two,
			provider.NewTextMessage(provider.RoleUser, "three"),
		))
		msgs, err := s.History(ctx, "s1", 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "two", msgs[0].Text())
		assert.Equal(t, two.ID, msgs[0].ID)
		assert.Equal(t, provider.RoleUser, msgs[1].Role)
	})
}
