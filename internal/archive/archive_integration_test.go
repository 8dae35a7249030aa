//go:build integration

package archive

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/nuka-crew/internal/team"
	"github.com/nidhogg/nuka-crew/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestArchiveIntegration(t *testing.T) {
	ctx := context.Background()
	a, err := New(testutil.StartNeo4j(t), "", "", zap.NewNop())
	require.NoError(t, err)
	defer a.Close(ctx)
	require.NoError(t, a.Ping(ctx))

	ended := time.Now().UTC()
	tm := team.Team{
		ID: "t1", Name: "crew", Lead: "lead", CreatedAt: ended.Add(-time.Minute), EndedAt: &ended,
		Members: []team.Member{{ID: "m1", Name: "alpha", Status: team.MemberIdle}, {ID: "m2", Name: "beta", Status: team.MemberStopped}},
		Tasks: []team.Task{
			{ID: "1", Subject: "schema", Status: team.TaskCompleted, Owner: "alpha", Version: 3},
			{ID: "2", Subject: "api", Status: team.TaskPending, DependsOn: []string{"1"}, Version: 1},
		},
	}
	require.NoError(t, a.SaveTeam(ctx, tm))
	require.NoError(t, a.SaveTeam(ctx, tm))

	teams, err := a.Teams(ctx, 10)
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, "crew", teams[0].Name)
	assert.Equal(t, 2, teams[0].Members)
	assert.Equal(t, 2, teams[0].Tasks)

	owned, err := a.OwnedTasks(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"schema"}, owned)
}
