//go:build integration

package team

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/nuka-crew/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisMirrorRoundTrip(t *testing.T) {
	url := testutil.StartRedis(t)
	ctx := context.Background()
	m, err := NewRedisMirror(ctx, url, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	tailCtx, stop := context.WithCancel(ctx)
	defer stop()
	tail := m.Tail(tailCtx, "t1")
	time.Sleep(100 * time.Millisecond)

	now := time.Now().UTC()
	evs := []Event{
		TeamStart{TeamID: "t1", Name: "crew", Lead: "lead", CreatedAt: now},
		TaskAdd{TeamID: "t1", Task: Task{ID: "1", Subject: "review", Status: TaskPending, Version: 1}},
		TeamEnd{TeamID: "t1", EndedAt: now},
	}
	for i, ev := range evs {
		require.NoError(t, m.RecordTeamEvent(ctx, i+1, ev))
	}

	envs, err := m.Range(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, envs, 3)
	var decoded []Event
	for i, env := range envs {
		assert.Equal(t, i+1, env.Seq)
		ev, err := DecodeEvent(env)
		require.NoError(t, err)
		decoded = append(decoded, ev)
	}
	s := Replay(decoded)
	require.Len(t, s.History, 1)
	assert.Equal(t, "review", s.History[0].Tasks[0].Subject)

	select {
	case env := <-tail:
		assert.Equal(t, EventTeamStart, env.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("tail saw nothing")
	}
}
