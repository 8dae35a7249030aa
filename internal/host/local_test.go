package host

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalFileRoundTrip(t *testing.T) {
	h := NewLocal(t.TempDir(), zap.NewNop())
	ctx := context.Background()

	var notified int
	unsub := h.Subscribe(agent.HostFSWrite, func(interface{}) { notified++ })
	_, err := h.Invoke(ctx, agent.HostFSWrite, map[string]interface{}{"path": "notes/a.txt", "content": "hello"})
	require.NoError(t, err)
	unsub()
	assert.Equal(t, 1, notified)

	raw, err := h.Invoke(ctx, agent.HostFSRead, map[string]interface{}{"path": "notes/a.txt"})
	require.NoError(t, err)
	var fc fileContent
	require.NoError(t, json.Unmarshal(raw, &fc))
	assert.Equal(t, "hello", fc.Content)

	raw, err = h.Invoke(ctx, agent.HostFSList, map[string]interface{}{"path": "."})
	require.NoError(t, err)
	var entries []dirEntry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "notes", entries[0].Name)
	assert.True(t, entries[0].IsDir)
}

func TestLocalRejectsEscape(t *testing.T) {
	h := NewLocal(t.TempDir(), zap.NewNop())
	_, err := h.Invoke(context.Background(), agent.HostFSRead, map[string]interface{}{"path": "../../etc/passwd"})
	assert.Error(t, err)
	_, err = h.Invoke(context.Background(), "net.fetch", nil)
	assert.Error(t, err)
}

func TestLocalExec(t *testing.T) {
	h := NewLocal(t.TempDir(), zap.NewNop())
	raw, err := h.Invoke(context.Background(), agent.HostShellExec, map[string]interface{}{"command": "echo hi; exit 3", "timeout": 5})
	require.NoError(t, err)
	var res execResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hi\n", res.Stdout)
}
