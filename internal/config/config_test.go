package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSubstitutesEnvAndDefaults(t *testing.T) {
	t.Setenv("NUKA_TEST_KEY", "sk-test")
	path := filepath.Join(t.TempDir(), "nuka.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"providers": [{"id": "claude", "type": "anthropic", "api_key": "${NUKA_TEST_KEY}", "default": true}],
		"agents": [{"name": "lead", "model": "${NUKA_TEST_MODEL:claude-sonnet}"}],
		"knowledge": {"backend": "memory"}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Providers[0].APIKey)
	assert.Equal(t, "claude-sonnet", cfg.Agents[0].Model)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 200, cfg.Server.RunRetention)
	assert.Equal(t, 25, cfg.Loop.MaxIterations)
	assert.Equal(t, 25, cfg.Loop.TeammateMaxIterations)
	assert.Equal(t, 10, cfg.Loop.SubagentMaxIterations)
	assert.Equal(t, "knowledge", cfg.Database.Qdrant.Collection)
	assert.Equal(t, 50, cfg.Session.HistoryLimit)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"provider type":     `{"providers": [{"id": "x", "type": "gemini"}]}`,
		"agent name":        `{"agents": [{"model": "m"}]}`,
		"slack token":       `{"delivery": {"slack": {"enabled": true}}}`,
		"schedule channel":  `{"schedules": [{"agent": "lead", "spec": "@daily", "prompt": "p", "platform": "slack"}]}`,
		"knowledge backend": `{"knowledge": {"backend": "faiss"}}`,
		"mcp url":           `{"mcp": [{"name": "web", "url": "not a url"}]}`,
		"syntax":            `{"server":`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorContains(t, err, "read config")
}

func TestSampleConfigLoads(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("KNOWLEDGE_BACKEND", "")
	cfg, err := Load(filepath.Join("..", "..", "configs", "nuka.json"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "sk-test", cfg.Providers[0].APIKey)
	assert.Equal(t, "memory", cfg.Knowledge.Backend)
	assert.Equal(t, 20, cfg.Loop.TeammateMaxIterations)
}
