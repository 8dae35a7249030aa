package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig     `json:"server"`
	Providers    []ProviderConfig `json:"providers" validate:"dive"`
	Agents       []AgentConfig    `json:"agents" validate:"dive"`
	SubagentsDir string           `json:"subagents_dir"`
	Loop         LoopConfig       `json:"loop"`
	Session      SessionConfig    `json:"session"`
	Database     DatabaseConfig   `json:"database"`
	Embedding    EmbeddingConfig  `json:"embedding"`
	Knowledge    KnowledgeConfig  `json:"knowledge"`
	Delivery     DeliveryConfig   `json:"delivery"`
	Schedules    []ScheduleConfig `json:"schedules" validate:"dive"`
	MCP          []MCPServerConfig `json:"mcp" validate:"dive"`
}

// MCPServerConfig names an MCP server reachable over SSE.
type MCPServerConfig struct {
	Name     string `json:"name" validate:"required,alphanum"`
	URL      string `json:"url" validate:"required,url"`
	ReadOnly bool   `json:"read_only"`
}

type ServerConfig struct {
	Port        int      `json:"port" validate:"min=0,max=65535"`
	LogLevel    string   `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
	CORSOrigins []string `json:"cors_origins"`
	// WorkDir confines the local host's file and shell access.
	WorkDir string `json:"work_dir"`
	// RunRetention is how many finished runs stay in memory.
	RunRetention int `json:"run_retention" validate:"min=0"`
}

type ProviderConfig struct {
	ID        string            `json:"id" validate:"required"`
	Type      string            `json:"type" validate:"required,oneof=anthropic openai"`
	Name      string            `json:"name"`
	Endpoint  string            `json:"endpoint"`
	APIKey    string            `json:"api_key"`
	Models    []string          `json:"models,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
	Default   bool              `json:"default"`
	Fallbacks []string          `json:"fallbacks,omitempty"`
}

// AgentConfig is a lead agent registered at startup.
type AgentConfig struct {
	ID            string   `json:"id"`
	Name          string   `json:"name" validate:"required"`
	Description   string   `json:"description"`
	SystemPrompt  string   `json:"system_prompt"`
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	Temperature   float64  `json:"temperature"`
	MaxTokens     int      `json:"max_tokens"`
	MaxIterations int      `json:"max_iterations" validate:"min=0"`
	AllowedTools  []string `json:"allowed_tools,omitempty"`
	WorkingFolder string   `json:"working_folder"`
}

type LoopConfig struct {
	MaxIterations         int `json:"max_iterations" validate:"min=0"`
	TeammateMaxIterations int `json:"teammate_max_iterations" validate:"min=0"`
	SubagentMaxIterations int `json:"subagent_max_iterations" validate:"min=0"`
}

// SessionConfig bounds the history replayed into a session's next run.
type SessionConfig struct {
	HistoryLimit int `json:"history_limit" validate:"min=0"`
	MaxTokens    int `json:"max_tokens" validate:"min=0"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider" validate:"omitempty,oneof=api ollama"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// KnowledgeConfig selects the knowledge_lookup backend.
type KnowledgeConfig struct {
	// Backend is "qdrant", "memory" or empty to disable the tool.
	Backend string `json:"backend" validate:"omitempty,oneof=qdrant memory"`
	// SeedDir holds documents indexed at startup.
	SeedDir string `json:"seed_dir"`
}

type DeliveryConfig struct {
	Slack   SlackDeliveryConfig   `json:"slack"`
	Discord DiscordDeliveryConfig `json:"discord"`
}

type SlackDeliveryConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token" validate:"required_if=Enabled true"`
	Username string `json:"username"`
}

type DiscordDeliveryConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token" validate:"required_if=Enabled true"`
}

// ScheduleConfig is a cron job registered at startup.
type ScheduleConfig struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Agent          string `json:"agent" validate:"required"`
	Spec           string `json:"spec" validate:"required"`
	Prompt         string `json:"prompt" validate:"required"`
	Platform       string `json:"platform" validate:"omitempty,oneof=slack discord"`
	Channel        string `json:"channel" validate:"required_with=Platform"`
	AutoApprove    bool   `json:"auto_approve"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"min=0"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for bytes already in memory.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.WorkDir == "" {
		c.Server.WorkDir = "."
	}
	if c.Server.RunRetention == 0 {
		c.Server.RunRetention = 200
	}
	if c.Loop.MaxIterations == 0 {
		c.Loop.MaxIterations = 25
	}
	if c.Loop.TeammateMaxIterations == 0 {
		c.Loop.TeammateMaxIterations = c.Loop.MaxIterations
	}
	if c.Loop.SubagentMaxIterations == 0 {
		c.Loop.SubagentMaxIterations = 10
	}
	if c.Session.HistoryLimit == 0 {
		c.Session.HistoryLimit = 50
	}
	if c.Session.MaxTokens == 0 {
		c.Session.MaxTokens = 128000
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "knowledge"
	}
}
