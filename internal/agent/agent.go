package agent

import (
	"time"
)

// Status represents an agent's current state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

// Agent is a registered lead profile that runs can be started against.
type Agent struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	SystemPrompt  string    `json:"system_prompt"`
	ProviderID    string    `json:"provider_id,omitempty"`
	Model         string    `json:"model"`
	Temperature   float64   `json:"temperature,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	MaxIterations int       `json:"max_iterations,omitempty"`
	AllowedTools  []string  `json:"allowed_tools,omitempty"`
	WorkingFolder string    `json:"working_folder,omitempty"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// LoopConfig builds the loop settings for a run of this agent.
func (a *Agent) LoopConfig() Config {
	return Config{
		AgentID:       a.ID,
		AgentName:     a.Name,
		Model:         a.Model,
		SystemPrompt:  a.SystemPrompt,
		Temperature:   a.Temperature,
		MaxTokens:     a.MaxTokens,
		MaxIterations: a.MaxIterations,
		AllowedTools:  a.AllowedTools,
	}
}

func (a *Agent) clone() *Agent {
	c := *a
	if a.AllowedTools != nil {
		c.AllowedTools = append(make([]string, 0, len(a.AllowedTools)), a.AllowedTools...)
	}
	return &c
}
