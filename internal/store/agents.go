package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-crew/internal/agent"
)

const agentColumns = `id, name, description, system_prompt, COALESCE(provider_id,''), COALESCE(model,''),
	temperature, max_tokens, max_iterations, allowed_tools, working_folder, status, created_at, updated_at`

// SaveAgent upserts an agent profile.
func (s *Store) SaveAgent(ctx context.Context, a *agent.Agent) error {
	now := time.Now()
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, name, description, system_prompt, provider_id, model, temperature,
			max_tokens, max_iterations, allowed_tools, working_folder, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			system_prompt = EXCLUDED.system_prompt,
			provider_id = EXCLUDED.provider_id,
			model = EXCLUDED.model,
			temperature = EXCLUDED.temperature,
			max_tokens = EXCLUDED.max_tokens,
			max_iterations = EXCLUDED.max_iterations,
			allowed_tools = EXCLUDED.allowed_tools,
			working_folder = EXCLUDED.working_folder,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, a.Description, a.SystemPrompt, a.ProviderID, a.Model, a.Temperature,
		a.MaxTokens, a.MaxIterations, a.AllowedTools, a.WorkingFolder, string(a.Status), created, now,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

func scanAgent(row pgx.Row) (*agent.Agent, error) {
	var a agent.Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.Description, &a.SystemPrompt, &a.ProviderID, &a.Model,
		&a.Temperature, &a.MaxTokens, &a.MaxIterations, &a.AllowedTools, &a.WorkingFolder,
		&a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent retrieves a single agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	a, err := scanAgent(s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, agent.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// ListAgents returns all non-deleted agents.
func (s *Store) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.db.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE status != 'deleted' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent soft-deletes an agent by setting status to 'deleted'.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET status = 'deleted', updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}
