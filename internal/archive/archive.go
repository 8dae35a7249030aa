package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/nuka-crew/internal/team"
	"go.uber.org/zap"
)

// Archive writes ended teams to Neo4j as a graph of members, tasks and
// their dependencies.
type Archive struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New creates an archive. An empty user connects without authentication.
func New(uri, user, password string, logger *zap.Logger) (*Archive, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Archive{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (a *Archive) Ping(ctx context.Context) error {
	return a.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (a *Archive) Close(ctx context.Context) error {
	return a.driver.Close(ctx)
}

// SaveTeam merges t into the graph. Saving the same team twice is a no-op.
func (a *Archive) SaveTeam(ctx context.Context, t team.Team) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	g := graphOf(t)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		stmts := []struct {
			cypher string
			params map[string]any
		}{
			{`MERGE (t:Team {id: $id})
			  SET t.name = $name, t.description = $description, t.lead = $lead,
			      t.created_at = $created, t.ended_at = $ended, t.messages = $messages`, g.team},
			{`MATCH (t:Team {id: $team})
			  UNWIND $members AS m
			  MERGE (mem:Member {id: m.id})
			  SET mem.name = m.name, mem.status = m.status, mem.model = m.model,
			      mem.iterations = m.iterations, mem.output = m.output, mem.error = m.error
			  MERGE (t)-[:HAS_MEMBER]->(mem)`, map[string]any{"team": t.ID, "members": g.members}},
			{`MATCH (t:Team {id: $team})
			  UNWIND $tasks AS k
			  MERGE (task:Task {team_id: $team, id: k.id})
			  SET task.subject = k.subject, task.description = k.description,
			      task.status = k.status, task.owner = k.owner, task.version = k.version
			  MERGE (t)-[:HAS_TASK]->(task)`, map[string]any{"team": t.ID, "tasks": g.tasks}},
			{`UNWIND $deps AS d
			  MATCH (a:Task {team_id: $team, id: d.from}), (b:Task {team_id: $team, id: d.to})
			  MERGE (a)-[:DEPENDS_ON]->(b)`, map[string]any{"team": t.ID, "deps": g.deps}},
			{`UNWIND $owns AS o
			  MATCH (m:Member {id: o.member}), (k:Task {team_id: $team, id: o.task})
			  MERGE (m)-[:OWNS]->(k)`, map[string]any{"team": t.ID, "owns": g.owns}},
		}
		for _, s := range stmts {
			if _, err := tx.Run(ctx, s.cypher, s.params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("archive team %s: %w", t.ID, err)
	}
	a.logger.Info("team archived",
		zap.String("team", t.ID),
		zap.Int("members", len(t.Members)),
		zap.Int("tasks", len(t.Tasks)))
	return nil
}

// TeamSummary is one archived team as listed by Teams.
type TeamSummary struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Lead    string    `json:"lead"`
	Members int       `json:"members"`
	Tasks   int       `json:"tasks"`
	EndedAt time.Time `json:"ended_at"`
}

// Teams returns the most recently ended teams.
func (a *Archive) Teams(ctx context.Context, limit int) ([]TeamSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (t:Team)
		 OPTIONAL MATCH (t)-[:HAS_MEMBER]->(m:Member)
		 WITH t, count(DISTINCT m) AS members
		 OPTIONAL MATCH (t)-[:HAS_TASK]->(k:Task)
		 RETURN t.id AS id, t.name AS name, t.lead AS lead, members, count(DISTINCT k) AS tasks, t.ended_at AS ended
		 ORDER BY ended DESC LIMIT $limit`,
		map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("query teams: %w", err)
	}

	var out []TeamSummary
	for result.Next(ctx) {
		rec := result.Record()
		var s TeamSummary
		s.ID, _, _ = neo4j.GetRecordValue[string](rec, "id")
		s.Name, _, _ = neo4j.GetRecordValue[string](rec, "name")
		s.Lead, _, _ = neo4j.GetRecordValue[string](rec, "lead")
		members, _, _ := neo4j.GetRecordValue[int64](rec, "members")
		tasks, _, _ := neo4j.GetRecordValue[int64](rec, "tasks")
		s.Members, s.Tasks = int(members), int(tasks)
		s.EndedAt, _, _ = neo4j.GetRecordValue[time.Time](rec, "ended")
		out = append(out, s)
	}
	return out, result.Err()
}

// OwnedTasks returns the subjects of the tasks a member owned.
func (a *Archive) OwnedTasks(ctx context.Context, memberID string) ([]string, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Member {id: $id})-[:OWNS]->(k:Task) RETURN k.subject AS subject ORDER BY k.id`,
		map[string]any{"id": memberID})
	if err != nil {
		return nil, fmt.Errorf("query owned tasks: %w", err)
	}
	var out []string
	for result.Next(ctx) {
		s, _, _ := neo4j.GetRecordValue[string](result.Record(), "subject")
		out = append(out, s)
	}
	return out, result.Err()
}

type graph struct {
	team    map[string]any
	members []map[string]any
	tasks   []map[string]any
	deps    []map[string]any
	owns    []map[string]any
}

// graphOf flattens t into Cypher parameters.
func graphOf(t team.Team) graph {
	g := graph{
		team: map[string]any{
			"id":          t.ID,
			"name":        t.Name,
			"description": t.Description,
			"lead":        t.Lead,
			"created":     t.CreatedAt,
			"ended":       nil,
			"messages":    len(t.Messages),
		},
		members: []map[string]any{},
		tasks:   []map[string]any{},
		deps:    []map[string]any{},
		owns:    []map[string]any{},
	}
	if t.EndedAt != nil {
		g.team["ended"] = *t.EndedAt
	}
	byName := make(map[string]string, len(t.Members))
	for _, m := range t.Members {
		byName[m.Name] = m.ID
		g.members = append(g.members, map[string]any{
			"id":         m.ID,
			"name":       m.Name,
			"status":     string(m.Status),
			"model":      m.Model,
			"iterations": m.Iteration,
			"output":     m.Output,
			"error":      m.Error,
		})
	}
	for _, k := range t.Tasks {
		g.tasks = append(g.tasks, map[string]any{
			"id":          k.ID,
			"subject":     k.Subject,
			"description": k.Description,
			"status":      string(k.Status),
			"owner":       k.Owner,
			"version":     k.Version,
		})
		for _, dep := range k.DependsOn {
			g.deps = append(g.deps, map[string]any{"from": k.ID, "to": dep})
		}
		if id, ok := byName[k.Owner]; ok {
			g.owns = append(g.owns, map[string]any{"member": id, "task": k.ID})
		}
	}
	return g
}
