package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/archive"
	"github.com/nidhogg/nuka-crew/internal/config"
	"github.com/nidhogg/nuka-crew/internal/delivery"
	"github.com/nidhogg/nuka-crew/internal/history"
	"github.com/nidhogg/nuka-crew/internal/host"
	"github.com/nidhogg/nuka-crew/internal/knowledge"
	"github.com/nidhogg/nuka-crew/internal/mcp"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"github.com/nidhogg/nuka-crew/internal/schedule"
	"github.com/nidhogg/nuka-crew/internal/store"
	"github.com/nidhogg/nuka-crew/internal/subagent"
	"github.com/nidhogg/nuka-crew/internal/team"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app owns every long-lived component built from the config.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	models    *provider.Router
	engine    *agent.Engine
	team      *team.Coordinator
	deliver   *delivery.Router
	scheduler *schedule.Scheduler
	compactor *history.Compactor

	store   *store.Store
	mirror  *team.RedisMirror
	archive *archive.Archive
	qdrant  *knowledge.QdrantIndex
	mcp     []*mcp.Client
}

func loadConfig(opts *rootOptions) (*config.Config, string, error) {
	path := opts.configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/nuka.json"
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// setup loads the config, builds the logger and wires the app.
func setup(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, path, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	logger.Info("config loaded", zap.String("path", path))
	return newApp(ctx, cfg, logger)
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.models = provider.NewRouter(logger)
	fallbacks := make(map[string][]string)
	for _, pc := range cfg.Providers {
		pcfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai":
			a.models.Register(provider.NewOpenAIProvider(pcfg, logger))
		case "anthropic":
			a.models.Register(provider.NewAnthropicProvider(pcfg, logger))
		}
		if pc.Default {
			a.models.SetDefault(pc.ID)
		}
		fallbacks[pc.ID] = pc.Fallbacks
	}

	a.compactor = history.NewCompactor(history.Config{MaxTokens: cfg.Session.MaxTokens}, a.models, logger)
	a.engine = agent.NewEngine(a.models, logger)
	a.engine.SetRunRetention(cfg.Server.RunRetention)
	a.engine.SetHost(host.NewLocal(cfg.Server.WorkDir, logger))

	if cfg.Database.Postgres.DSN != "" {
		if err := a.openStore(ctx); err != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(err))
		}
	}

	for _, ac := range cfg.Agents {
		ag := &agent.Agent{
			ID:            ac.ID,
			Name:          ac.Name,
			Description:   ac.Description,
			SystemPrompt:  ac.SystemPrompt,
			ProviderID:    ac.Provider,
			Model:         ac.Model,
			Temperature:   ac.Temperature,
			MaxTokens:     ac.MaxTokens,
			MaxIterations: ac.MaxIterations,
			AllowedTools:  ac.AllowedTools,
			WorkingFolder: ac.WorkingFolder,
		}
		if ag.ID == "" {
			ag.ID = ac.Name
		}
		if ag.MaxIterations == 0 {
			ag.MaxIterations = cfg.Loop.MaxIterations
		}
		a.engine.Register(ag)
	}
	for _, ag := range a.engine.List() {
		pid := ag.ProviderID
		if pid == "" {
			pid = a.models.DefaultID()
		} else {
			a.models.Bind(ag.ID, pid)
		}
		if fb := fallbacks[pid]; len(fb) > 0 {
			a.models.SetFallbacks(ag.ID, fb)
		}
	}

	if err := a.wireSubagents(); err != nil {
		return nil, err
	}
	if err := a.wireKnowledge(ctx); err != nil {
		logger.Warn("knowledge lookup disabled", zap.Error(err))
	}
	a.wireMCP(ctx)
	a.wireTeam(ctx)

	a.deliver = delivery.NewRouter(logger)
	if s := cfg.Delivery.Slack; s.Enabled {
		a.deliver.Register(delivery.NewSlack(s.BotToken, s.Username, logger))
	}
	if d := cfg.Delivery.Discord; d.Enabled {
		dc, err := delivery.NewDiscord(d.BotToken, logger)
		if err != nil {
			logger.Warn("discord delivery disabled", zap.Error(err))
		} else {
			a.deliver.Register(dc)
		}
	}

	a.scheduler = schedule.New(a.engine, a.deliver, logger)
	for _, sc := range cfg.Schedules {
		if err := a.addSchedule(sc); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	st, err := store.New(ctx, a.cfg.Database.Postgres.DSN, a.logger)
	if err != nil {
		return err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.store = st
	a.engine.SetEventSink(st)

	agents, err := st.ListAgents(ctx)
	if err != nil {
		a.logger.Warn("failed to load agents from DB", zap.Error(err))
	}
	for _, ag := range agents {
		a.engine.Register(ag)
	}
	a.logger.Info("loaded agents from DB", zap.Int("count", len(agents)))
	// Set after loading so stored agents are not written straight back.
	a.engine.SetPersister(st)
	return nil
}

func (a *app) wireSubagents() error {
	defs := subagent.NewRegistry()
	subagent.RegisterBuiltins(defs)
	if dir := a.cfg.SubagentsDir; dir != "" {
		loaded, err := subagent.LoadFromDir(dir)
		if err != nil {
			return fmt.Errorf("load sub-agents: %w", err)
		}
		for _, d := range loaded {
			defs.Add(d)
		}
		a.logger.Info("loaded sub-agent definitions", zap.String("dir", dir), zap.Int("count", len(loaded)))
	}
	for _, d := range defs.All() {
		if d.MaxIterations == 0 {
			d.MaxIterations = a.cfg.Loop.SubagentMaxIterations
		}
	}
	subagent.NewRunner(a.engine.Loop(), defs, a.logger).RegisterTool(a.engine.Tools())
	return nil
}

func (a *app) wireKnowledge(ctx context.Context) error {
	var r knowledge.Retriever
	switch a.cfg.Knowledge.Backend {
	case "":
		return nil
	case "memory":
		r = knowledge.NewMemoryRetriever()
	case "qdrant":
		qc := a.cfg.Database.Qdrant
		idx, err := knowledge.DialQdrant(knowledge.QdrantConfig{Host: qc.Host, Port: qc.Port, Collection: qc.Collection})
		if err != nil {
			return err
		}
		a.qdrant = idx
		ec := a.cfg.Embedding
		vr := knowledge.NewVectorRetriever(knowledge.NewHTTPEmbedder(knowledge.EmbeddingConfig{
			Provider: ec.Provider, Endpoint: ec.Endpoint, Model: ec.Model, APIKey: ec.APIKey, Dimension: ec.Dimension,
		}), idx, qc.Collection, a.logger)
		if err := vr.Init(ctx); err != nil {
			return fmt.Errorf("init collection: %w", err)
		}
		r = vr
	}
	if dir := a.cfg.Knowledge.SeedDir; dir != "" {
		docs, err := knowledge.LoadDir(dir)
		if err != nil {
			return fmt.Errorf("load seed documents: %w", err)
		}
		if err := knowledge.Seed(ctx, r, docs); err != nil {
			return err
		}
		a.logger.Info("knowledge seeded", zap.String("dir", dir), zap.Int("documents", len(docs)))
	}
	knowledge.RegisterTool(a.engine.Tools(), r)
	return nil
}

func (a *app) wireTeam(ctx context.Context) {
	a.team = team.NewCoordinator(a.engine.Loop(), a.logger)
	if n := a.cfg.Loop.TeammateMaxIterations; n > 0 {
		a.team.MaxIterations = n
	}
	team.RegisterTools(a.engine.Tools(), a.team)

	if a.store != nil {
		a.team.AddSink("postgres", a.store)
	}
	if url := a.cfg.Database.Redis.URL; url != "" {
		m, err := team.NewRedisMirror(ctx, url, a.logger)
		if err != nil {
			a.logger.Warn("Redis unavailable, team events not mirrored", zap.Error(err))
		} else {
			a.mirror = m
			a.team.AddSink("redis", m)
		}
	}
	if nc := a.cfg.Database.Neo4j; nc.URI != "" {
		arc, err := archive.New(nc.URI, nc.User, nc.Password, a.logger)
		if err == nil {
			err = arc.Ping(ctx)
		}
		if err != nil {
			a.logger.Warn("Neo4j unavailable, teams not archived", zap.Error(err))
			if arc != nil {
				arc.Close(ctx)
			}
		} else {
			a.archive = arc
			a.team.AddSink("neo4j", archive.NewRecorder(arc, a.logger))
		}
	}
}

func (a *app) addSchedule(sc config.ScheduleConfig) error {
	ag, ok := findAgent(a.engine, sc.Agent)
	if !ok {
		return fmt.Errorf("schedule %q: %w: %s", sc.Name, agent.ErrAgentNotFound, sc.Agent)
	}
	job := schedule.Job{
		ID:          sc.ID,
		Name:        sc.Name,
		AgentID:     ag.ID,
		Spec:        sc.Spec,
		Prompt:      sc.Prompt,
		AutoApprove: sc.AutoApprove,
		Timeout:     time.Duration(sc.TimeoutSeconds) * time.Second,
	}
	if sc.Platform != "" {
		job.Deliver = &schedule.Target{Platform: sc.Platform, Channel: sc.Channel}
	}
	_, err := a.scheduler.Add(job)
	return err
}

// findAgent resolves an agent by ID, then by name.
func findAgent(e *agent.Engine, ref string) (*agent.Agent, bool) {
	if ag, ok := e.Get(ref); ok {
		return ag, true
	}
	for _, ag := range e.List() {
		if ag.Name == ref {
			return ag, true
		}
	}
	return nil, false
}

// wireMCP connects the configured MCP servers. A server that cannot be
// reached is skipped.
func (a *app) wireMCP(ctx context.Context) {
	for _, sc := range a.cfg.MCP {
		c := mcp.NewClient(sc.Name, sc.URL, a.logger)
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := c.Connect(cctx)
		cancel()
		if err != nil {
			a.logger.Warn("mcp server unavailable", zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		n := mcp.RegisterTools(a.engine.Tools(), c, sc.ReadOnly)
		a.logger.Info("mcp tools registered", zap.String("name", sc.Name), zap.Int("tools", n))
		a.mcp = append(a.mcp, c)
	}
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.team != nil {
		if a.team.Snapshot() != nil {
			a.team.Delete()
		}
		a.team.Close()
	}
	for _, c := range a.mcp {
		c.Close()
	}
	if a.mirror != nil {
		a.mirror.Close()
	}
	if a.archive != nil {
		a.archive.Close(ctx)
	}
	if a.qdrant != nil {
		a.qdrant.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Sync()
}
