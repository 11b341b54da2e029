package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-research/internal/config"
	"github.com/sells-group/lead-research/internal/cost"
	"github.com/sells-group/lead-research/internal/metrics"
	"github.com/sells-group/lead-research/internal/model"
	"github.com/sells-group/lead-research/internal/research"
	"github.com/sells-group/lead-research/internal/resilience"
	"github.com/sells-group/lead-research/internal/store"
	"github.com/sells-group/lead-research/internal/worker"
	"github.com/sells-group/lead-research/pkg/anthropic"
	"github.com/sells-group/lead-research/pkg/gemini"
	"github.com/sells-group/lead-research/pkg/perplexity"
)

// researchEnv holds the store, capability clients and the worker stack
// needed by the worker/serve/research commands.
type researchEnv struct {
	Store      store.Store
	Metrics    *metrics.Metrics
	Engine     *research.Engine
	Runner     *worker.Runner
	Dispatcher *worker.Dispatcher
	Scheduler  *worker.Scheduler
	Collector  *metrics.Collector
	AgentTypes []model.AgentType
}

// Close releases resources held by the environment.
func (e *researchEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates cfg for mode, opens and migrates the store and wires the
// research stack. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*researchEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	agentTypes, err := parseAgentTypes(cfg.Worker.AgentTypes)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	engine, err := buildEngine(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	m := metrics.New()
	runner := worker.NewRunner(st, engine,
		worker.WithRunnerMetrics(m),
		worker.WithCostCalculator(cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing))),
	)
	dispatcher := worker.NewDispatcher(st, runner,
		worker.WithBatchSize(cfg.Worker.BatchSize),
		worker.WithAgentTypes(agentTypes),
		worker.WithDispatcherMetrics(m),
	)
	scheduler := worker.NewScheduler(dispatcher,
		worker.WithInterval(cfg.Worker.Interval),
		worker.WithSkipIfBusy(cfg.Worker.SkipIfBusy),
		worker.WithSchedulerMetrics(m),
	)

	return &researchEnv{
		Store:      st,
		Metrics:    m,
		Engine:     engine,
		Runner:     runner,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Collector:  metrics.NewCollector(st, m),
		AgentTypes: agentTypes,
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "research.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// buildEngine wires the reasoning, search and normalization capabilities.
// A capability whose key is empty is left nil and fails at first use.
func buildEngine(ctx context.Context, c *config.Config) (*research.Engine, error) {
	var reasoner anthropic.Client
	if c.Anthropic.Key != "" {
		reasoner = anthropic.NewClient(c.Anthropic.Key, c.Anthropic.BaseURL)
	} else {
		zap.L().Warn("RESEARCH_ANTHROPIC_KEY not set, research attempts will fail")
	}

	var searchClient perplexity.Client
	if c.Perplexity.Key != "" {
		searchClient = perplexity.NewClient(c.Perplexity.Key,
			perplexity.WithBaseURL(c.Perplexity.BaseURL),
			perplexity.WithModel(c.Perplexity.Model),
		)
	} else {
		zap.L().Warn("RESEARCH_PERPLEXITY_KEY not set, search calls will fail")
	}
	policy := resilience.NewPolicy(c.Research.SearchRetries)
	search := research.NewSearchTool(searchClient,
		research.WithRateLimit(c.Research.SearchRatePerSec),
		research.WithRetryPolicy(policy),
	)

	normalizer, err := buildNormalizer(ctx, c, reasoner)
	if err != nil {
		return nil, err
	}

	return research.NewEngine(reasoner, search, normalizer, research.Config{
		Model:         c.Anthropic.AgentModel,
		MaxTokens:     c.Anthropic.MaxTokens,
		Temperature:   c.Anthropic.Temperature,
		MaxIterations: c.Research.MaxIterations,
	}), nil
}

func buildNormalizer(ctx context.Context, c *config.Config, reasoner anthropic.Client) (research.Normalizer, error) {
	switch c.Research.Normalizer {
	case "", "anthropic":
		return research.NewAnthropicNormalizer(reasoner, c.Anthropic.NormalizeModel), nil
	case "gemini":
		if c.Gemini.Key == "" {
			zap.L().Warn("RESEARCH_GEMINI_KEY not set, normalization will fail")
			return research.NewGeminiNormalizer(nil, c.Gemini.Model), nil
		}
		client, err := gemini.NewClient(ctx, c.Gemini.Key, gemini.WithModel(c.Gemini.Model))
		if err != nil {
			return nil, eris.Wrap(err, "init gemini")
		}
		return research.NewGeminiNormalizer(client, c.Gemini.Model), nil
	default:
		return nil, eris.Errorf("unsupported normalizer: %s", c.Research.Normalizer)
	}
}

func parseAgentTypes(raw []string) ([]model.AgentType, error) {
	if len(raw) == 0 {
		return model.ResearchAgentTypes, nil
	}
	out := make([]model.AgentType, 0, len(raw))
	for _, r := range raw {
		t, ok := model.ParseAgentType(r)
		if !ok {
			return nil, eris.Errorf("unknown agent type %q", r)
		}
		out = append(out, t)
	}
	return out, nil
}

// resolvePort returns the flag value if non-zero, otherwise the config value.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}
