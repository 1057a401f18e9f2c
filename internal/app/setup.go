package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/kragentic/orchestrator/db"
	"github.com/kragentic/orchestrator/internal/agent"
	"github.com/kragentic/orchestrator/internal/cache"
	"github.com/kragentic/orchestrator/internal/config"
	"github.com/kragentic/orchestrator/internal/conversation"
	"github.com/kragentic/orchestrator/internal/crm"
	"github.com/kragentic/orchestrator/internal/database"
	"github.com/kragentic/orchestrator/internal/knowledge"
	"github.com/kragentic/orchestrator/internal/llm"
	"github.com/kragentic/orchestrator/internal/log"
	"github.com/kragentic/orchestrator/internal/observability"
	"github.com/kragentic/orchestrator/internal/synthesis"
)

// Setup creates and initializes the application. On failure every resource
// acquired so far is released before returning.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	if cfg.TracingEnabled {
		a.otelCleanup = provideTracing(ctx, cfg, logger)
	}

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	model, err := llm.NewGenAI(ctx, llm.GenAIConfig{
		APIKey:        cfg.GeminiAPIKey,
		Model:         cfg.ModelName,
		EmbedderModel: cfg.EmbedderModel,
		EmbedDim:      int32(cfg.EmbedDim),
	})
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}

	convCache := cache.NewMemory(cache.MemoryConfig{})
	searchCache := cache.NewMemory(cache.MemoryConfig{})
	audioCache := cache.NewMemory(cache.MemoryConfig{})
	a.caches = []*cache.Memory{convCache, searchCache, audioCache}

	a.History = conversation.NewStore(convCache, conversation.Config{
		TTL:         time.Duration(cfg.ConversationTTLHours) * time.Hour,
		MaxMessages: cfg.MaxHistoryMessages,
	})

	index, err := knowledge.NewPGIndex(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating vector index: %w", err)
	}
	a.Pipeline, err = knowledge.NewPipeline(model, index, searchCache, logger, knowledge.PipelineConfig{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		SearchTTL:    time.Duration(cfg.SearchTTLMins) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("creating knowledge pipeline: %w", err)
	}

	registry, err := provideTools(cfg, logger)
	if err != nil {
		return nil, err
	}

	a.Loop, err = agent.New(agent.Deps{
		Client:    model,
		History:   a.History,
		Tools:     registry,
		Retriever: a.Pipeline,
		Logger:    logger,
	}, agent.Config{
		MaxIterations: cfg.MaxIterations,
		SystemPrompt:  cfg.SystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("creating conversation loop: %w", err)
	}

	a.Chain, err = synthesis.NewChain(provideProviders(cfg), audioCache, logger, synthesis.ChainConfig{
		DefaultProvider: cfg.SynthesisProvider,
		AudioTTL:        time.Duration(cfg.AudioTTLMins) * time.Minute,
		RateLimit:       rate.Limit(cfg.SynthesisRate),
	})
	if err != nil {
		return nil, fmt.Errorf("creating synthesis chain: %w", err)
	}

	return a, nil
}

// provideTracing installs the tracer provider and returns its teardown.
func provideTracing(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	})
	if err != nil {
		logger.Warn("tracing setup failed, continuing without traces", "error", err)
		return func() {}
	}

	//nolint:contextcheck // Independent context: shutdown runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and opens the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, nil
}

// provideTools builds the tool registry. Customer-record tools register only
// when the customer API is configured; the loop runs fine without tools.
func provideTools(cfg *config.Config, logger log.Logger) (*agent.Registry, error) {
	registry := agent.NewRegistry()

	if cfg.CRMBaseURL == "" {
		logger.Debug("customer API not configured, skipping customer tools")
		return registry, nil
	}

	client, err := crm.New(crm.Config{
		BaseURL: cfg.CRMBaseURL,
		APIKey:  cfg.CRMAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating customer client: %w", err)
	}
	if err := agent.RegisterCustomerTools(registry, client); err != nil {
		return nil, fmt.Errorf("registering customer tools: %w", err)
	}
	return registry, nil
}

// provideProviders assembles the synthesis fallback order: the paid voices
// first, then the free endpoint that needs no credentials.
func provideProviders(cfg *config.Config) []synthesis.Provider {
	return []synthesis.Provider{
		&synthesis.Resemble{
			APIKey:      cfg.ResembleAPIKey,
			ProjectUUID: cfg.ResembleProject,
			VoiceUUID:   cfg.ResembleVoice,
		},
		&synthesis.OpenAI{APIKey: cfg.OpenAIAPIKey},
		&synthesis.Translate{Language: cfg.SynthesisLanguage},
	}
}
