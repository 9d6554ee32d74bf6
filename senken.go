// Package senken is the public API for embedding the Senken orchestration server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := senken.New(
//	    senken.WithVersion(version),
//	    senken.WithLogger(logger),
//	    senken.WithUpstreamClient(myFinancialsClient{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: senken (root) imports
// internal/*, but internal/* never imports senken (root). Public interfaces
// use plain types ([]float32, json.RawMessage); adapters in this file bridge
// them to the internal packages.
package senken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/senken/internal/agent"
	"github.com/ashita-ai/senken/internal/auth"
	"github.com/ashita-ai/senken/internal/cache"
	"github.com/ashita-ai/senken/internal/config"
	"github.com/ashita-ai/senken/internal/jobs"
	"github.com/ashita-ai/senken/internal/mcp"
	"github.com/ashita-ai/senken/internal/model"
	"github.com/ashita-ai/senken/internal/orchestrator"
	"github.com/ashita-ai/senken/internal/ratelimit"
	"github.com/ashita-ai/senken/internal/resilience"
	"github.com/ashita-ai/senken/internal/search"
	"github.com/ashita-ai/senken/internal/server"
	"github.com/ashita-ai/senken/internal/service/embedding"
	"github.com/ashita-ai/senken/internal/storage"
	"github.com/ashita-ai/senken/internal/telemetry"
	"github.com/ashita-ai/senken/internal/upstream"
	"github.com/ashita-ai/senken/migrations"
)

const (
	shutdownHTTPTimeout  = 10 * time.Second
	shutdownDrainTimeout = 30 * time.Second
)

// App is the Senken server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	pool         *jobs.Pool
	outbox       *search.OutboxWorker // nil when Qdrant is not configured
	qdrantIndex  *search.QdrantIndex  // nil when Qdrant is not configured
	cacheStore   *cache.Cache
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Senken server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("senken starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &embeddingAdapter{p: o.embeddingProvider}
	} else {
		embedder = embedding.Select(cfg.EmbeddingProvider, cfg.OpenAIAPIKey,
			cfg.EmbeddingModel, cfg.EmbeddingDimensions, cfg.OllamaURL, cfg.OllamaModel)
	}

	// Semantic tier: Qdrant index plus the outbox that keeps it in sync.
	var (
		qdrantIndex  *search.QdrantIndex
		outboxWorker *search.OutboxWorker
		semantic     *cache.Semantic
	)
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		outboxWorker = search.NewOutboxWorker(db, qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		semantic = cache.NewSemantic(db, qdrantIndex, embedder,
			float32(cfg.SemanticThreshold), cfg.CacheSemanticTTL, logger)
		logger.Info("semantic cache: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("semantic cache: disabled (no QDRANT_URL)")
	}

	// Disk tier.
	var disk *cache.Disk
	if cfg.CachePath != "" {
		disk, err = cache.NewDisk(cfg.CachePath, cfg.CacheDiskTTL)
		if err != nil {
			closeIndex(qdrantIndex)
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("disk cache: %w", err)
		}
	} else {
		logger.Info("disk cache: disabled (no SENKEN_CACHE_PATH)")
	}

	memory := cache.NewMemory(cfg.CacheMemoryTTL, cfg.CacheMemoryMax)
	cacheStore := cache.New(memory, disk, semantic, logger)

	// Resilience stack shared by all agents.
	retrier := resilience.NewRetrier(logger)
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	}, logger)
	deps := agent.Deps{
		Cache:   cacheStore,
		Retrier: retrier,
		Breaker: breaker,
		Policy: resilience.RetryPolicy{
			MaxAttempts:   cfg.RetryMaxAttempts,
			BaseDelay:     cfg.RetryBaseDelay,
			MaxDelay:      cfg.RetryMaxDelay,
			BackoffFactor: 2,
		},
		Timeout: cfg.AgentTimeout,
		Logger:  logger,
	}

	// Upstream clients, with option overrides by service name.
	clients := map[string]upstream.Client{
		string(model.ModuleWebSearch):   upstream.NewWebSearch(cfg.WebSearchURL, "", cfg.AgentTimeout),
		string(model.ModuleMarketTrend): upstream.NewMarketTrend(cfg.MarketTrendURL, "", cfg.AgentTimeout),
		string(model.ModuleFinancials):  upstream.NewFinancialData(cfg.FinancialDataURL, "", cfg.AgentTimeout),
		"reasoning":                     upstream.NewReasoning(cfg.ReasoningURL, cfg.ReasoningAPIKey, cfg.AgentTimeout),
	}
	for service, c := range o.upstreamClients {
		clients[service] = &upstreamAdapter{c: c}
		logger.Info("upstream client overridden", "service", service)
	}

	gatherers := []agent.Agent{
		agent.NewGathering(clients[string(model.ModuleWebSearch)], cfg.WeightWebSearch, deps),
		agent.NewGathering(clients[string(model.ModuleMarketTrend)], cfg.WeightMarketTrend, deps),
		agent.NewGathering(clients[string(model.ModuleFinancials)], cfg.WeightFinancials, deps),
	}
	analysis := agent.NewAnalysis(clients["reasoning"], deps)
	recommendation := agent.NewRecommendation(clients["reasoning"], deps)

	orch := orchestrator.New(gatherers, analysis, recommendation, cacheStore, logger)
	pool := jobs.NewPool(db, orch, logger, jobs.Config{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		JobTimeout:   cfg.JobTimeout,
	})

	mcpSrv := mcp.New(db, cacheStore, func(ctx context.Context) string {
		if claims := server.ClaimsFromContext(ctx); claims != nil {
			return claims.OwnerID
		}
		return ""
	}, logger)

	var limiter ratelimit.Limiter
	switch {
	case o.rateLimiter != nil:
		limiter = o.rateLimiter
	case cfg.RateLimitPerSecond > 0:
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_second", cfg.RateLimitPerSecond, "burst", cfg.RateLimitBurst)
	default:
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	var adminKeyHash string
	if cfg.AdminAPIKey != "" {
		adminKeyHash, err = auth.HashAPIKey(cfg.AdminAPIKey)
		if err != nil {
			_ = cacheStore.Close()
			closeIndex(qdrantIndex)
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("admin key: %w", err)
		}
	} else {
		logger.Warn("SENKEN_ADMIN_API_KEY not set; token issuance is disabled")
	}

	srvCfg := server.ServerConfig{
		Store:               db,
		Runner:              orch,
		Invalidator:         cacheStore,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		AdminKeyHash:        adminKeyHash,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	if qdrantIndex != nil {
		srvCfg.Index = qdrantIndex
	}
	srv := server.New(srvCfg)

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		pool:         pool,
		outbox:       outboxWorker,
		qdrantIndex:  qdrantIndex,
		cacheStore:   cacheStore,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the worker pool, the outbox sync, and the HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically — callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	a.pool.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful stop: (1) stop accepting HTTP requests and
// drain in-flight, (2) let running jobs finish, (3) drain remaining outbox
// entries to Qdrant. It then closes the cache tiers, the database pool, and
// the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("senken shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, shutdownDrainTimeout)
	a.pool.Drain(drainCtx)
	if a.outbox != nil {
		a.outbox.Drain(drainCtx)
	}
	drainCancel()

	if err := a.cacheStore.Close(); err != nil {
		a.logger.Error("cache close error", "error", err)
	}
	_ = a.limiter.Close()
	closeIndex(a.qdrantIndex)
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("senken stopped")
	return nil
}

func closeIndex(idx *search.QdrantIndex) {
	if idx != nil {
		_ = idx.Close()
	}
}

// embeddingAdapter bridges the public EmbeddingProvider to the internal
// pgvector-based interface.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (a *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *embeddingAdapter) Dimensions() int {
	return a.p.Dimensions()
}

// upstreamAdapter bridges a public UpstreamClient to the internal client
// interface.
type upstreamAdapter struct {
	c UpstreamClient
}

func (a *upstreamAdapter) Service() string {
	return a.c.Service()
}

func (a *upstreamAdapter) Call(ctx context.Context, req upstream.Request) (upstream.Response, error) {
	resp, err := a.c.Call(ctx, UpstreamRequest{
		Subject: req.Subject,
		Params:  req.Params,
		Inputs:  req.Inputs,
	})
	if err != nil {
		return upstream.Response{}, err
	}
	return upstream.Response{Payload: resp.Payload, Confidence: resp.Confidence}, nil
}
