package senken

import "context"

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// OpenAI/Ollama/noop provider. Uses []float32 (not pgvector.Vector) so
// external consumers don't inherit the pgvector dependency; New() wraps it
// in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// UpstreamClient is one analysis data source. When provided via
// WithUpstreamClient, replaces the default HTTP client for that service —
// the retry controller, circuit breaker, and per-agent cache still apply
// on top of it.
type UpstreamClient interface {
	// Service returns the module name this client serves
	// ("webSearch", "marketTrend", "financials", or "reasoning").
	Service() string
	Call(ctx context.Context, req UpstreamRequest) (UpstreamResponse, error)
}

// RateLimiter decides whether a request identified by key may proceed.
// When provided via WithRateLimiter, replaces the in-process token bucket —
// use for shared limits across multiple instances.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}
