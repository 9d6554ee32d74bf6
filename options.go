package senken

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	upstreamClients   map[string]UpstreamClient
	rateLimiter       RateLimiter
}

// WithPort overrides the TCP port from config (SENKEN_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider (OpenAI/Ollama/noop).
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithUpstreamClient replaces the default HTTP client for one service.
// The client's Service() name decides which module it serves; registering
// the same service twice keeps only the last client.
func WithUpstreamClient(c UpstreamClient) Option {
	return func(o *resolvedOptions) {
		if o.upstreamClients == nil {
			o.upstreamClients = make(map[string]UpstreamClient)
		}
		o.upstreamClients[c.Service()] = c
	}
}

// WithRateLimiter replaces the in-process token bucket rate limiter.
func WithRateLimiter(rl RateLimiter) Option {
	return func(o *resolvedOptions) { o.rateLimiter = rl }
}
