package veritas

import (
	"log/slog"

	"github.com/veritas-ai/veritas/internal/config"
)

// Option configures an App during New().
type Option func(*App)

// WithVersion sets the version string reported by /status and the MCP
// handshake.
func WithVersion(version string) Option {
	return func(a *App) { a.version = version }
}

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithConfig supplies a pre-built configuration instead of reading the
// environment.
func WithConfig(cfg config.Config) Option {
	return func(a *App) {
		a.cfg = cfg
		a.cfgLoaded = true
	}
}

// WithLLMClient replaces the built-in OpenAI-compatible chat client.
func WithLLMClient(client LLMClient) Option {
	return func(a *App) { a.llmClient = client }
}

// WithSafetyHead replaces the built-in LLM-backed safety head.
func WithSafetyHead(head SafetyHead) Option {
	return func(a *App) { a.safetyHead = head }
}

// WithEmbeddingProvider replaces the deterministic hash embedder.
func WithEmbeddingProvider(provider EmbeddingProvider) Option {
	return func(a *App) { a.embedder = provider }
}

// WithWebSearcher replaces the built-in web search adapter.
func WithWebSearcher(searcher WebSearcher) Option {
	return func(a *App) { a.webSearcher = searcher }
}
