package veritas

import "context"

// ChatParams are the generation settings passed to an LLMClient.
type ChatParams struct {
	Temperature float64
	Seed        int64
	MaxTokens   int
}

// ChatResult is one completion from an LLMClient.
type ChatResult struct {
	Text         string
	Model        string
	FinishReason string
}

// LLMClient is the chat capability the pipeline consumes. When provided via
// WithLLMClient it replaces the built-in OpenAI-compatible HTTP client.
// Implementations should honor ctx deadlines; the pipeline degrades to its
// stage fallbacks on any error.
type LLMClient interface {
	Chat(ctx context.Context, system, user string, params ChatParams) (ChatResult, error)
}

// SafetyHeadResult is the risk classification produced by a SafetyHead.
type SafetyHeadResult struct {
	RiskScore  float64
	Categories []string
	Rationale  string
	Model      string
}

// SafetyHead classifies the risk of a text without answering it. When
// provided via WithSafetyHead it replaces the built-in LLM-backed head; the
// gate's rule screen still runs on every request, and the heuristic head
// answers in its place when it returns an error.
type SafetyHead interface {
	Analyze(ctx context.Context, text string, sctx map[string]any) (SafetyHeadResult, error)
}

// EmbeddingProvider generates vectors for the memory substrate. When
// provided via WithEmbeddingProvider it replaces the deterministic hash
// embedder. Dimensions must be stable for the lifetime of the index files.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// WebSearchResult is one normalized web hit.
type WebSearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearchResponse is the normalized search outcome. OK=false reports an
// unavailable backend; implementations never surface transport errors.
type WebSearchResponse struct {
	OK      bool
	Results []WebSearchResult
	Error   string
}

// WebSearcher is the web evidence capability. When provided via
// WithWebSearcher it replaces the built-in Serper-style adapter.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) WebSearchResponse
}
