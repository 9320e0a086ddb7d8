package veritas

import (
	"context"

	"github.com/veritas-ai/veritas/internal/fuji"
	"github.com/veritas-ai/veritas/internal/llm"
	"github.com/veritas-ai/veritas/internal/memory"
	"github.com/veritas-ai/veritas/internal/search"
	"github.com/veritas-ai/veritas/internal/websearch"
)

// llmClientAdapter bridges a public LLMClient into the internal chat
// interface.
type llmClientAdapter struct {
	inner LLMClient
}

func (a llmClientAdapter) Chat(ctx context.Context, system, user string, p llm.Params) (llm.Completion, error) {
	res, err := a.inner.Chat(ctx, system, user, ChatParams{
		Temperature: p.Temperature,
		Seed:        p.Seed,
		MaxTokens:   p.MaxTokens,
	})
	if err != nil {
		return llm.Completion{}, err
	}
	return llm.Completion{Text: res.Text, Model: res.Model, FinishReason: res.FinishReason}, nil
}

// safetyHeadAdapter bridges a public SafetyHead into the gate.
type safetyHeadAdapter struct {
	inner SafetyHead
}

func (a safetyHeadAdapter) Analyze(ctx context.Context, text string, sctx map[string]any) (fuji.HeadResult, error) {
	res, err := a.inner.Analyze(ctx, text, sctx)
	if err != nil {
		return fuji.HeadResult{}, err
	}
	return fuji.HeadResult{
		RiskScore:  res.RiskScore,
		Categories: res.Categories,
		Rationale:  res.Rationale,
		Model:      res.Model,
		Raw:        map[string]any{},
	}, nil
}

// embedderAdapter bridges a public EmbeddingProvider into the memory store.
type embedderAdapter struct {
	inner EmbeddingProvider
}

func (a embedderAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.inner.Embed(ctx, text)
}

func (a embedderAdapter) Dimensions() int {
	return a.inner.Dimensions()
}

// webSearcherAdapter bridges a public WebSearcher into the collector.
type webSearcherAdapter struct {
	inner WebSearcher
}

func (a webSearcherAdapter) Search(ctx context.Context, query string, maxResults int) websearch.Response {
	res := a.inner.Search(ctx, query, maxResults)
	out := websearch.Response{OK: res.OK, Error: res.Error, Results: make([]websearch.SearchResult, 0, len(res.Results))}
	for _, r := range res.Results {
		out.Results = append(out.Results, websearch.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out
}

// remoteIndexAdapter bridges the qdrant index into the memory store's
// RemoteIndex capability.
type remoteIndexAdapter struct {
	idx *search.Index
}

func (a remoteIndexAdapter) Upsert(ctx context.Context, id, kind, text string, vec []float32) error {
	return a.idx.Upsert(ctx, []search.Point{{ID: id, Kind: kind, Text: text, Embedding: vec}})
}

func (a remoteIndexAdapter) Search(ctx context.Context, vec []float32, kind string, limit int) ([]memory.RemoteHit, error) {
	results, err := a.idx.Search(ctx, vec, kind, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]memory.RemoteHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, memory.RemoteHit{ID: r.ID, Kind: r.Kind, Score: float64(r.Score)})
	}
	return hits, nil
}
