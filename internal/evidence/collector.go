// Package evidence implements the evidence collection stage: memory search,
// web search, and local heuristics, normalized into one deduplicated list.
// Collection never fails the pipeline; unavailable sources contribute
// nothing and the metrics record what actually ran.
package evidence

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/veritas-ai/veritas/internal/memory"
	"github.com/veritas-ai/veritas/internal/model"
	"github.com/veritas-ai/veritas/internal/websearch"
)

// MemorySearcher is the slice of the memory substrate the collector needs.
type MemorySearcher interface {
	Search(ctx context.Context, query string, k int, kinds []string, minSim float64) ([]memory.Hit, error)
}

// Metrics describes what each source contributed. All fields are always
// present in the response envelope, zero-valued when a source did not run.
type Metrics struct {
	MemHits             int  `json:"mem_hits"`
	MemoryEvidenceCount int  `json:"memory_evidence_count"`
	WebHits             int  `json:"web_hits"`
	WebEvidenceCount    int  `json:"web_evidence_count"`
	FastMode            bool `json:"fast_mode"`
}

// Collector gathers evidence from its three sources in a fixed order:
// memory, web, local heuristics.
type Collector struct {
	memory MemorySearcher
	web    websearch.Searcher
	logger *slog.Logger

	topK   int
	minSim float64
}

// NewCollector wires the collector. memory and web may be nil; the
// corresponding source is skipped.
func NewCollector(mem MemorySearcher, web websearch.Searcher, logger *slog.Logger) *Collector {
	return &Collector{memory: mem, web: web, logger: logger, topK: 8, minSim: 0.25}
}

// Collect gathers, normalizes, and dedupes evidence for one request.
//
// Caller-supplied evidence is normalized and kept first. Memory search is
// skipped when the caller injected pre-aggregated evidence under the
// _pipeline_evidence context key. Web search runs only when the topic filter,
// a knowledge_qa intent, or a weather intent asks for it and fast mode is off.
func (c *Collector) Collect(ctx context.Context, req model.DecisionRequest, intent string) ([]model.Evidence, Metrics) {
	metrics := Metrics{FastMode: req.FastMode}
	out := make([]model.Evidence, 0, len(req.Evidence))
	for _, ev := range req.Evidence {
		ev.Confidence = clamp01(ev.Confidence)
		if ev.Title == "" && ev.Kind != "" {
			ev.Title = "local:" + ev.Kind
		}
		if ev.URI == nil && ev.Kind != "" {
			synth := "internal:evidence:" + ev.Kind
			ev.URI = &synth
		}
		if ev.Source == "" {
			ev.Source = "local"
		}
		out = append(out, ev)
	}

	var memEvidence, webEvidence []model.Evidence

	g, gctx := errgroup.WithContext(ctx)

	if c.memory != nil && !hasPipelineEvidence(req.Context) {
		g.Go(func() error {
			hits, err := c.memory.Search(gctx, req.Query, c.topK, nil, c.minSim)
			if err != nil {
				c.logger.Warn("evidence: memory search failed", "error", err)
				return nil
			}
			metrics.MemHits = len(hits)
			for _, h := range hits {
				uri := "memory:" + h.Kind + ":" + h.ID
				memEvidence = append(memEvidence, model.Evidence{
					Source:     "memory",
					URI:        &uri,
					Title:      "memory:" + h.Kind,
					Snippet:    h.Text,
					Confidence: clamp01(h.Score),
					Kind:       h.Kind,
					Tags:       h.Tags,
				})
			}
			metrics.MemoryEvidenceCount = len(memEvidence)
			return nil
		})
	}

	if c.web != nil && !req.FastMode && wantsWeb(req.Query, intent) {
		g.Go(func() error {
			res := c.web.Search(gctx, req.Query, 5)
			if !res.OK {
				c.logger.Warn("evidence: web search unavailable", "error", res.Error)
				return nil
			}
			metrics.WebHits = len(res.Results)
			for _, r := range res.Results {
				uri := r.URL
				webEvidence = append(webEvidence, model.Evidence{
					Source:     "web",
					URI:        &uri,
					Title:      r.Title,
					Snippet:    r.Snippet,
					Confidence: 0.6,
					Kind:       "web",
				})
			}
			metrics.WebEvidenceCount = len(webEvidence)
			return nil
		})
	}

	_ = g.Wait() // Sources log and swallow their own failures.

	out = append(out, memEvidence...)
	out = append(out, webEvidence...)
	out = append(out, CollectLocal(intent, req.Query, req.Context)...)

	if IsInventoryQuery(req.Query) {
		out = append(out, InventoryMinimumEvidence(req.Context)...)
	}

	return Dedupe(out), metrics
}

// wantsWeb is the topic filter: explicitly research-flavored queries,
// knowledge questions, and weather questions go to the web, everything else
// stays local.
func wantsWeb(query, intent string) bool {
	q := strings.ToLower(query)
	for _, kw := range []string{"agi", "latest", "news", "最新", "論文", "research"} {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return intent == IntentKnowledgeQA || intent == IntentWeather
}

func hasPipelineEvidence(ctx map[string]any) bool {
	if ctx == nil {
		return false
	}
	_, ok := ctx["_pipeline_evidence"]
	return ok
}
