package pipeline

import (
	"github.com/veritas-ai/veritas/internal/model"
)

// EnforceEnvelope asserts the response-envelope contract: the invariant keys
// are present with zero/false defaults even when a stage omitted them. The
// response is modified in place.
func EnforceEnvelope(resp *model.DecisionResponse) {
	if resp.Extras == nil {
		resp.Extras = map[string]any{}
	}

	if _, ok := resp.Extras["fast_mode"]; !ok {
		resp.Extras["fast_mode"] = false
	}

	metrics := subMap(resp.Extras, "metrics")
	for _, key := range []string{"mem_hits", "memory_evidence_count", "web_hits", "web_evidence_count"} {
		if _, ok := metrics[key]; !ok {
			metrics[key] = 0
		}
	}
	if _, ok := metrics["fast_mode"]; !ok {
		metrics["fast_mode"] = false
	}

	memoryMeta := subMap(resp.Extras, "memory_meta")
	metaCtx := subMap(memoryMeta, "context")
	if _, ok := metaCtx["fast"]; !ok {
		metaCtx["fast"] = false
	}

	if _, ok := resp.Extras["self_healing"]; !ok {
		resp.Extras["self_healing"] = map[string]any{
			"enabled":  false,
			"attempts": 0,
		}
	}

	if resp.Alternatives == nil {
		resp.Alternatives = []model.Option{}
	}
	if resp.Evidence == nil {
		resp.Evidence = []model.Evidence{}
	}
	if resp.Gate.Reasons == nil {
		resp.Gate.Reasons = []string{}
	}
	if resp.Gate.Violations == nil {
		resp.Gate.Violations = []string{}
	}
}

// subMap returns parent[key] as a map, creating it (or replacing a non-map
// value) when needed.
func subMap(parent map[string]any, key string) map[string]any {
	if m, ok := parent[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	parent[key] = m
	return m
}
