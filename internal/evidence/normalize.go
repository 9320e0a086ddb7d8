package evidence

import (
	"fmt"

	"github.com/veritas-ai/veritas/internal/model"
)

// NormalizeItem coerces a loosely-shaped evidence map into the pipeline
// contract. Legacy items carry weight instead of confidence and may lack
// title/uri; both are synthesized from the kind. Returns false for values
// that cannot be interpreted as evidence at all.
func NormalizeItem(raw map[string]any) (model.Evidence, bool) {
	if raw == nil {
		return model.Evidence{}, false
	}

	kind := asString(raw["kind"])

	confidence, hasConfidence := asFloat(raw["confidence"])
	if !hasConfidence {
		if w, ok := asFloat(raw["weight"]); ok {
			confidence = w
		} else {
			confidence = 0.7
		}
	}
	confidence = clamp01(confidence)

	title := asString(raw["title"])
	if title == "" && kind != "" {
		title = "local:" + kind
	}

	var uri *string
	if s := asString(raw["uri"]); s != "" {
		uri = &s
	} else if kind != "" {
		synth := "internal:evidence:" + kind
		uri = &synth
	}

	source := asString(raw["source"])
	if source == "" {
		source = "local"
	}

	return model.Evidence{
		Source:     source,
		URI:        uri,
		Title:      title,
		Snippet:    asString(raw["snippet"]),
		Confidence: confidence,
		Kind:       kind,
		Tags:       asStrings(raw["tags"]),
	}, true
}

// Dedupe removes duplicates by the (source, uri, title, snippet) 4-tuple,
// keeping first occurrences in order.
func Dedupe(items []model.Evidence) []model.Evidence {
	seen := make(map[[4]string]bool, len(items))
	out := make([]model.Evidence, 0, len(items))
	for _, e := range items {
		key := e.DedupeKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func asStrings(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
