// Package values implements the value-scoring stage: alternatives are scored
// against a weighted value vector, filtered by detected intent, and adjusted
// by the value core's multiplicative factor. The raw score always survives
// as score_raw.
package values

import (
	"strings"

	"github.com/veritas-ai/veritas/internal/evidence"
	"github.com/veritas-ai/veritas/internal/model"
)

// DefaultWeights is the baseline value vector.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"safety":  0.6,
		"utility": 0.4,
	}
}

// NormalizeWeights clips weights into [0,1] and rescales so the maximum is
// 1. Empty input falls back to the defaults.
func NormalizeWeights(w map[string]float64) map[string]float64 {
	if len(w) == 0 {
		return DefaultWeights()
	}
	out := make(map[string]float64, len(w))
	maxW := 0.0
	for k, v := range w {
		c := clamp01(v)
		out[k] = c
		if c > maxW {
			maxW = c
		}
	}
	if maxW > 0 && maxW < 1 {
		for k, v := range out {
			out[k] = v / maxW
		}
	}
	return out
}

// Core computes the multiplicative value factor for an option. The default
// core rewards safety-flavored phrasing under a safety-weighted vector and
// never zeroes a score.
type Core struct {
	weights map[string]float64
}

// NewCore builds a value core over a normalized weight vector.
func NewCore(weights map[string]float64) *Core {
	return &Core{weights: NormalizeWeights(weights)}
}

// Weights exposes the normalized vector.
func (c *Core) Weights() map[string]float64 { return c.weights }

var cautiousTerms = []string{"段階", "慎重", "確認", "テスト", "backup", "rollback", "canary", "staged", "review"}
var boldTerms = []string{"一括", "即時", "全面", "force", "immediately", "all at once"}

// ComputeValueScore returns the factor applied to an option's raw score,
// within [0.5, 1.2].
func (c *Core) ComputeValueScore(opt model.Option) float64 {
	factor := 1.0
	text := strings.ToLower(opt.Title + " " + opt.Description)

	safetyWeight := c.weights["safety"]
	for _, term := range cautiousTerms {
		if strings.Contains(text, strings.ToLower(term)) {
			factor += 0.1 * safetyWeight
			break
		}
	}
	for _, term := range boldTerms {
		if strings.Contains(text, strings.ToLower(term)) {
			factor -= 0.2 * safetyWeight
			break
		}
	}

	if factor < 0.5 {
		factor = 0.5
	}
	if factor > 1.2 {
		factor = 1.2
	}
	return factor
}

// intentTerms maps detected intents to the vocabulary an on-topic
// alternative is expected to carry.
var intentTerms = map[string][]string{
	evidence.IntentWeather: {"天気", "天候", "weather", "屋外", "雨", "outdoor", "forecast", "予定"},
	evidence.IntentHealth:  {"休", "睡眠", "回復", "体調", "health", "rest", "sleep", "recover"},
	evidence.IntentLearn:   {"学", "読", "練習", "learn", "study", "practice", "read"},
	evidence.IntentPlan:    {"計画", "予定", "段取り", "plan", "schedule", "step", "整理"},
}

// ScoreAlternatives applies the value core to every option and drops
// alternatives that are off-intent when a non-trivial intent was detected.
// The chosen option is never dropped by the intent filter.
func ScoreAlternatives(core *Core, chosen model.Option, alternatives []model.Option, intent string) (model.Option, []model.Option) {
	chosen = applyCore(core, chosen)

	filtered := make([]model.Option, 0, len(alternatives))
	for _, opt := range alternatives {
		if !matchesIntent(opt, intent) {
			continue
		}
		filtered = append(filtered, applyCore(core, opt))
	}
	return chosen, filtered
}

func applyCore(core *Core, opt model.Option) model.Option {
	raw := opt.Score
	if opt.ScoreRaw != 0 {
		raw = opt.ScoreRaw
	}
	opt.ScoreRaw = raw
	opt.Score = clamp01(raw * core.ComputeValueScore(opt))
	opt.Verdict = model.VerdictForScore(opt.Score)
	return opt
}

// matchesIntent reports whether the option's text belongs to the detected
// intent. Trivial intents (general, knowledge_qa) accept everything.
func matchesIntent(opt model.Option, intent string) bool {
	terms, ok := intentTerms[intent]
	if !ok {
		return true
	}
	text := strings.ToLower(opt.Title + " " + opt.Description)
	for _, term := range terms {
		if strings.Contains(text, strings.ToLower(term)) {
			return true
		}
	}
	return false
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
