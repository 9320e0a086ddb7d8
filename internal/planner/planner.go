// Package planner implements the planning and debate stage: candidate
// generation from an LLM plan (with aggressive JSON recovery and a
// deterministic stage fallback) and the multi-role critique that selects a
// chosen option.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/veritas-ai/veritas/internal/llm"
)

// Step is one plan step.
type Step struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Detail       string   `json:"detail"`
	Why          string   `json:"why"`
	EtaHours     float64  `json:"eta_hours"`
	Risk         float64  `json:"risk"`
	Dependencies []string `json:"dependencies"`
}

// Plan is the planner output. Source records how the plan was produced:
// "llm", "simple_qa", or "stage_fallback".
type Plan struct {
	Steps  []Step         `json:"steps"`
	Source string         `json:"source"`
	Meta   map[string]any `json:"meta"`
}

// Planner produces plans, preferring the LLM and degrading deterministically.
type Planner struct {
	chat   llm.Client
	logger *slog.Logger
}

// New creates a planner. chat may be nil; every plan is then a fallback.
func New(chat llm.Client, logger *slog.Logger) *Planner {
	return &Planner{chat: chat, logger: logger}
}

var simpleQAPatterns = []string{
	"what time is it", "what day is it", "what date is it", "今何時", "今日は何日", "何曜日",
}

const planSystemPrompt = "You are the planning stage of a decision gateway.\n" +
	"Produce a short actionable plan for the user's query as JSON:\n" +
	`{"steps": [{"id": "s1", "title": "...", "detail": "...", "why": "...", "eta_hours": 1.0, "risk": 0.2, "dependencies": []}]}` + "\n" +
	"3-5 steps, risk in [0,1]. JSON only, no prose."

// BuildPlan produces a plan for the query. memorySummary and worldSnapshot
// give the model situational context and may be empty.
func (p *Planner) BuildPlan(ctx context.Context, query string, reqCtx map[string]any, memorySummary, worldSnapshot string, params llm.Params) Plan {
	if plan, ok := p.simpleQA(query); ok {
		return plan
	}

	if p.chat != nil {
		if plan, ok := p.planWithLLM(ctx, query, reqCtx, memorySummary, worldSnapshot, params); ok {
			return plan
		}
	}
	return p.stageFallback(query)
}

// simpleQA short-circuits trivial question patterns: they need an answer
// step, not a project plan.
func (p *Planner) simpleQA(query string) (Plan, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	for _, pat := range simpleQAPatterns {
		if strings.Contains(q, pat) {
			return Plan{
				Steps: []Step{{
					ID:           "qa1",
					Title:        "質問に直接回答する",
					Detail:       "単純な事実確認のため、追加の調査や計画を挟まず回答する。",
					Why:          "simple question-answer pattern",
					EtaHours:     0.1,
					Risk:         0.05,
					Dependencies: []string{},
				}},
				Source: "simple_qa",
				Meta:   map[string]any{"pattern": pat},
			}, true
		}
	}
	return Plan{}, false
}

func (p *Planner) planWithLLM(ctx context.Context, query string, reqCtx map[string]any, memorySummary, worldSnapshot string, params llm.Params) (Plan, bool) {
	user := map[string]any{"query": query}
	if len(reqCtx) > 0 {
		user["context"] = reqCtx
	}
	if memorySummary != "" {
		user["memory_summary"] = memorySummary
	}
	if worldSnapshot != "" {
		user["world_snapshot"] = worldSnapshot
	}
	userJSON, err := json.Marshal(user)
	if err != nil {
		return Plan{}, false
	}

	comp, err := p.chat.Chat(ctx, planSystemPrompt, string(userJSON), params)
	if err != nil {
		p.logger.Warn("planner: llm call failed, using stage fallback", "error", err)
		return Plan{}, false
	}

	steps, ok := RecoverSteps(comp.Text)
	if !ok || len(steps) == 0 {
		p.logger.Warn("planner: unrecoverable llm output, using stage fallback")
		return Plan{}, false
	}

	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = fmt.Sprintf("s%d", i+1)
		}
		if steps[i].Dependencies == nil {
			steps[i].Dependencies = []string{}
		}
		steps[i].Risk = clamp01(steps[i].Risk)
	}
	return Plan{
		Steps:  steps,
		Source: "llm",
		Meta:   map[string]any{"model": comp.Model, "finish_reason": comp.FinishReason},
	}, true
}

// stageFallback is the deterministic last-resort plan.
func (p *Planner) stageFallback(query string) Plan {
	return Plan{
		Steps: []Step{
			{
				ID: "f1", Title: "前提と目標を整理する",
				Detail: "クエリの目的・制約・利害関係を列挙する。", Why: "判断の土台を固定する",
				EtaHours: 0.5, Risk: 0.1, Dependencies: []string{},
			},
			{
				ID: "f2", Title: "選択肢を比較して小さく実行する",
				Detail:   "候補を2〜3案に絞り、可逆な一歩から着手する。",
				Why:      "不確実性が高いときは小さく試すのが安全",
				EtaHours: 1.0, Risk: 0.2, Dependencies: []string{"f1"},
			},
		},
		Source: "stage_fallback",
		Meta:   map[string]any{"query_preview": preview(query, 80)},
	}
}

// RecoverSteps extracts plan steps from raw LLM text. Recovery ladder:
// fence stripping, first balanced top-level object or array, then a direct
// scan for an embedded "steps" array.
func RecoverSteps(raw string) ([]Step, bool) {
	text := stripFences(raw)

	type stepsDoc struct {
		Steps []Step `json:"steps"`
	}

	// Balanced top-level object.
	if obj := balancedSlice(text, '{', '}'); obj != "" {
		var doc stepsDoc
		if err := json.Unmarshal([]byte(obj), &doc); err == nil && len(doc.Steps) > 0 {
			return doc.Steps, true
		}
	}

	// Balanced top-level array of steps.
	if arr := balancedSlice(text, '[', ']'); arr != "" {
		var steps []Step
		if err := json.Unmarshal([]byte(arr), &steps); err == nil && len(steps) > 0 {
			return steps, true
		}
	}

	// Embedded "steps": [...] anywhere in the text.
	if idx := strings.Index(text, `"steps"`); idx >= 0 {
		rest := text[idx:]
		if arr := balancedSlice(rest, '[', ']'); arr != "" {
			var steps []Step
			if err := json.Unmarshal([]byte(arr), &steps); err == nil && len(steps) > 0 {
				return steps, true
			}
		}
	}
	return nil, false
}

// balancedSlice returns the first balanced region delimited by open/close,
// respecting JSON string quoting.
func balancedSlice(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
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
