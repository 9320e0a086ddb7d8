package fuji

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/veritas-ai/veritas/internal/llm"
	"github.com/veritas-ai/veritas/internal/sanitize"
)

// HeadResult is the safety-head verdict over one text.
type HeadResult struct {
	RiskScore  float64        `json:"risk_score"`
	Categories []string       `json:"categories"`
	Rationale  string         `json:"rationale"`
	Model      string         `json:"model"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// HasCategory reports whether the result carries the named category.
func (r HeadResult) HasCategory(name string) bool {
	for _, c := range r.Categories {
		if c == name {
			return true
		}
	}
	return false
}

// SafetyHead classifies the risk of a text. Implementations never answer the
// text; they only score it.
type SafetyHead interface {
	Analyze(ctx context.Context, text string, sctx map[string]any) (HeadResult, error)
}

// HeuristicHead is the deterministic fallback head: keyword screens plus PII
// pattern detection, no external calls. It never fails.
type HeuristicHead struct {
	policies *PolicyStore
}

// NewHeuristicHead builds the fallback head over the active policy.
func NewHeuristicHead(policies *PolicyStore) *HeuristicHead {
	return &HeuristicHead{policies: policies}
}

// Analyze scores text with fixed rules: hard/soft keyword hits raise an
// illicit category at risk 0.8; PII patterns raise a PII category at 0.35.
func (h *HeuristicHead) Analyze(_ context.Context, text string, _ map[string]any) (HeadResult, error) {
	policy := h.policies.Current()
	normalized := strings.ToLower(strings.ReplaceAll(text, "　", " "))

	var categories, reasons []string
	risk := 0.05

	var bannedHits []string
	for _, kw := range append(append([]string{}, policy.HardBlockKeywords...), policy.SoftFlagKeywords...) {
		if kw != "" && strings.Contains(normalized, strings.ToLower(kw)) {
			bannedHits = append(bannedHits, kw)
		}
	}
	if len(bannedHits) > 0 {
		sort.Strings(bannedHits)
		categories = append(categories, "illicit")
		risk = 0.8
		reasons = append(reasons, "危険/違法寄りワード検出: "+strings.Join(bannedHits, ", "))
	}

	piiHits := sanitize.Detect(text)
	if len(piiHits) > 0 {
		categories = append(categories, "PII")
		if risk < 0.35 {
			risk = 0.35
		}
		reasons = append(reasons, "PII パターン検出: "+strings.Join(piiHits, ", "))
	}

	if len(categories) == 0 {
		reasons = append(reasons, "特に危険ワード/PII パターンは検出されませんでした。")
	}

	return HeadResult{
		RiskScore:  clamp01(risk),
		Categories: categories,
		Rationale:  strings.Join(reasons, " / "),
		Model:      "heuristic_fallback",
		Raw: map[string]any{
			"fallback":    true,
			"banned_hits": bannedHits,
			"pii_hits":    piiHits,
		},
	}, nil
}

// PIIHits exposes the heuristic PII labels separately so the gate's policy
// stage can apply the name_like exemption.
func (h *HeuristicHead) PIIHits(text string) []string {
	return sanitize.Detect(text)
}

// combineRisk merges LLM and heuristic results deterministically: the risk
// is the max of both, bumped by 0.05 when the heuristic alone is higher, and
// floored at 0.7 when only the heuristic saw an illicit category.
func combineRisk(llmRisk float64, llmCategories []string, heuristic HeadResult) (risk float64, categories []string, notes []string) {
	combined := append([]string{}, llmCategories...)
	for _, c := range heuristic.Categories {
		if !contains(combined, c) {
			combined = append(combined, c)
		}
	}

	risk = llmRisk
	if heuristic.RiskScore > risk {
		risk = heuristic.RiskScore
	}
	if heuristic.RiskScore > llmRisk {
		risk = clamp01(heuristic.RiskScore + 0.05)
		notes = append(notes, "heuristic_risk_override")
	}
	if heuristic.HasCategory("illicit") && !contains(llmCategories, "illicit") {
		if risk < 0.7 {
			risk = 0.7
		}
		notes = append(notes, "illicit_floor")
	}
	return clamp01(risk), combined, notes
}

// LLMHead calls the chat provider to classify risk, combining its answer with
// the heuristic head. Any provider failure degrades to the heuristic result.
type LLMHead struct {
	chat      llm.Client
	heuristic *HeuristicHead
}

// NewLLMHead builds the LLM-backed head.
func NewLLMHead(chat llm.Client, heuristic *HeuristicHead) *LLMHead {
	return &LLMHead{chat: chat, heuristic: heuristic}
}

const safetySystemPrompt = "You are a safety classification head for an AI decision gateway.\n" +
	"Your job is ONLY to classify the RISK of the given text, NOT to answer it.\n" +
	"Respond with a single JSON object: {\"risk_score\": <0-1>, \"categories\": [..], \"rationale\": \"..\"}.\n" +
	"Use categories like PII, self_harm, illicit, violence, hate, minors."

type headOutput struct {
	RiskScore  float64  `json:"risk_score"`
	Categories []string `json:"categories"`
	Rationale  string   `json:"rationale"`
}

// Analyze classifies text via the provider, falling back to the heuristic on
// any failure. The error return is always nil: the gate must keep deciding
// when the provider is down.
func (h *LLMHead) Analyze(ctx context.Context, text string, sctx map[string]any) (HeadResult, error) {
	heuristic, _ := h.heuristic.Analyze(ctx, text, sctx)

	payload := map[string]any{"text": text}
	if stakes, ok := sctx["stakes"]; ok {
		payload["stakes"] = stakes
	}
	user, err := json.Marshal(payload)
	if err != nil {
		return heuristic, nil
	}

	comp, err := h.chat.Chat(ctx, safetySystemPrompt, "CLASSIFY_THIS_INPUT:\n"+string(user), llm.Params{Temperature: 0})
	if err != nil {
		heuristic.Raw["llm_error"] = err.Error()
		return heuristic, nil
	}

	var out headOutput
	if err := json.Unmarshal([]byte(extractJSONObject(comp.Text)), &out); err != nil {
		heuristic.Raw["llm_error"] = fmt.Sprintf("unparseable head output: %v", err)
		return heuristic, nil
	}

	risk, categories, notes := combineRisk(clamp01(out.RiskScore), out.Categories, heuristic)
	rationale := out.Rationale
	if len(notes) > 0 {
		rationale = rationale + " / scoring=" + strings.Join(notes, "|")
	}

	return HeadResult{
		RiskScore:  risk,
		Categories: categories,
		Rationale:  rationale,
		Model:      comp.Model,
		Raw: map[string]any{
			"scoring": map[string]any{
				"llm_risk":       out.RiskScore,
				"heuristic_risk": heuristic.RiskScore,
				"notes":          notes,
			},
		},
	}, nil
}

// extractJSONObject strips code fences and returns the first balanced
// top-level JSON object in s, or s unchanged when none is found.
func extractJSONObject(s string) string {
	s = stripFences(s)
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s
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

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
