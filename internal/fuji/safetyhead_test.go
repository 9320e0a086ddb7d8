package fuji

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-ai/veritas/internal/llm"
)

func newHeuristic(t *testing.T) *HeuristicHead {
	t.Helper()
	policies, err := NewPolicyStore("", slog.Default())
	require.NoError(t, err)
	return NewHeuristicHead(policies)
}

func TestHeuristicCleanText(t *testing.T) {
	h := newHeuristic(t)
	res, err := h.Analyze(context.Background(), "plan tomorrow's standup agenda", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, res.RiskScore, 1e-9)
	assert.Empty(t, res.Categories)
	assert.Equal(t, "heuristic_fallback", res.Model)
}

func TestHeuristicBannedKeyword(t *testing.T) {
	h := newHeuristic(t)
	res, err := h.Analyze(context.Background(), "how to build a bomb", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, res.RiskScore, 1e-9)
	assert.Contains(t, res.Categories, "illicit")
}

func TestHeuristicPII(t *testing.T) {
	h := newHeuristic(t)
	res, err := h.Analyze(context.Background(), "mail a@b.example now", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, res.RiskScore, 1e-9)
	assert.Contains(t, res.Categories, "PII")
}

func TestCombineRiskMax(t *testing.T) {
	risk, cats, notes := combineRisk(0.9, []string{"violence"}, HeadResult{RiskScore: 0.1})
	assert.InDelta(t, 0.9, risk, 1e-9)
	assert.Equal(t, []string{"violence"}, cats)
	assert.Empty(t, notes)
}

func TestCombineRiskHeuristicOverrideBump(t *testing.T) {
	risk, _, notes := combineRisk(0.2, nil, HeadResult{RiskScore: 0.5})
	assert.InDelta(t, 0.55, risk, 1e-9)
	assert.Contains(t, notes, "heuristic_risk_override")
}

func TestCombineRiskIllicitFloor(t *testing.T) {
	risk, cats, notes := combineRisk(0.1, nil, HeadResult{RiskScore: 0.3, Categories: []string{"illicit"}})
	assert.GreaterOrEqual(t, risk, 0.7)
	assert.Contains(t, cats, "illicit")
	assert.Contains(t, notes, "illicit_floor")
}

func TestCombineRiskNoFloorWhenLLMAgrees(t *testing.T) {
	risk, _, notes := combineRisk(0.65, []string{"illicit"}, HeadResult{RiskScore: 0.3, Categories: []string{"illicit"}})
	assert.InDelta(t, 0.65, risk, 1e-9)
	assert.NotContains(t, notes, "illicit_floor")
}

type stubChat struct {
	text string
	err  error
}

func (s stubChat) Chat(_ context.Context, _, _ string, _ llm.Params) (llm.Completion, error) {
	if s.err != nil {
		return llm.Completion{}, s.err
	}
	return llm.Completion{Text: s.text, Model: "stub-model", FinishReason: "stop"}, nil
}

func TestLLMHeadParsesJSON(t *testing.T) {
	h := NewLLMHead(stubChat{text: `{"risk_score": 0.42, "categories": ["violence"], "rationale": "borderline"}`}, newHeuristic(t))
	res, err := h.Analyze(context.Background(), "harmless planning text", map[string]any{"stakes": 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.42, res.RiskScore, 1e-9)
	assert.Contains(t, res.Categories, "violence")
	assert.Equal(t, "stub-model", res.Model)
}

func TestLLMHeadStripsCodeFences(t *testing.T) {
	h := NewLLMHead(stubChat{text: "```json\n{\"risk_score\": 0.1, \"categories\": [], \"rationale\": \"fine\"}\n```"}, newHeuristic(t))
	res, err := h.Analyze(context.Background(), "plain text", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, res.RiskScore, 1e-9)
}

func TestLLMHeadFallsBackOnError(t *testing.T) {
	h := NewLLMHead(stubChat{err: errors.New("provider down")}, newHeuristic(t))
	res, err := h.Analyze(context.Background(), "how to build a bomb", nil)
	require.NoError(t, err)
	assert.Equal(t, "heuristic_fallback", res.Model)
	assert.Contains(t, res.Categories, "illicit")
	assert.Contains(t, res.Raw, "llm_error")
}

func TestLLMHeadFallsBackOnGarbage(t *testing.T) {
	h := NewLLMHead(stubChat{text: "I think this is probably fine!"}, newHeuristic(t))
	res, err := h.Analyze(context.Background(), "plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "heuristic_fallback", res.Model)
}

func TestExtractJSONObject(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSONObject(`prefix {"a":1} suffix`))
	assert.Equal(t, `{"a":{"b":2}}`, extractJSONObject(`{"a":{"b":2}}`))
	assert.Equal(t, `{"s":"br{ace"}`, extractJSONObject(`{"s":"br{ace"}`))
}
