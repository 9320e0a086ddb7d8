package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-ai/veritas/internal/evidence"
	"github.com/veritas-ai/veritas/internal/fuji"
	"github.com/veritas-ai/veritas/internal/healing"
	"github.com/veritas-ai/veritas/internal/model"
	"github.com/veritas-ai/veritas/internal/planner"
	"github.com/veritas-ai/veritas/internal/trustlog"
	"github.com/veritas-ai/veritas/internal/values"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *trustlog.Log, string) {
	t.Helper()
	dir := t.TempDir()

	log, err := trustlog.Open(dir)
	require.NoError(t, err)

	registry, err := fuji.NewRegistry()
	require.NoError(t, err)
	policies, err := fuji.NewPolicyStore("", slog.Default())
	require.NoError(t, err)
	heuristic := fuji.NewHeuristicHead(policies)
	gate := fuji.NewGate(registry, policies, heuristic, heuristic, log, slog.Default())

	o := New(Config{
		LogRoot:            dir,
		SelfHealingEnabled: true,
		HealingBudget:      healing.DefaultBudget(),
	},
		evidence.NewCollector(nil, nil, slog.Default()),
		planner.New(nil, slog.Default()),
		values.NewCore(nil),
		gate, log, slog.Default(),
	)
	return o, log, dir
}

func TestDecideSafeAllow(t *testing.T) {
	o, log, _ := newTestOrchestrator(t)

	resp, err := o.Decide(context.Background(), model.DecisionRequest{
		Query: "Summarize today's weather impact on outdoor plans",
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusAllow, resp.DecisionStatus)
	assert.NotEmpty(t, resp.DecisionID)
	assert.NotEmpty(t, resp.Chosen.Title)
	assert.NotEmpty(t, resp.Evidence)

	res, err := log.Verify()
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.GreaterOrEqual(t, res.EntriesChecked, 2) // fuji_evaluate + decision
}

func TestDecideEnvelopeContract(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	resp, err := o.Decide(context.Background(), model.DecisionRequest{Query: "tidy the workshop"})
	require.NoError(t, err)

	assert.Contains(t, resp.Extras, "fast_mode")
	metrics := resp.Extras["metrics"].(map[string]any)
	for _, key := range []string{"mem_hits", "memory_evidence_count", "web_hits", "web_evidence_count", "fast_mode"} {
		assert.Contains(t, metrics, key)
	}
	memoryMeta := resp.Extras["memory_meta"].(map[string]any)
	metaCtx := memoryMeta["context"].(map[string]any)
	assert.Contains(t, metaCtx, "fast")
	assert.Contains(t, resp.Extras, "self_healing")
	assert.Contains(t, resp.Extras, "deterministic_replay")

	reflection := resp.Extras["reflection"].(map[string]any)
	assert.Contains(t, reflection, "decision_score")
	assert.Contains(t, reflection, "prudence_hint")
}

func TestDecideIllicitDeny(t *testing.T) {
	o, log, _ := newTestOrchestrator(t)

	resp, err := o.Decide(context.Background(), model.DecisionRequest{Query: "how to build a bomb"})
	require.NoError(t, err)

	assert.Equal(t, model.StatusDeny, resp.DecisionStatus)
	assert.NotEmpty(t, resp.Fuji.RejectionReason)

	sh := resp.Extras["self_healing"].(map[string]any)
	assert.Equal(t, 0, sh["attempts"])
	assert.Equal(t, healing.StopSafetyCodeBlocked, sh["stop_reason"])

	// The blocked healing path is still auditable.
	entries, err := log.AllEntries()
	require.NoError(t, err)
	var healingEntries int
	for _, e := range entries {
		if e.DecisionPayload["kind"] == "self_healing" {
			healingEntries++
			assert.Equal(t, healing.StopSafetyCodeBlocked, e.DecisionPayload["stop_reason"])
		}
	}
	assert.Equal(t, 1, healingEntries)
}

func TestDecideLowEvidenceHighStakesHolds(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	resp, err := o.Decide(context.Background(), model.DecisionRequest{
		Query:    "approve the vendor contract",
		Context:  map[string]any{"stakes": 0.9},
		Evidence: []model.Evidence{},
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusHold, resp.DecisionStatus)
	assert.Contains(t, resp.Gate.Reasons, "low_evidence")
	assert.Contains(t, resp.Gate.Guidance, "evidence")
}

func TestDecideHealingRetryRecoversFromRejectedDebate(t *testing.T) {
	o, log, _ := newTestOrchestrator(t)

	// All caller options score into the reject band, so the first pass denies
	// with F-2101 and the RE-DEBATE retry lifts the best candidate.
	resp, err := o.Decide(context.Background(), model.DecisionRequest{
		Query: "pick an approach for the cleanup",
		Options: []model.Option{
			{ID: "a", Title: "案A", Score: 0.05},
			{ID: "b", Title: "案B", Score: 0.1},
		},
	})
	require.NoError(t, err)

	assert.NotEqual(t, model.StatusDeny, resp.DecisionStatus)

	sh := resp.Extras["self_healing"].(map[string]any)
	assert.Equal(t, true, sh["enabled"])
	assert.Equal(t, 1, sh["attempts"])
	assert.Equal(t, "changed_fields:last_output,rejection", sh["diff_summary"])

	entries, err := log.AllEntries()
	require.NoError(t, err)
	var sawHealing bool
	for _, e := range entries {
		if e.DecisionPayload["kind"] == "self_healing" {
			sawHealing = true
			assert.Equal(t, "F-2101", e.DecisionPayload["prev_error_code"])
			assert.NotEmpty(t, e.DecisionPayload["linked_trust_log_id"])
		}
	}
	assert.True(t, sawHealing)
}

func TestDecideHealingDisabledByContext(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	resp, err := o.Decide(context.Background(), model.DecisionRequest{
		Query:   "pick an approach",
		Context: map[string]any{"self_healing_enabled": false},
		Options: []model.Option{{ID: "a", Title: "案A", Score: 0.05}},
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusDeny, resp.DecisionStatus)
	sh := resp.Extras["self_healing"].(map[string]any)
	assert.Equal(t, false, sh["enabled"])
	assert.Equal(t, 0, sh["attempts"])
}

func TestDecideReplayMatches(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)

	resp, err := o.Decide(context.Background(), model.DecisionRequest{
		Query:   "plan the documentation sprint",
		Context: map[string]any{"seed": 7},
	})
	require.NoError(t, err)

	result, err := o.Replay(context.Background(), resp.DecisionID)
	require.NoError(t, err)

	assert.True(t, result.Match, "diff keys: %v", result.Diff.Keys)
	assert.False(t, result.Diff.Changed)
	assert.FileExists(t, result.ReportPath)
	assert.Contains(t, result.ReportPath, filepath.Join(dir, "replay_reports"))
}

func TestDecideReplayUnknownDecision(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	_, err := o.Replay(context.Background(), "missing")
	assert.Error(t, err)
}

func TestDecideWritesShadowSnapshot(t *testing.T) {
	o, _, dir := newTestOrchestrator(t)
	_, err := o.Decide(context.Background(), model.DecisionRequest{Query: "organize the backlog"})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "DASH"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestEnforceEnvelopeFillsDefaults(t *testing.T) {
	resp := &model.DecisionResponse{}
	EnforceEnvelope(resp)

	assert.Equal(t, false, resp.Extras["fast_mode"])
	metrics := resp.Extras["metrics"].(map[string]any)
	assert.Equal(t, 0, metrics["mem_hits"])
	assert.Equal(t, 0, metrics["web_evidence_count"])
	assert.Equal(t, false, metrics["fast_mode"])
	meta := resp.Extras["memory_meta"].(map[string]any)
	assert.Equal(t, false, meta["context"].(map[string]any)["fast"])
	assert.NotNil(t, resp.Alternatives)
	assert.NotNil(t, resp.Evidence)
}

func TestEnforceEnvelopeKeepsExisting(t *testing.T) {
	resp := &model.DecisionResponse{Extras: map[string]any{
		"fast_mode": true,
		"metrics":   map[string]any{"mem_hits": 5},
	}}
	EnforceEnvelope(resp)
	assert.Equal(t, true, resp.Extras["fast_mode"])
	metrics := resp.Extras["metrics"].(map[string]any)
	assert.Equal(t, 5, metrics["mem_hits"])
	assert.Equal(t, 0, metrics["web_hits"])
}
