package compliance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-ai/veritas/internal/governance"
	"github.com/veritas-ai/veritas/internal/trustlog"
)

func newTestEngine(t *testing.T) (*Engine, *trustlog.Log) {
	t.Helper()
	dir := t.TempDir()
	log, err := trustlog.Open(dir)
	require.NoError(t, err)
	gov := governance.NewStore(filepath.Join(dir, "governance.json"))
	return NewEngine(log, gov, filepath.Join(dir, "compliance_reports")), log
}

func TestBuildDecisionReport(t *testing.T) {
	engine, log := newTestEngine(t)

	first, err := log.Append(map[string]any{
		"kind": "decision", "request_id": "req-1", "decision_status": "allow",
	})
	require.NoError(t, err)
	_, err = log.Append(map[string]any{
		"kind": "self_healing", "request_id": "req-1", "stop_reason": "safety_code_blocked",
	})
	require.NoError(t, err)

	report, err := engine.BuildDecisionReport(first.DecisionID)
	require.NoError(t, err)

	assert.Equal(t, "EU_AI_ACT", report.Framework)
	assert.Equal(t, first.DecisionID, report.DecisionID)
	assert.True(t, report.ChainVerified)
	assert.Len(t, report.RelatedEvents, 1)
	assert.FileExists(t, report.Path)
}

func TestBuildDecisionReportNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.BuildDecisionReport("no-such-id")
	assert.Error(t, err)
}

func TestBuildGovernanceReport(t *testing.T) {
	engine, log := newTestEngine(t)

	_, err := log.Append(map[string]any{"kind": "decision", "decision_status": "allow"})
	require.NoError(t, err)
	_, err = log.Append(map[string]any{"kind": "decision", "decision_status": "deny"})
	require.NoError(t, err)
	_, err = log.Append(map[string]any{"kind": "self_healing", "stop_reason": "max_attempts_exceeded"})
	require.NoError(t, err)

	report, err := engine.BuildGovernanceReport(time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.EntriesTotal)
	assert.Equal(t, 1, report.Totals["allow"])
	assert.Equal(t, 1, report.Totals["deny"])
	assert.Equal(t, 2, report.EventCounts["decision"])
	assert.Equal(t, 1, report.EventCounts["self_healing"])
	assert.Equal(t, 1, report.HealingStops["max_attempts_exceeded"])
	assert.True(t, report.ChainOK)

	data, err := os.ReadFile(report.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "governance_policy")
}

func TestBuildGovernanceReportRangeFilter(t *testing.T) {
	engine, log := newTestEngine(t)
	_, err := log.Append(map[string]any{"kind": "decision", "decision_status": "allow"})
	require.NoError(t, err)

	future := time.Now().UTC().Add(24 * time.Hour)
	report, err := engine.BuildGovernanceReport(future, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.EntriesTotal)
}
