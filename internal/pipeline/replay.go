package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/veritas-ai/veritas/internal/atomicio"
	"github.com/veritas-ai/veritas/internal/canonical"
	"github.com/veritas-ai/veritas/internal/model"
)

// ReplayDiff describes the structural difference between original and
// replayed outputs.
type ReplayDiff struct {
	Changed bool     `json:"changed"`
	Keys    []string `json:"keys"`
}

// ReplayResult is the outcome of re-running a persisted decision.
type ReplayResult struct {
	DecisionID   string     `json:"decision_id"`
	Match        bool       `json:"match"`
	Diff         ReplayDiff `json:"diff"`
	ReplayTimeMS int64      `json:"replay_time_ms"`
	ReportPath   string     `json:"report_path"`
}

// volatileKeys are per-run identifiers and timings that legitimately differ
// between a decision and its replay; they are stripped before diffing.
var volatileKeys = map[string]bool{
	"request_id":   true,
	"decision_id":  true,
	"trust_log_id": true,
	"latency_ms":   true,
	"timestamp":    true,
	"created_at":   true,
	"generated_at": true,
}

type replaySnapshot struct {
	DecisionID  string                `json:"decision_id"`
	Seed        int64                 `json:"seed"`
	Temperature float64               `json:"temperature"`
	RequestBody model.DecisionRequest `json:"request_body"`
	FinalOutput json.RawMessage       `json:"final_output"`
}

// Replay loads the persisted snapshot for decisionID, re-invokes the
// pipeline with the original inputs, and structurally diffs the outputs.
// The result is also written to the replay report directory.
func (o *Orchestrator) Replay(ctx context.Context, decisionID string) (ReplayResult, error) {
	data, err := os.ReadFile(filepath.Join(o.snapshotDir(), decisionID+".json"))
	if err != nil {
		return ReplayResult{}, fmt.Errorf("pipeline: load replay snapshot: %w", err)
	}
	var snap replaySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ReplayResult{}, fmt.Errorf("pipeline: parse replay snapshot: %w", err)
	}

	start := time.Now()
	replayed, err := o.Decide(ctx, snap.RequestBody)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("pipeline: replay run: %w", err)
	}
	elapsed := time.Since(start)

	diff, err := diffOutputs(snap.FinalOutput, replayed)
	if err != nil {
		return ReplayResult{}, err
	}

	result := ReplayResult{
		DecisionID:   decisionID,
		Match:        !diff.Changed,
		Diff:         diff,
		ReplayTimeMS: elapsed.Milliseconds(),
	}

	ts := time.Now().UTC().Format("20060102T150405Z")
	result.ReportPath = filepath.Join(o.replayReportDir(), fmt.Sprintf("replay_%s_%s.json", decisionID, ts))
	if err := atomicio.WriteJSON(result.ReportPath, result); err != nil {
		return ReplayResult{}, fmt.Errorf("pipeline: write replay report: %w", err)
	}
	return result, nil
}

func diffOutputs(original json.RawMessage, replayed model.DecisionResponse) (ReplayDiff, error) {
	var origAny any
	if err := json.Unmarshal(original, &origAny); err != nil {
		return ReplayDiff{}, fmt.Errorf("pipeline: parse original output: %w", err)
	}
	replayedRaw, err := json.Marshal(replayed)
	if err != nil {
		return ReplayDiff{}, fmt.Errorf("pipeline: serialize replayed output: %w", err)
	}
	var replAny any
	if err := json.Unmarshal(replayedRaw, &replAny); err != nil {
		return ReplayDiff{}, err
	}

	origNorm := stripVolatile(origAny)
	replNorm := stripVolatile(replAny)

	origMap, _ := origNorm.(map[string]any)
	replMap, _ := replNorm.(map[string]any)
	if origMap == nil || replMap == nil {
		equal, err := canonicallyEqual(origNorm, replNorm)
		if err != nil {
			return ReplayDiff{}, err
		}
		return ReplayDiff{Changed: !equal, Keys: []string{}}, nil
	}

	changedKeys := []string{}
	for _, key := range unionKeys(origMap, replMap) {
		equal, err := canonicallyEqual(origMap[key], replMap[key])
		if err != nil {
			return ReplayDiff{}, err
		}
		if !equal {
			changedKeys = append(changedKeys, key)
		}
	}
	return ReplayDiff{Changed: len(changedKeys) > 0, Keys: changedKeys}, nil
}

func canonicallyEqual(a, b any) (bool, error) {
	ca, err := canonical.Marshal(a)
	if err != nil {
		return false, err
	}
	cb, err := canonical.Marshal(b)
	if err != nil {
		return false, err
	}
	return string(ca) == string(cb), nil
}

// stripVolatile removes per-run keys recursively.
func stripVolatile(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if volatileKeys[k] {
				continue
			}
			out[k] = stripVolatile(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = stripVolatile(el)
		}
		return out
	default:
		return v
	}
}

func unionKeys(a, b map[string]any) []string {
	set := map[string]bool{}
	for k := range a {
		set[k] = true
	}
	for k := range b {
		set[k] = true
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
