// Package pipeline implements the decision orchestrator: stage sequencing
// (evidence → plan → debate → score → gate → log), the response-envelope
// contract, the self-healing retry edge, and deterministic replay.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-ai/veritas/internal/atomicio"
	"github.com/veritas-ai/veritas/internal/evidence"
	"github.com/veritas-ai/veritas/internal/fuji"
	"github.com/veritas-ai/veritas/internal/governance"
	"github.com/veritas-ai/veritas/internal/healing"
	"github.com/veritas-ai/veritas/internal/llm"
	"github.com/veritas-ai/veritas/internal/model"
	"github.com/veritas-ai/veritas/internal/planner"
	"github.com/veritas-ai/veritas/internal/trustlog"
	"github.com/veritas-ai/veritas/internal/values"
)

// ErrIntegrity marks a trust-log write failure. Unlike degraded external
// dependencies this must surface to the caller: a decision that cannot be
// recorded must not be served.
var ErrIntegrity = errors.New("pipeline: trust log integrity failure")

// Config are the orchestrator's own knobs; stage collaborators are injected
// separately.
type Config struct {
	LogRoot            string
	SelfHealingEnabled bool
	HealingBudget      healing.Budget
}

// Orchestrator runs the pipeline.
type Orchestrator struct {
	cfg       Config
	collector *evidence.Collector
	planner   *planner.Planner
	core      *values.Core
	gate      *fuji.Gate
	log       *trustlog.Log
	logger    *slog.Logger
}

// New wires the orchestrator.
func New(cfg Config, collector *evidence.Collector, pl *planner.Planner, core *values.Core, gate *fuji.Gate, log *trustlog.Log, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		collector: collector,
		planner:   pl,
		core:      core,
		gate:      gate,
		log:       log,
		logger:    logger,
	}
}

func (o *Orchestrator) snapshotDir() string {
	return filepath.Join(o.cfg.LogRoot, "decisions")
}

func (o *Orchestrator) replayReportDir() string {
	return filepath.Join(o.cfg.LogRoot, "replay_reports")
}

func (o *Orchestrator) dashDir() string {
	return filepath.Join(o.cfg.LogRoot, "DASH")
}

// Decide executes the pipeline for one request. Policy rejections are
// first-class responses; only trust-log write failures return an error.
func (o *Orchestrator) Decide(ctx context.Context, req model.DecisionRequest) (model.DecisionResponse, error) {
	requestID := uuid.New().String()
	intent := evidence.DetectIntent(req.Query)
	seed, temperature := replayParams(req.Context)

	healingEnabled := o.cfg.SelfHealingEnabled && contextAllowsHealing(req.Context)
	state := healing.NewState()
	var lastInput *healing.Input

	reqCtx := cloneContext(req.Context)
	selfHealing := map[string]any{"enabled": healingEnabled, "attempts": 0}

	var (
		resp       model.DecisionResponse
		metrics    evidence.Metrics
		gateTrust  string
		fujiResult model.FujiDecision
	)

	for {
		attemptReq := req
		attemptReq.Context = reqCtx

		evs, m := o.collector.Collect(ctx, attemptReq, intent)
		metrics = m

		plan := o.planner.BuildPlan(ctx, req.Query, reqCtx, "", "", llm.Params{Temperature: temperature, Seed: seed})

		candidates := req.Options
		if len(candidates) == 0 {
			candidates = planner.OptionsFromPlan(plan)
		}
		debate := planner.RunDebate(candidates, o.gate.BannedKeywords(), healingRedebateActive(reqCtx))

		chosen, alternatives := values.ScoreAlternatives(o.core, debate.Chosen, debate.Alternatives, intent)

		fujiResult, gateTrust = o.gate.Assess(ctx, fuji.Input{
			RequestID:        requestID,
			Query:            req.Query,
			Chosen:           chosen,
			Context:          reqCtx,
			EvidenceCount:    len(evs),
			EvidenceProvided: true,
			Stakes:           floatFrom(reqCtx, "stakes"),
			TelosScore:       chosen.Score,
			SafeApplied:      boolFrom(reqCtx, "safe_applied"),
			DebateUnresolved: debate.Unresolved,
		})

		resp = model.DecisionResponse{
			RequestID:      requestID,
			DecisionStatus: fujiResult.ExternalStatus,
			Chosen:         chosen,
			Alternatives:   alternatives,
			Evidence:       evs,
			Gate: model.GateResult{
				Status:     fujiResult.ExternalStatus,
				Risk:       fujiResult.Risk,
				Reasons:    fujiResult.Reasons,
				Violations: fujiResult.Violations,
				Guidance:   fujiResult.Guidance,
			},
			Fuji:       fujiResult,
			TrustLogID: gateTrust,
			Extras: map[string]any{
				"fast_mode": req.FastMode,
				"metrics": map[string]any{
					"mem_hits":              metrics.MemHits,
					"memory_evidence_count": metrics.MemoryEvidenceCount,
					"web_hits":              metrics.WebHits,
					"web_evidence_count":    metrics.WebEvidenceCount,
					"fast_mode":             metrics.FastMode,
				},
				"memory_meta": map[string]any{
					"context": map[string]any{"fast": req.FastMode},
				},
				"plan": map[string]any{
					"source": plan.Source,
					"steps":  len(plan.Steps),
				},
				"intent": intent,
			},
		}

		if fujiResult.InternalStatus != model.FujiDeny {
			if state.Attempt > 0 && lastInput != nil {
				// A retry recovered: summarize what the healed pass changed.
				finalInput := healing.BuildInput(req.Query,
					map[string]any{"chosen": chosen.Title, "status": fujiResult.ExternalStatus},
					map[string]any{}, state.Attempt+1, lastInput.PolicyDecision)
				selfHealing["diff_summary"] = healing.DiffSummary(lastInput, finalInput)
			}
			break
		}

		stopReason, retried := o.evaluateHealing(requestID, req.Query, healingEnabled, state, &lastInput, fujiResult, resp, reqCtx)
		if retried {
			selfHealing["attempts"] = state.Attempt
			continue
		}
		if stopReason != "" {
			selfHealing["stop_reason"] = stopReason
		}
		break
	}

	selfHealing["attempts"] = state.Attempt
	resp.Extras["self_healing"] = selfHealing
	resp.Extras["reflection"] = reflect(resp)
	resp.Extras["deterministic_replay"] = map[string]any{
		"seed":        seed,
		"temperature": temperature,
	}
	EnforceEnvelope(&resp)

	entry, err := o.log.Append(decisionPayload(requestID, req, resp))
	if err != nil {
		return model.DecisionResponse{}, fmt.Errorf("%w: append decision: %w", ErrIntegrity, err)
	}
	resp.DecisionID = entry.DecisionID
	if resp.TrustLogID == "" {
		resp.TrustLogID = entry.DecisionID
	}

	o.persistReplaySnapshot(entry.DecisionID, seed, temperature, req, resp)
	o.writeShadowSnapshot(requestID, req, resp)

	if err := governance.AppendEMA(governance.HistoryPathFor(o.cfg.LogRoot), resp.Chosen.Score); err != nil {
		o.logger.Warn("pipeline: value history append failed", "error", err)
	}

	return resp, nil
}

// evaluateHealing decides whether a rejection becomes a retry. It always
// emits a self_healing trust-log entry — blocked paths must be auditable too.
// Returns the stop reason (if any) and whether a retry was scheduled.
func (o *Orchestrator) evaluateHealing(requestID, query string, enabled bool, state *healing.State,
	lastInput **healing.Input, fujiResult model.FujiDecision, resp model.DecisionResponse, reqCtx map[string]any) (string, bool) {

	code := rejectionCode(fujiResult)
	action := healing.DecideAction(code, feedbackAction(fujiResult))

	emit := func(attempt int, chosenAction, diffSummary, stopReason string) {
		payload := healing.TrustLogEntry(requestID, enabled, attempt, code, chosenAction,
			healing.BudgetRemaining(state, o.cfg.HealingBudget), diffSummary, resp.TrustLogID, stopReason)
		if _, err := o.log.Append(payload); err != nil {
			o.logger.Error("pipeline: self_healing trust log append failed", "error", err)
		}
	}

	if !enabled {
		emit(state.Attempt, action.Action, "initial_healing_input", healing.StopDisabled)
		return healing.StopDisabled, false
	}
	if !action.Allow {
		emit(state.Attempt, action.Action, "initial_healing_input", action.StopReason)
		return action.StopReason, false
	}

	input := healing.BuildInput(query,
		map[string]any{"chosen": resp.Chosen, "status": resp.DecisionStatus, "risk": resp.Gate.Risk},
		fujiResult.Rejection, state.Attempt+1, action.Action)
	signature, err := healing.Signature(input)
	if err != nil {
		o.logger.Warn("pipeline: healing signature failed", "error", err)
		return "", false
	}

	if stop := healing.CheckGuardrails(state, o.cfg.HealingBudget, code, signature); stop != "" {
		emit(state.Attempt, action.Action, healing.DiffSummary(*lastInput, input), stop)
		return stop, false
	}

	diff := healing.DiffSummary(*lastInput, input)
	healing.Advance(state, code, signature)
	*lastInput = &input

	reqCtx["healing"] = map[string]any{"input": input, "action": action.Action}
	emit(state.Attempt, action.Action, diff, "")
	return "", true
}

func (o *Orchestrator) persistReplaySnapshot(decisionID string, seed int64, temperature float64, req model.DecisionRequest, resp model.DecisionResponse) {
	snapshot := map[string]any{
		"decision_id":  decisionID,
		"seed":         seed,
		"temperature":  temperature,
		"request_body": req,
		"final_output": resp,
	}
	path := filepath.Join(o.snapshotDir(), decisionID+".json")
	if err := atomicio.WriteJSON(path, snapshot); err != nil {
		o.logger.Warn("pipeline: replay snapshot write failed", "error", err)
	}
}

// writeShadowSnapshot drops the lightweight per-decision dashboard record.
// Best-effort: failures only log.
func (o *Orchestrator) writeShadowSnapshot(requestID string, req model.DecisionRequest, resp model.DecisionResponse) {
	ts := time.Now().UTC().Format("20060102_150405.000")
	record := map[string]any{
		"request_id":  requestID,
		"created_at":  time.Now().UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z"),
		"query":       req.Query,
		"chosen":      resp.Chosen,
		"telos_score": resp.Chosen.Score,
		"fuji":        resp.Fuji.ExternalStatus,
	}
	path := filepath.Join(o.dashDir(), "decide_"+ts+".json")
	if err := atomicio.WriteJSON(path, record); err != nil {
		o.logger.Warn("pipeline: shadow snapshot write failed", "error", err)
	}
}

// reflect is the closing look-back over one decision: a neutral-default
// score plus a prudence hint, set when the outcome scored below 0.5 or was
// not allowed. The hint is
// advisory — scoring weights are never mutated mid-flight, so a replayed
// decision sees the same value core.
func reflect(resp model.DecisionResponse) map[string]any {
	score := resp.Chosen.Score
	if score == 0 {
		score = 0.5
	}
	return map[string]any{
		"decision_score": score,
		"prudence_hint":  score < 0.5 || resp.DecisionStatus != model.StatusAllow,
	}
}

func decisionPayload(requestID string, req model.DecisionRequest, resp model.DecisionResponse) map[string]any {
	return map[string]any{
		"kind":            "decision",
		"request_id":      requestID,
		"query":           req.Query,
		"decision_status": resp.DecisionStatus,
		"chosen": map[string]any{
			"id":      resp.Chosen.ID,
			"title":   resp.Chosen.Title,
			"score":   resp.Chosen.Score,
			"verdict": resp.Chosen.Verdict,
		},
		"risk":           resp.Gate.Risk,
		"violations":     resp.Gate.Violations,
		"evidence_count": len(resp.Evidence),
		"fuji_status":    resp.Fuji.InternalStatus,
	}
}

func rejectionCode(d model.FujiDecision) string {
	if d.Rejection == nil {
		return ""
	}
	if errObj, ok := d.Rejection["error"].(map[string]any); ok {
		if code, ok := errObj["code"].(string); ok {
			return code
		}
	}
	return ""
}

func feedbackAction(d model.FujiDecision) string {
	if d.Rejection == nil {
		return ""
	}
	if fb, ok := d.Rejection["feedback"].(map[string]any); ok {
		if action, ok := fb["action"].(string); ok {
			return action
		}
	}
	return ""
}

func contextAllowsHealing(ctx map[string]any) bool {
	if ctx == nil {
		return true
	}
	if v, ok := ctx["self_healing_enabled"].(bool); ok {
		return v
	}
	return true
}

func healingRedebateActive(ctx map[string]any) bool {
	h, ok := ctx["healing"].(map[string]any)
	if !ok {
		return false
	}
	action, _ := h["action"].(string)
	return action == fuji.ActionReDebate || action == fuji.ActionReCritique
}

func replayParams(ctx map[string]any) (int64, float64) {
	var seed int64
	temperature := 0.0
	if ctx != nil {
		if f, ok := asNumber(ctx["seed"]); ok {
			seed = int64(f)
		}
		if f, ok := asNumber(ctx["temperature"]); ok {
			temperature = f
		}
	}
	return seed, temperature
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func floatFrom(ctx map[string]any, key string) float64 {
	if ctx == nil {
		return 0
	}
	f, _ := asNumber(ctx[key])
	return f
}

func boolFrom(ctx map[string]any, key string) bool {
	if ctx == nil {
		return false
	}
	b, _ := ctx[key].(bool)
	return b
}

func cloneContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
