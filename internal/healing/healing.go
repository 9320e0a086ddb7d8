// Package healing implements the self-healing policy: turning FUJI
// rejections into bounded, auditable retries. Safety and value-policy codes
// never retry; everything else follows the per-code action map under a
// combined budget of attempts, steps, wall-clock, and repeated errors.
package healing

import (
	"fmt"
	"strings"
	"time"

	"github.com/veritas-ai/veritas/internal/canonical"
	"github.com/veritas-ai/veritas/internal/fuji"
)

// Stop reasons recorded on trust-log healing entries.
const (
	StopSafetyCodeBlocked  = "safety_code_blocked"
	StopEthicalBoundary    = "ethical_boundary"
	StopValueCoreMismatch  = "value_core_mismatch"
	StopUnknownCode        = "unknown_code"
	StopFeedbackReview     = "feedback_human_review"
	StopMaxAttempts        = "max_attempts_exceeded"
	StopBudgetSteps        = "budget_steps_exceeded"
	StopBudgetTime         = "budget_time_exceeded"
	StopSameErrorLimit     = "same_error_consecutive_limit"
	StopNoMeaningfulChange = "no_meaningful_change"
	StopDisabled           = "healing_disabled"
)

// Budget is the guardrail ceiling for one healing session.
type Budget struct {
	MaxAttempts  int
	MaxSteps     int
	MaxSeconds   float64
	MaxSameError int
}

// DefaultBudget mirrors the environment defaults.
func DefaultBudget() Budget {
	return Budget{MaxAttempts: 3, MaxSteps: 6, MaxSeconds: 20.0, MaxSameError: 2}
}

// State tracks one decision's healing session. Advanced only after a retry
// is actually scheduled.
type State struct {
	Attempt            int
	StepsUsed          int
	StartTime          time.Time
	LastErrorCode      string
	SameErrorCount     int
	LastInputSignature string
}

// NewState starts a session clock.
func NewState() *State {
	return &State{StartTime: time.Now()}
}

// Decision is the policy outcome for one rejection code.
type Decision struct {
	Action     string
	Allow      bool
	Reason     string
	StopReason string
}

// IsSafetyCode reports whether code belongs to the Safety & Security layer.
func IsSafetyCode(code string) bool {
	return strings.HasPrefix(code, "F-4")
}

// actionByCode is the fixed retryable-code map.
var actionByCode = map[string]string{
	"F-1002": fuji.ActionRequestEvidence,
	"F-1005": fuji.ActionReCritique,
	"F-2101": fuji.ActionReDebate,
	"F-2203": fuji.ActionReDebate,
}

// DecideAction resolves the healing action for a FUJI error code. Safety
// codes, ethical boundaries, and value-core mismatches always route to human
// review and never retry.
func DecideAction(code, feedbackAction string) Decision {
	switch {
	case IsSafetyCode(code):
		return Decision{
			Action: fuji.ActionHumanReview, Allow: false,
			Reason:     "safety_or_security_code_requires_human_review",
			StopReason: StopSafetyCodeBlocked,
		}
	case code == "F-3008":
		return Decision{
			Action: fuji.ActionHumanReview, Allow: false,
			Reason:     "ethical_boundary_requires_human_review",
			StopReason: StopEthicalBoundary,
		}
	case code == "F-3001":
		return Decision{
			Action: fuji.ActionHumanReview, Allow: false,
			Reason:     "value_core_mismatch_requires_human_review",
			StopReason: StopValueCoreMismatch,
		}
	}

	action, ok := actionByCode[code]
	if !ok {
		action = coerceAction(feedbackAction)
	}
	if action == "" {
		return Decision{
			Action: fuji.ActionHumanReview, Allow: false,
			Reason:     "unknown_code_requires_human_review",
			StopReason: StopUnknownCode,
		}
	}
	if action == fuji.ActionHumanReview {
		return Decision{
			Action: action, Allow: false,
			Reason:     "feedback_requires_human_review",
			StopReason: StopFeedbackReview,
		}
	}
	return Decision{
		Action: action, Allow: true,
		Reason: fmt.Sprintf("policy_map:%s->%s", code, action),
	}
}

func coerceAction(raw string) string {
	switch raw {
	case fuji.ActionReDebate, fuji.ActionReCritique, fuji.ActionRequestEvidence,
		fuji.ActionRewritePlan, fuji.ActionHumanReview:
		return raw
	default:
		return ""
	}
}

// Input is the standardized retry payload appended to context as
// context.healing.input.
type Input struct {
	OriginalTask   string         `json:"original_task"`
	LastOutput     map[string]any `json:"last_output"`
	Rejection      map[string]any `json:"rejection"`
	Attempt        int            `json:"attempt"`
	PolicyDecision string         `json:"policy_decision"`
}

// BuildInput assembles the retry payload from a rejection.
func BuildInput(originalTask string, lastOutput, rejection map[string]any, attempt int, policyDecision string) Input {
	trimmed := map[string]any{}
	for _, key := range []string{"status", "gate", "error", "feedback", "trust_log_id"} {
		if v, ok := rejection[key]; ok {
			trimmed[key] = v
		}
	}
	return Input{
		OriginalTask:   originalTask,
		LastOutput:     lastOutput,
		Rejection:      trimmed,
		Attempt:        attempt,
		PolicyDecision: policyDecision,
	}
}

// Signature builds a deterministic fingerprint of a healing input, ignoring
// the attempt counter so a retry that changes nothing is detectable.
func Signature(in Input) (string, error) {
	payload := map[string]any{
		"original_task":   in.OriginalTask,
		"last_output":     in.LastOutput,
		"rejection":       in.Rejection,
		"policy_decision": in.PolicyDecision,
	}
	b, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("healing: signature: %w", err)
	}
	return string(b), nil
}

// DiffSummary summarizes what changed between two consecutive healing inputs.
func DiffSummary(prev *Input, next Input) string {
	if prev == nil {
		return "initial_healing_input"
	}

	var changed []string
	if prev.OriginalTask != next.OriginalTask {
		changed = append(changed, "original_task")
	}
	if !mapsEqual(prev.LastOutput, next.LastOutput) {
		changed = append(changed, "last_output")
	}
	if !mapsEqual(prev.Rejection, next.Rejection) {
		changed = append(changed, "rejection")
	}
	if prev.PolicyDecision != next.PolicyDecision {
		changed = append(changed, "policy_decision")
	}
	if len(changed) == 0 {
		return "no_meaningful_change"
	}
	return "changed_fields:" + strings.Join(changed, ",")
}

func mapsEqual(a, b map[string]any) bool {
	ca, errA := canonical.Marshal(a)
	cb, errB := canonical.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ca) == string(cb)
}

// BudgetRemaining snapshots what is left of the session budget.
func BudgetRemaining(state *State, budget Budget) map[string]any {
	elapsed := time.Since(state.StartTime).Seconds()
	return map[string]any{
		"attempts_remaining": maxInt(0, budget.MaxAttempts-state.Attempt),
		"steps_remaining":    maxInt(0, budget.MaxSteps-state.StepsUsed),
		"seconds_remaining":  maxFloat(0, budget.MaxSeconds-elapsed),
	}
}

// CheckGuardrails returns a stop reason when any guardrail would be violated
// by scheduling the next attempt, or "" when the retry may proceed.
func CheckGuardrails(state *State, budget Budget, errorCode, inputSignature string) string {
	attemptNo := state.Attempt + 1
	elapsed := time.Since(state.StartTime).Seconds()

	if attemptNo > budget.MaxAttempts {
		return StopMaxAttempts
	}
	if state.StepsUsed >= budget.MaxSteps {
		return StopBudgetSteps
	}
	if elapsed >= budget.MaxSeconds {
		return StopBudgetTime
	}

	nextSameError := 1
	if errorCode != "" && errorCode == state.LastErrorCode {
		nextSameError = state.SameErrorCount + 1
	}
	if nextSameError >= budget.MaxSameError {
		return StopSameErrorLimit
	}

	if state.LastInputSignature != "" && inputSignature == state.LastInputSignature {
		return StopNoMeaningfulChange
	}
	return ""
}

// Advance updates state after a retry has been scheduled.
func Advance(state *State, errorCode, inputSignature string) {
	state.Attempt++
	state.StepsUsed++
	if errorCode != "" && errorCode == state.LastErrorCode {
		state.SameErrorCount++
	} else {
		state.SameErrorCount = 1
	}
	state.LastErrorCode = errorCode
	state.LastInputSignature = inputSignature
}

// TrustLogEntry builds the self_healing audit payload. stopReason is empty
// for scheduled retries.
func TrustLogEntry(requestID string, enabled bool, attempt int, prevErrorCode, chosenAction string,
	budgetSnapshot map[string]any, diffSummary, linkedTrustLogID, stopReason string) map[string]any {
	entry := map[string]any{
		"kind":                "self_healing",
		"request_id":          requestID,
		"healing_enabled":     enabled,
		"healing_attempt":     attempt,
		"prev_error_code":     prevErrorCode,
		"chosen_action":       chosenAction,
		"budget_remaining":    budgetSnapshot,
		"diff_summary":        diffSummary,
		"linked_trust_log_id": linkedTrustLogID,
	}
	if stopReason != "" {
		entry["stop_reason"] = stopReason
	}
	return entry
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
