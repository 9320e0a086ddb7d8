package fuji

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/veritas-ai/veritas/internal/model"
	"github.com/veritas-ai/veritas/internal/sanitize"
	"github.com/veritas-ai/veritas/internal/trustlog"
)

// Violation labels surfaced on gate results.
const (
	ViolationIllicit     = "illicit"
	ViolationInjection   = "prompt_injection"
	ViolationPII         = "pii"
	ViolationLowEvidence = "low_evidence"
	ViolationDebate      = "critique_unresolved"
)

// Input carries everything the gate needs for one assessment.
type Input struct {
	RequestID string
	Query     string
	Chosen    model.Option
	Context   map[string]any

	EvidenceCount    int
	EvidenceProvided bool // An evidence list was supplied or collected, even if empty.
	Stakes           float64
	TelosScore       float64

	// SafeApplied marks input the caller already PII-masked.
	SafeApplied bool
	// ValidateOnly marks a standalone policy pre-check (no pipeline evidence).
	ValidateOnly bool
	// DebateUnresolved marks a chosen option that is a degraded fallback
	// because every candidate was rejected or blocked.
	DebateUnresolved bool
}

// Gate is the three-stage FUJI assessment.
type Gate struct {
	registry  *Registry
	policies  *PolicyStore
	head      SafetyHead
	heuristic *HeuristicHead
	log       *trustlog.Log
	logger    *slog.Logger
}

// NewGate wires the gate. head may be the heuristic head itself when no
// provider is configured or VERITAS_SAFETY_MODE forces the fallback.
func NewGate(registry *Registry, policies *PolicyStore, head SafetyHead, heuristic *HeuristicHead, log *trustlog.Log, logger *slog.Logger) *Gate {
	return &Gate{
		registry:  registry,
		policies:  policies,
		head:      head,
		heuristic: heuristic,
		log:       log,
		logger:    logger,
	}
}

// Registry exposes the code table for rejection construction elsewhere.
func (g *Gate) Registry() *Registry { return g.registry }

// BannedKeywords returns the active hard-block list, used by the debate
// stage for option title integrity checks. Soft terms flag, they don't ban.
func (g *Gate) BannedKeywords() []string {
	return g.policies.Current().HardBlockKeywords
}

// Assess runs rule screen, safety head, and policy decision, returning the
// full decision plus the trust-log id of the fuji_evaluate audit event.
func (g *Gate) Assess(ctx context.Context, in Input) (model.FujiDecision, string) {
	policy := g.policies.Current()
	text := strings.TrimSpace(in.Query + "\n" + in.Chosen.Title + "\n" + in.Chosen.Description)

	// Stage A — deterministic rule screen.
	rule := g.ruleScreen(policy, text)

	// Stage B — safety head, heuristic-combined.
	start := time.Now()
	head, err := g.head.Analyze(ctx, text, map[string]any{"stakes": in.Stakes})
	if err != nil && g.heuristic != nil {
		head, _ = g.heuristic.Analyze(ctx, text, map[string]any{"stakes": in.Stakes})
	}
	latency := time.Since(start)

	trustLogID := g.logEvaluate(in.RequestID, policy, head, text, latency)

	// Stage C — policy decision.
	decision := g.policyDecision(policy, in, rule, head, trustLogID)
	return decision, trustLogID
}

type ruleScreenResult struct {
	hardHits  []string
	softHits  []string
	injection bool
	piiHits   []string
}

func (g *Gate) ruleScreen(policy Policy, text string) ruleScreenResult {
	normalized := strings.ToLower(text)

	var res ruleScreenResult
	for _, kw := range policy.HardBlockKeywords {
		if kw != "" && strings.Contains(normalized, strings.ToLower(kw)) {
			res.hardHits = append(res.hardHits, kw)
		}
	}
	for _, kw := range policy.SoftFlagKeywords {
		if kw != "" && strings.Contains(normalized, strings.ToLower(kw)) {
			res.softHits = append(res.softHits, kw)
		}
	}
	for _, pat := range policy.InjectionPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			g.logger.Warn("fuji: invalid injection pattern", "pattern", pat, "error", err)
			continue
		}
		if re.MatchString(text) {
			res.injection = true
			break
		}
	}
	res.piiHits = sanitize.Detect(text)
	return res
}

// logEvaluate emits the fuji_evaluate audit event. The preview is redacted
// per the audit policy before it reaches the ledger.
func (g *Gate) logEvaluate(requestID string, policy Policy, head HeadResult, text string, latency time.Duration) string {
	preview := text
	if policy.Audit.RedactBeforeLog {
		preview = sanitize.MaskPII(preview)
	}
	if len(preview) > 200 {
		preview = preview[:200]
	}

	entry, err := g.log.Append(map[string]any{
		"kind":           "fuji_evaluate",
		"request_id":     requestID,
		"risk_score":     head.RiskScore,
		"categories":     head.Categories,
		"policy_version": policy.Version,
		"latency_ms":     latency.Milliseconds(),
		"text_preview":   preview,
		"model":          head.Model,
	})
	if err != nil {
		g.logger.Error("fuji: trust log append failed for fuji_evaluate", "error", err)
		return ""
	}
	return entry.DecisionID
}

func (g *Gate) policyDecision(policy Policy, in Input, rule ruleScreenResult, head HeadResult, trustLogID string) model.FujiDecision {
	risk := head.RiskScore
	categories := append([]string{}, head.Categories...)
	var reasons, violations []string

	illicit := len(rule.hardHits) > 0 || head.HasCategory("illicit")
	if len(rule.softHits) > 0 && !contains(categories, "sensitive") {
		categories = append(categories, "sensitive")
	}

	// PII softening rules run before threshold mapping.
	piiViolation := len(rule.piiHits) > 0
	switch {
	case piiViolation && sanitize.OnlyNameLike(rule.piiHits):
		// A bare name-like pattern is noise, not PII.
		piiViolation = false
		if risk > 0.20 {
			risk = 0.20
		}
		reasons = append(reasons, "fallback_pii_ignored")
	case piiViolation && in.SafeApplied:
		piiViolation = false
		if risk > 0.40 {
			risk = 0.40
		}
		reasons = append(reasons, "pii_safe_applied")
	}

	internal := model.FujiAllow
	rejectionCode := ""

	escalate := func(status string) {
		if rank(status) > rank(internal) {
			internal = status
		}
	}

	switch {
	case rule.injection:
		violations = append(violations, ViolationInjection)
		reasons = append(reasons, "injection_pattern_detected")
		rejectionCode = "F-4001"
		escalate(model.FujiDeny)
	case illicit && risk >= 0.6:
		violations = append(violations, ViolationIllicit)
		reasons = append(reasons, "illicit_high_risk")
		rejectionCode = "F-4002"
		escalate(model.FujiDeny)
	case in.DebateUnresolved:
		violations = append(violations, ViolationDebate)
		reasons = append(reasons, "debate_unresolved")
		rejectionCode = "F-2101"
		escalate(model.FujiDeny)
	}

	if piiViolation {
		violations = append(violations, ViolationPII)
		reasons = append(reasons, "pii_detected")
		if internal != model.FujiDeny {
			if risk > policy.RiskThresholds.HumanReviewUpper {
				rejectionCode = "F-4003"
				escalate(model.FujiDeny)
			} else {
				escalate(model.FujiNeedsHumanReview)
			}
		}
	}

	// Threshold mapping for whatever risk remains.
	if internal != model.FujiDeny {
		switch {
		case risk > policy.RiskThresholds.HumanReviewUpper:
			reasons = append(reasons, "risk_above_human_review_threshold")
			if rejectionCode == "" {
				rejectionCode = "F-4002"
			}
			escalate(model.FujiDeny)
		case risk > policy.RiskThresholds.WarnUpper:
			reasons = append(reasons, "risk_above_warn_threshold")
			escalate(model.FujiNeedsHumanReview)
		case risk > policy.RiskThresholds.AllowUpper:
			reasons = append(reasons, "risk_above_allow_threshold")
			escalate(model.FujiAllowWithWarning)
		}
	}

	// Low-evidence enforcement. Standalone pre-checks without evidence skip
	// this; everything else enforces it, with a raised floor at high stakes.
	guidance := ""
	if !(in.ValidateOnly && !in.EvidenceProvided) {
		minEvidence := policy.MinEvidence
		if minEvidence < 1 {
			minEvidence = 1
		}
		if in.Stakes >= 0.7 {
			minEvidence++
		}
		if in.EvidenceCount < minEvidence {
			violations = append(violations, ViolationLowEvidence)
			reasons = append(reasons, "low_evidence")
			guidance = "insufficient evidence: add primary sources or supporting evidence before retrying"
			if internal != model.FujiDeny {
				if risk >= policy.RiskThresholds.WarnUpper {
					rejectionCode = "F-1002"
					escalate(model.FujiDeny)
				} else {
					escalate(model.FujiNeedsHumanReview)
				}
			}
		}
	}

	decision := model.FujiDecision{
		InternalStatus: internal,
		ExternalStatus: model.ExternalStatusFor(internal),
		LegacyStatus:   model.LegacyStatusFor(internal),
		Risk:           clamp01(risk),
		Categories:     categories,
		Reasons:        reasons,
		Violations:     violations,
		Guidance:       guidance,
	}

	if internal == model.FujiDeny {
		if rejectionCode == "" {
			rejectionCode = "F-4002"
		}
		entry, _ := g.registry.Lookup(rejectionCode)
		decision.RejectionReason = fmt.Sprintf("%s: %s", rejectionCode, entry.Error.Message)
		rejection, err := g.registry.BuildRejection(rejectionCode, trustLogID, "", "")
		if err != nil {
			g.logger.Error("fuji: build rejection failed", "code", rejectionCode, "error", err)
		} else {
			decision.Rejection = rejection
		}
	}

	if decision.Reasons == nil {
		decision.Reasons = []string{}
	}
	if decision.Violations == nil {
		decision.Violations = []string{}
	}
	if decision.Categories == nil {
		decision.Categories = []string{}
	}
	return decision
}

// rank orders internal statuses by severity for escalation.
func rank(status string) int {
	switch status {
	case model.FujiAllow:
		return 0
	case model.FujiAllowWithWarning:
		return 1
	case model.FujiNeedsHumanReview:
		return 2
	case model.FujiDeny:
		return 3
	default:
		return 2
	}
}
