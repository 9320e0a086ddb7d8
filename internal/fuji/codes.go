// Package fuji implements the FUJI safety gate: the standard code registry,
// the YAML-loaded screening policy, the layered risk assessment, and the
// standardized rejection payload.
package fuji

import (
	"fmt"
	"regexp"
)

// Layer names, determined by the code prefix digit.
const (
	LayerDataEvidence   = "Data & Evidence"
	LayerLogicDebate    = "Logic & Debate"
	LayerValuePolicy    = "Value & Policy"
	LayerSafetySecurity = "Safety & Security"
)

// Severity levels.
const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// Feedback actions.
const (
	ActionReDebate        = "RE-DEBATE"
	ActionReCritique      = "RE-CRITIQUE"
	ActionRequestEvidence = "REQUEST_EVIDENCE"
	ActionRewritePlan     = "REWRITE_PLAN"
	ActionHumanReview     = "HUMAN_REVIEW"
)

// GateName identifies the gate version in rejection payloads.
const GateName = "FUJI_SAFETY_GATE_v2"

var codePattern = regexp.MustCompile(`^F-[1-4]\d{3}$`)

var layerByPrefix = map[byte]string{
	'1': LayerDataEvidence,
	'2': LayerLogicDebate,
	'3': LayerValuePolicy,
	'4': LayerSafetySecurity,
}

// CodeError describes one FUJI error code.
type CodeError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Detail   string `json:"detail"`
	Layer    string `json:"layer"`
	Severity string `json:"severity"`
	Blocking bool   `json:"blocking"`
}

// Feedback is the standard remediation instruction attached to a code.
type Feedback struct {
	Action string `json:"action"`
	Hint   string `json:"hint"`
}

// RegistryEntry pairs a code with its feedback.
type RegistryEntry struct {
	Error    CodeError
	Feedback Feedback
}

// Registry is the validated FUJI code table.
type Registry struct {
	entries map[string]RegistryEntry
}

// NewRegistry builds and validates the standard registry. Any rule violation
// is a startup error: the process must not serve with an inconsistent table.
func NewRegistry() (*Registry, error) {
	entries := map[string]RegistryEntry{
		"F-1002": {
			Error: CodeError{
				Code: "F-1002", Message: "Insufficient Evidence",
				Detail:   "根拠が結論を支えるには不十分です。",
				Layer:    LayerDataEvidence,
				Severity: SeverityMedium, Blocking: false,
			},
			Feedback: Feedback{
				Action: ActionRequestEvidence,
				Hint:   "判断に必要な一次情報・根拠を追加し、出典と妥当性を明示してください。",
			},
		},
		"F-1005": {
			Error: CodeError{
				Code: "F-1005", Message: "Inconsistent Data",
				Detail:   "証拠Aと証拠Bに解消不能な矛盾があります。",
				Layer:    LayerDataEvidence,
				Severity: SeverityHigh, Blocking: true,
			},
			Feedback: Feedback{
				Action: ActionReCritique,
				Hint:   "矛盾する証拠の優先度と原因を再評価し、整合するデータに置き換えてください。",
			},
		},
		"F-2101": {
			Error: CodeError{
				Code: "F-2101", Message: "Critique Unresolved",
				Detail:   "Critiqueで指摘されたリスクがPlanに反映されていません。",
				Layer:    LayerLogicDebate,
				Severity: SeverityHigh, Blocking: true,
			},
			Feedback: Feedback{
				Action: ActionReDebate,
				Hint:   "指摘されたリスクを反映した上で議論を再実行し、修正案を提示してください。",
			},
		},
		"F-2203": {
			Error: CodeError{
				Code: "F-2203", Message: "Logic Leap",
				Detail:   "根拠から結論までの推論に飛躍があります。",
				Layer:    LayerLogicDebate,
				Severity: SeverityMedium, Blocking: false,
			},
			Feedback: Feedback{
				Action: ActionReCritique,
				Hint:   "推論の前提と論理の連結を明示し、欠落したステップを補完してください。",
			},
		},
		"F-3001": {
			Error: CodeError{
				Code: "F-3001", Message: "ValueCore Mismatch",
				Detail:   "優先価値より別価値を優先しておりポリシー違反です。",
				Layer:    LayerValuePolicy,
				Severity: SeverityHigh, Blocking: true,
			},
			Feedback: Feedback{
				Action: ActionRewritePlan,
				Hint:   "優先価値（例: 安全性）を最上位に置いた計画へ修正してください。",
			},
		},
		"F-3008": {
			Error: CodeError{
				Code: "F-3008", Message: "Ethical Boundary",
				Detail:   "行動が倫理/規定の境界線を越えています。",
				Layer:    LayerValuePolicy,
				Severity: SeverityHigh, Blocking: true,
			},
			Feedback: Feedback{
				Action: ActionHumanReview,
				Hint:   "行動案を停止し、倫理基準に照らした再評価と人間レビューを依頼してください。",
			},
		},
		"F-4001": {
			Error: CodeError{
				Code: "F-4001", Message: "Prompt Injection Suspected",
				Detail:   "プロンプトインジェクションの疑いがあります。",
				Layer:    LayerSafetySecurity,
				Severity: SeverityHigh, Blocking: true,
			},
			Feedback: Feedback{
				Action: ActionHumanReview,
				Hint:   "入力を安全に再評価し、ポリシーを無視する指示を除去してください。",
			},
		},
		"F-4002": {
			Error: CodeError{
				Code: "F-4002", Message: "Harmful or Illicit Content",
				Detail:   "危険・違法行為に直結する内容が検出されました。",
				Layer:    LayerSafetySecurity,
				Severity: SeverityHigh, Blocking: true,
			},
			Feedback: Feedback{
				Action: ActionHumanReview,
				Hint:   "危険・違法な要素を除去した上で、人間レビューを経て再申請してください。",
			},
		},
		"F-4003": {
			Error: CodeError{
				Code: "F-4003", Message: "Sensitive Info Leak Risk",
				Detail:   "個人情報/機密情報の漏洩リスクがあります。",
				Layer:    LayerSafetySecurity,
				Severity: SeverityMedium, Blocking: true,
			},
			Feedback: Feedback{
				Action: ActionRewritePlan,
				Hint:   "個人情報を削除またはマスクし、安全な範囲に修正してください。",
			},
		},
	}

	r := &Registry{entries: entries}
	for code, entry := range entries {
		if err := enforceRegistryRules(code, entry); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func enforceRegistryRules(code string, entry RegistryEntry) error {
	if !codePattern.MatchString(code) {
		return fmt.Errorf("fuji: invalid code format: %s", code)
	}
	if entry.Error.Code != code {
		return fmt.Errorf("fuji: registry key %s does not match entry code %s", code, entry.Error.Code)
	}

	expected := layerByPrefix[code[2]]
	if entry.Error.Layer != expected {
		return fmt.Errorf("fuji: layer mismatch for %s: %s", code, entry.Error.Layer)
	}

	if entry.Error.Severity == SeverityHigh && !entry.Error.Blocking {
		return fmt.Errorf("fuji: severity HIGH requires blocking for %s", code)
	}

	if code[2] == '4' {
		if entry.Error.Severity == SeverityLow {
			return fmt.Errorf("fuji: %s must be >= MEDIUM severity", code)
		}
		if !entry.Error.Blocking {
			return fmt.Errorf("fuji: %s must be blocking", code)
		}
	}

	if code == "F-2101" && entry.Feedback.Action != ActionReDebate {
		return fmt.Errorf("fuji: F-2101 feedback action must be RE-DEBATE")
	}
	return nil
}

// Lookup returns the entry for code.
func (r *Registry) Lookup(code string) (RegistryEntry, bool) {
	e, ok := r.entries[code]
	return e, ok
}

// Validate checks that code is well-formed and registered.
func (r *Registry) Validate(code string) error {
	if !codePattern.MatchString(code) {
		return fmt.Errorf("fuji: invalid code format: %s", code)
	}
	if _, ok := r.entries[code]; !ok {
		return fmt.Errorf("fuji: unknown code: %s", code)
	}
	return nil
}

// Codes returns all registered codes (unordered).
func (r *Registry) Codes() []string {
	out := make([]string, 0, len(r.entries))
	for c := range r.entries {
		out = append(out, c)
	}
	return out
}

// BuildRejection constructs the standard REJECTED payload for code. Override
// strings replace the registry detail/hint when non-empty.
func (r *Registry) BuildRejection(code, trustLogID, detailOverride, hintOverride string) (map[string]any, error) {
	if err := r.Validate(code); err != nil {
		return nil, err
	}
	entry := r.entries[code]

	detail := entry.Error.Detail
	if detailOverride != "" {
		detail = detailOverride
	}
	hint := entry.Feedback.Hint
	if hintOverride != "" {
		hint = hintOverride
	}

	return map[string]any{
		"status": "REJECTED",
		"gate":   GateName,
		"error": map[string]any{
			"code":     entry.Error.Code,
			"message":  entry.Error.Message,
			"detail":   detail,
			"layer":    entry.Error.Layer,
			"severity": entry.Error.Severity,
			"blocking": entry.Error.Blocking,
		},
		"feedback": map[string]any{
			"action": entry.Feedback.Action,
			"hint":   hint,
		},
		"trust_log_id": trustLogID,
	}, nil
}
