package planner

import (
	"fmt"
	"strings"

	"github.com/veritas-ai/veritas/internal/model"
)

// Debate roles, applied in order. Each role adjusts a candidate's score;
// the judge normalizes the result into a verdict band.
const (
	RoleArchitect = "architect"
	RoleCritic    = "critic"
	RoleSafety    = "safety"
	RoleJudge     = "judge"
)

// DebateResult is the critique outcome over all candidates.
type DebateResult struct {
	Chosen       model.Option
	Alternatives []model.Option
	// Unresolved marks a degraded fallback chosen because every candidate
	// was blocked or rejected.
	Unresolved bool
	Notes      []string
}

// riskyTerms draw a safety-role penalty without blocking outright.
var riskyTerms = []string{"rollback不可", "irreversible", "delete all", "全削除", "本番直", "force push"}

// RunDebate evaluates candidates with the four roles and picks the chosen
// option. Candidates whose titles fail integrity checks are discarded before
// scoring. healingRedebate relaxes the rejection band for the best surviving
// candidate, modeling a critique round that incorporated prior feedback.
func RunDebate(candidates []model.Option, bannedKeywords []string, healingRedebate bool) DebateResult {
	var res DebateResult
	scored := make([]model.Option, 0, len(candidates))

	for _, opt := range candidates {
		if opt.Blocked {
			res.Notes = append(res.Notes, fmt.Sprintf("%s: skipped (blocked)", labelFor(opt)))
			continue
		}
		if !model.ValidateTitle(opt.Title, bannedKeywords) {
			res.Notes = append(res.Notes, fmt.Sprintf("%s: skipped (integrity_ok=false)", labelFor(opt)))
			continue
		}

		score := critiqueScore(opt)
		opt.ScoreRaw = score
		opt.Score = score
		opt.Verdict = model.VerdictForScore(score)
		scored = append(scored, opt)
	}

	// Pick the best non-rejected candidate.
	best := -1
	for i, opt := range scored {
		if opt.Verdict == model.VerdictReject {
			continue
		}
		if best < 0 || opt.Score > scored[best].Score {
			best = i
		}
	}

	if best < 0 && healingRedebate && len(scored) > 0 {
		// Re-debate pass: the strongest rejected candidate is revisited with
		// the critique feedback folded in and re-banded.
		idx := 0
		for i, opt := range scored {
			if opt.Score > scored[idx].Score {
				idx = i
			}
		}
		scored[idx].Score = 0.45
		scored[idx].Verdict = model.VerdictForScore(scored[idx].Score)
		best = idx
		res.Notes = append(res.Notes, fmt.Sprintf("%s: lifted by re-debate", labelFor(scored[idx])))
	}

	if best < 0 {
		// Every candidate fell: return an explicit degraded fallback so the
		// caller always receives a chosen option.
		res.Chosen = model.Option{
			ID:          "fallback",
			Title:       "保留して追加情報を集める",
			Description: "全候補が批評で却下されたため、実行せず追加の根拠収集を選ぶ。",
			Score:       0.2,
			ScoreRaw:    0.2,
			Verdict:     model.VerdictReject,
		}
		res.Alternatives = scored
		res.Unresolved = true
		return res
	}

	res.Chosen = scored[best]
	for i, opt := range scored {
		if i != best {
			res.Alternatives = append(res.Alternatives, opt)
		}
	}
	if res.Alternatives == nil {
		res.Alternatives = []model.Option{}
	}
	return res
}

// critiqueScore runs the role ladder over one candidate. Deterministic: the
// same option always scores the same.
func critiqueScore(opt model.Option) float64 {
	score := opt.Score
	if score == 0 {
		score = 0.5
	}

	// Architect: concrete descriptions are executable.
	if strings.TrimSpace(opt.Description) != "" {
		score += 0.1
	}

	// Critic: one-word titles carry no reasoning to attack or defend.
	if len([]rune(strings.TrimSpace(opt.Title))) < 4 {
		score -= 0.15
	}

	// Safety: riskier phrasing is pushed toward review.
	lower := strings.ToLower(opt.Title + " " + opt.Description)
	for _, term := range riskyTerms {
		if strings.Contains(lower, strings.ToLower(term)) {
			score -= 0.3
			break
		}
	}

	// Judge: clamp into the verdict bands.
	return clamp01(score)
}

// OptionsFromPlan derives candidate options from plan steps when the caller
// supplied none. Each step becomes a candidate whose score reflects its
// inverse risk.
func OptionsFromPlan(plan Plan) []model.Option {
	out := make([]model.Option, 0, len(plan.Steps))
	for i, step := range plan.Steps {
		id := step.ID
		if id == "" {
			id = fmt.Sprintf("opt%d", i+1)
		}
		out = append(out, model.Option{
			ID:          id,
			Title:       step.Title,
			Description: step.Detail,
			Score:       clamp01(0.75 - 0.5*step.Risk),
		})
	}
	return out
}

func labelFor(opt model.Option) string {
	if opt.ID != "" {
		return opt.ID
	}
	return preview(opt.Title, 24)
}
