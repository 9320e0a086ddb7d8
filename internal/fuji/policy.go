package fuji

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Policy is the YAML-configurable screening policy for the gate's rule stage
// and policy stage.
type Policy struct {
	Version string `yaml:"version" json:"version"`

	// Keyword screens. Hard hits classify the text as illicit; soft hits
	// classify it as sensitive.
	HardBlockKeywords []string `yaml:"hard_block_keywords" json:"hard_block_keywords"`
	SoftFlagKeywords  []string `yaml:"soft_flag_keywords" json:"soft_flag_keywords"`

	// Overt instruction-override patterns (regular expressions).
	InjectionPatterns []string `yaml:"injection_patterns" json:"injection_patterns"`

	RiskThresholds RiskThresholds `yaml:"risk_thresholds" json:"risk_thresholds"`

	MinEvidence int `yaml:"min_evidence" json:"min_evidence"`

	Audit AuditPolicy `yaml:"audit" json:"audit"`
}

// RiskThresholds partition the combined risk score into gate outcomes.
type RiskThresholds struct {
	AllowUpper       float64 `yaml:"allow_upper" json:"allow_upper"`
	WarnUpper        float64 `yaml:"warn_upper" json:"warn_upper"`
	HumanReviewUpper float64 `yaml:"human_review_upper" json:"human_review_upper"`
}

// AuditPolicy controls what reaches the trust log.
type AuditPolicy struct {
	RedactBeforeLog bool `yaml:"redact_before_log" json:"redact_before_log"`
}

// DefaultPolicy returns the built-in policy used when no YAML file is
// configured. The heuristic safety head reads these same keyword lists; it
// scores hard and soft hits alike as illicit, while the rule screen treats
// soft hits as sensitive.
func DefaultPolicy() Policy {
	return Policy{
		Version: "fuji_policy_v2",
		HardBlockKeywords: []string{
			"kill", "exploit", "illegal", "weapon", "malware", "bomb", "doxx",
			"毒", "殺", "爆弾", "銃", "兵器", "ハッキング", "違法",
		},
		SoftFlagKeywords: []string{
			"bio", "pathogen", "drug synthesis", "zero-day", "bypass",
			"生物兵器", "毒物合成", "ゼロデイ", "脱獄", "暗号回避",
		},
		InjectionPatterns: []string{
			`(?i)ignore\s+(?:all\s+|any\s+)?(?:previous\s+|prior\s+)?(?:instructions|rules)`,
			`(?i)disregard\s+(?:the\s+|your\s+)?(?:system|safety)\s+(?:prompt|policy)`,
			`(?i)you are now (?:dan|unrestricted|jailbroken)`,
			`これまでの指示(をすべて)?無視`,
		},
		RiskThresholds: RiskThresholds{
			AllowUpper:       0.40,
			WarnUpper:        0.65,
			HumanReviewUpper: 0.85,
		},
		MinEvidence: 1,
		Audit:       AuditPolicy{RedactBeforeLog: true},
	}
}

// LoadPolicy reads and validates a YAML policy file. Missing fields fall back
// to the defaults.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return Policy{}, fmt.Errorf("fuji: read policy: %w", err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("fuji: parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	t := p.RiskThresholds
	if t.AllowUpper < 0 || t.AllowUpper > 1 || t.WarnUpper < 0 || t.WarnUpper > 1 || t.HumanReviewUpper < 0 || t.HumanReviewUpper > 1 {
		return fmt.Errorf("fuji: risk thresholds must be within [0,1]")
	}
	if !(t.AllowUpper <= t.WarnUpper && t.WarnUpper <= t.HumanReviewUpper) {
		return fmt.Errorf("fuji: risk thresholds must be ordered allow <= warn <= human_review")
	}
	if p.MinEvidence < 0 {
		return fmt.Errorf("fuji: min_evidence must be non-negative")
	}
	return nil
}

// PolicyStore holds the active policy and hot-reloads it when the backing
// file changes. Reads are lock-free.
type PolicyStore struct {
	path    string
	current atomic.Pointer[Policy]
	logger  *slog.Logger
}

// NewPolicyStore loads the initial policy. An empty path uses the built-in
// defaults with no file watching.
func NewPolicyStore(path string, logger *slog.Logger) (*PolicyStore, error) {
	s := &PolicyStore{path: path, logger: logger}

	p := DefaultPolicy()
	if path != "" {
		loaded, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		p = loaded
	}
	s.current.Store(&p)
	return s, nil
}

// Current returns the active policy.
func (s *PolicyStore) Current() Policy {
	return *s.current.Load()
}

// Reload re-reads the backing file. A broken file keeps the previous policy
// active and logs the failure; the gate must never run without a policy.
func (s *PolicyStore) Reload() {
	if s.path == "" {
		return
	}
	p, err := LoadPolicy(s.path)
	if err != nil {
		s.logger.Warn("fuji: policy reload failed, keeping previous", "path", s.path, "error", err)
		return
	}
	s.current.Store(&p)
	s.logger.Info("fuji: policy reloaded", "path", s.path, "version", p.Version)
}

// Watch reloads the policy on file write/create events until ctx is done.
// Editors that replace the file via rename re-add the watch on the parent
// directory, so the watcher targets the directory, not the file.
func (s *PolicyStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fuji: create policy watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("fuji: watch policy dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					s.Reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("fuji: policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
