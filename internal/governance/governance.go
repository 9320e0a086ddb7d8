// Package governance manages the operator-editable governance policy
// (governance.json) and the value-drift metric derived from the value EMA
// history. Policy writes bump the version and timestamp; reads tolerate a
// missing file by materializing defaults.
package governance

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/veritas-ai/veritas/internal/atomicio"
)

// DefaultTelosBaseline is the fixed drift anchor.
const DefaultTelosBaseline = 0.5

var allowedAuditIntensity = map[string]bool{"low": true, "standard": true, "high": true}

// Policy is the governance policy object.
type Policy struct {
	FujiEnabled        bool     `json:"fuji_enabled"`
	RiskThreshold      float64  `json:"risk_threshold"`
	AutoStopConditions []string `json:"auto_stop_conditions"`
	LogRetentionDays   int      `json:"log_retention_days"`
	AuditIntensity     string   `json:"audit_intensity"`
	UpdatedAt          string   `json:"updated_at"`
	UpdatedBy          string   `json:"updated_by,omitempty"`
	Version            int      `json:"version"`
}

// Store is the file-backed policy store. A single mutex serializes writes;
// reads re-parse the file so external edits are picked up.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store persisting to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func defaultPolicy() Policy {
	return Policy{
		FujiEnabled:   true,
		RiskThreshold: 0.6,
		AutoStopConditions: []string{
			"policy_violation_detected",
			"risk_threshold_exceeded",
		},
		LogRetentionDays: 90,
		AuditIntensity:   "standard",
		UpdatedAt:        utcNow(),
		Version:          1,
	}
}

// Get loads the current policy, materializing and persisting defaults when
// the file is absent.
func (s *Store) Get() (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			p := defaultPolicy()
			if err := atomicio.WriteJSON(s.path, p); err != nil {
				return Policy{}, err
			}
			return p, nil
		}
		return Policy{}, fmt.Errorf("governance: read policy: %w", err)
	}

	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("governance: policy file is corrupted: %w", err)
	}
	if err := validate(p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Update validates and persists payload, bumping version and timestamp.
// updatedBy is truncated to a sane length before it reaches disk.
func (s *Store) Update(payload Policy, updatedBy string) (Policy, error) {
	if err := validate(payload); err != nil {
		return Policy{}, err
	}

	current, err := s.Get()
	if err != nil {
		return Policy{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	payload.Version = current.Version + 1
	payload.UpdatedAt = utcNow()
	if len(updatedBy) > 200 {
		updatedBy = updatedBy[:200]
	}
	if updatedBy == "" {
		updatedBy = "api"
	}
	payload.UpdatedBy = updatedBy

	if err := atomicio.WriteJSON(s.path, payload); err != nil {
		return Policy{}, err
	}
	return payload, nil
}

func validate(p Policy) error {
	if p.RiskThreshold < 0 || p.RiskThreshold > 1 {
		return fmt.Errorf("governance: risk_threshold must be within [0,1]")
	}
	if p.LogRetentionDays < 1 || p.LogRetentionDays > 3650 {
		return fmt.Errorf("governance: log_retention_days must be within [1,3650]")
	}
	if !allowedAuditIntensity[p.AuditIntensity] {
		return fmt.Errorf("governance: audit_intensity must be low, standard, or high")
	}
	for _, cond := range p.AutoStopConditions {
		if cond == "" {
			return fmt.Errorf("governance: auto_stop_conditions must contain non-empty strings")
		}
	}
	return nil
}

// MetricPoint is one EMA observation in the value history.
type MetricPoint struct {
	EMA       float64 `json:"ema"`
	Timestamp string  `json:"timestamp"`
}

// Drift is the value-drift report against the fixed baseline.
type Drift struct {
	Baseline     float64       `json:"baseline"`
	LatestEMA    float64       `json:"latest_ema"`
	DriftPercent float64       `json:"drift_percent"`
	History      []MetricPoint `json:"history"`
	Status       string        `json:"status"` // "ok" or "no_data"
}

// ValueDrift computes drift of the value EMA relative to the fixed anchor.
// historyPath points at the value_stats.json written by the scoring stage.
func ValueDrift(historyPath string, baseline float64) Drift {
	baseline = clamp01(baseline)
	history := loadHistory(historyPath)

	latest := baseline
	if len(history) > 0 {
		latest = history[len(history)-1].EMA
	}

	driftPercent := 0.0
	if baseline > 0 {
		driftPercent = math.Round(((latest-baseline)/baseline)*100*100) / 100
	}

	status := "ok"
	if len(history) == 0 {
		status = "no_data"
	}

	return Drift{
		Baseline:     baseline,
		LatestEMA:    latest,
		DriftPercent: driftPercent,
		History:      history,
		Status:       status,
	}
}

func loadHistory(path string) []MetricPoint {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var doc struct {
		History []json.RawMessage `json:"history"`
	}
	var rawList []json.RawMessage
	if err := json.Unmarshal(data, &doc); err == nil && len(doc.History) > 0 {
		rawList = doc.History
	} else if err := json.Unmarshal(data, &rawList); err != nil {
		return nil
	}

	points := make([]MetricPoint, 0, len(rawList))
	for i, raw := range rawList {
		var item map[string]any
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		ema, ok := item["ema"].(float64)
		if !ok {
			continue
		}
		ts, _ := item["timestamp"].(string)
		if ts == "" {
			ts, _ = item["created_at"].(string)
		}
		if ts == "" {
			ts = fmt.Sprintf("point-%d", i)
		}
		points = append(points, MetricPoint{EMA: clamp01(ema), Timestamp: ts})
	}
	return points
}

// AppendEMA records a new EMA observation to the history file.
func AppendEMA(path string, ema float64) error {
	points := loadHistory(path)
	points = append(points, MetricPoint{EMA: clamp01(ema), Timestamp: utcNow()})
	if len(points) > 1000 {
		points = points[len(points)-1000:]
	}
	return atomicio.WriteJSON(path, map[string]any{"history": points})
}

// HistoryPathFor returns the canonical value_stats.json location under the
// log root.
func HistoryPathFor(logRoot string) string {
	return filepath.Join(logRoot, "value_stats.json")
}

func utcNow() string {
	return time.Now().UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
