// Package compliance renders audit material into machine-readable reports:
// a per-decision EU AI Act transparency report and a governance summary over
// a time range. Reports are JSON files under compliance_reports/; PDF
// rendering is an external concern.
package compliance

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-ai/veritas/internal/atomicio"
	"github.com/veritas-ai/veritas/internal/governance"
	"github.com/veritas-ai/veritas/internal/trustlog"
)

// Engine builds compliance reports from the trust log and governance policy.
type Engine struct {
	log        *trustlog.Log
	govStore   *governance.Store
	reportsDir string
}

// NewEngine creates a report engine writing under reportsDir.
func NewEngine(log *trustlog.Log, govStore *governance.Store, reportsDir string) *Engine {
	return &Engine{log: log, govStore: govStore, reportsDir: reportsDir}
}

// DecisionReport is the EU AI Act transparency record for one decision.
type DecisionReport struct {
	ReportID      string         `json:"report_id"`
	Framework     string         `json:"framework"`
	GeneratedAt   string         `json:"generated_at"`
	DecisionID    string         `json:"decision_id"`
	Entry         trustlog.Entry `json:"entry"`
	ChainVerified bool           `json:"chain_verified"`
	RelatedEvents []string       `json:"related_events"` // decision_ids of same-request audit events
	Policy        any            `json:"governance_policy"`
	Path          string         `json:"-"`
}

// BuildDecisionReport assembles and persists the per-decision report.
func (e *Engine) BuildDecisionReport(decisionID string) (DecisionReport, error) {
	entries, err := e.log.AllEntries()
	if err != nil {
		return DecisionReport{}, err
	}

	var target *trustlog.Entry
	for i := range entries {
		if entries[i].DecisionID == decisionID {
			target = &entries[i]
			break
		}
	}
	if target == nil {
		return DecisionReport{}, fmt.Errorf("compliance: decision %s not found", decisionID)
	}

	verify, err := e.log.Verify()
	if err != nil {
		return DecisionReport{}, err
	}

	var related []string
	if rid, ok := target.DecisionPayload["request_id"].(string); ok && rid != "" {
		sameRequest, _, err := e.log.ForRequest(rid)
		if err == nil {
			for _, entry := range sameRequest {
				if entry.DecisionID != decisionID {
					related = append(related, entry.DecisionID)
				}
			}
		}
	}
	if related == nil {
		related = []string{}
	}

	policy, err := e.govStore.Get()
	if err != nil {
		return DecisionReport{}, err
	}

	report := DecisionReport{
		ReportID:      "euaiact_" + uuid.New().String(),
		Framework:     "EU_AI_ACT",
		GeneratedAt:   utcNow(),
		DecisionID:    decisionID,
		Entry:         *target,
		ChainVerified: verify.OK,
		RelatedEvents: related,
		Policy:        policy,
	}
	report.Path = filepath.Join(e.reportsDir, report.ReportID+".json")
	if err := atomicio.WriteJSON(report.Path, report); err != nil {
		return DecisionReport{}, err
	}
	return report, nil
}

// GovernanceReport summarizes decisions over a time range.
type GovernanceReport struct {
	ReportID     string         `json:"report_id"`
	GeneratedAt  string         `json:"generated_at"`
	From         string         `json:"from"`
	To           string         `json:"to"`
	Totals       map[string]int `json:"totals"`        // by external decision status
	EventCounts  map[string]int `json:"event_counts"`  // by trust-log kind
	HealingStops map[string]int `json:"healing_stops"` // by stop_reason
	ChainOK      bool           `json:"chain_ok"`
	EntriesTotal int            `json:"entries_total"`
	Policy       any            `json:"governance_policy"`
	Path         string         `json:"-"`
}

// BuildGovernanceReport assembles and persists the range report. Zero times
// mean an unbounded side.
func (e *Engine) BuildGovernanceReport(from, to time.Time) (GovernanceReport, error) {
	entries, err := e.log.AllEntries()
	if err != nil {
		return GovernanceReport{}, err
	}
	verify, err := e.log.Verify()
	if err != nil {
		return GovernanceReport{}, err
	}
	policy, err := e.govStore.Get()
	if err != nil {
		return GovernanceReport{}, err
	}

	totals := map[string]int{}
	eventCounts := map[string]int{}
	healingStops := map[string]int{}
	included := 0

	for _, entry := range entries {
		ts, err := time.Parse("2006-01-02T15:04:05Z", entry.Timestamp)
		if err != nil {
			continue
		}
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && ts.After(to) {
			continue
		}
		included++

		kind, _ := entry.DecisionPayload["kind"].(string)
		if kind == "" {
			kind = "decision"
		}
		eventCounts[kind]++

		if status, ok := entry.DecisionPayload["decision_status"].(string); ok {
			totals[status]++
		}
		if stop, ok := entry.DecisionPayload["stop_reason"].(string); ok {
			healingStops[stop]++
		}
	}

	report := GovernanceReport{
		ReportID:     "governance_" + uuid.New().String(),
		GeneratedAt:  utcNow(),
		From:         formatRangeBound(from),
		To:           formatRangeBound(to),
		Totals:       totals,
		EventCounts:  eventCounts,
		HealingStops: healingStops,
		ChainOK:      verify.OK,
		EntriesTotal: included,
		Policy:       policy,
	}
	report.Path = filepath.Join(e.reportsDir, report.ReportID+".json")
	if err := atomicio.WriteJSON(report.Path, report); err != nil {
		return GovernanceReport{}, err
	}
	return report, nil
}

func formatRangeBound(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func utcNow() string {
	return time.Now().UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}
