package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/veritas-ai/veritas/internal/governance"
)

func (s *Server) handleGovernanceGet(w http.ResponseWriter, r *http.Request) {
	policy, err := s.governance.Get()
	if err != nil {
		s.writeInternalError(w, r, "governance policy read failed", err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleGovernancePut(w http.ResponseWriter, r *http.Request) {
	var payload governance.Policy
	if err := json.Unmarshal(rawBodyFromContext(r.Context()), &payload); err != nil {
		writeError(w, http.StatusUnprocessableEntity, errKindValidation, "malformed governance policy")
		return
	}

	updated, err := s.governance.Update(payload, r.Header.Get("X-Updated-By"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errKindValidation, "governance policy rejected")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleValueDrift(w http.ResponseWriter, r *http.Request) {
	drift := governance.ValueDrift(governance.HistoryPathFor(s.cfg.LogRoot), governance.DefaultTelosBaseline)
	writeJSON(w, http.StatusOK, drift)
}

func (s *Server) handleDecisionReport(w http.ResponseWriter, r *http.Request) {
	decisionID := r.PathValue("decision_id")
	report, err := s.compliance.BuildDecisionReport(decisionID)
	if err != nil {
		writeError(w, http.StatusNotFound, errKindNotFound, "no decision found for report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGovernanceReport(w http.ResponseWriter, r *http.Request) {
	var from, to time.Time
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errKindValidation, "from must be RFC3339")
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errKindValidation, "to must be RFC3339")
			return
		}
	}

	report, err := s.compliance.BuildGovernanceReport(from, to)
	if err != nil {
		s.writeInternalError(w, r, "governance report failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
