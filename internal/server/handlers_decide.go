package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veritas-ai/veritas/internal/fuji"
	"github.com/veritas-ai/veritas/internal/model"
	"github.com/veritas-ai/veritas/internal/pipeline"
)

var decideExpectedExample = map[string]any{
	"query":     "Summarize today's weather impact on outdoor plans",
	"context":   map[string]any{"stakes": 0.3},
	"fast_mode": false,
}

// handleDecide runs the full pipeline for one decision request.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	body := rawBodyFromContext(r.Context())

	var req model.DecisionRequest
	dec := json.NewDecoder(bytesReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Query == "" {
		payload := map[string]any{
			"error":            errKindValidation,
			"detail":           "malformed decision request",
			"hint":             "body must be a JSON object with a non-empty \"query\" string",
			"expected_example": decideExpectedExample,
		}
		if s.cfg.DebugMode {
			payload["raw_body"] = string(body)
		}
		writeJSON(w, http.StatusUnprocessableEntity, payload)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestDeadline)
	defer cancel()

	resp, err := s.orchestrator.Decide(ctx, req)
	if err != nil {
		if errors.Is(err, pipeline.ErrIntegrity) {
			// Integrity failures are never masked behind a generic 503.
			s.logger.Error("trust log integrity failure", "error", err,
				"request_id", RequestIDFromContext(r.Context()))
			writeError(w, http.StatusInternalServerError, errKindInternal, "audit log integrity failure")
			return
		}
		s.writeInternalError(w, r, "pipeline failure", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFujiValidate runs a standalone policy pre-check over an action
// description, without pipeline evidence.
func (s *Server) handleFujiValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action  string         `json:"action"`
		Context map[string]any `json:"context"`
	}
	if err := json.Unmarshal(rawBodyFromContext(r.Context()), &req); err != nil || req.Action == "" {
		writeError(w, http.StatusUnprocessableEntity, errKindValidation, "body must carry a non-empty action")
		return
	}

	stakes := 0.0
	safeApplied := false
	if req.Context != nil {
		if f, ok := req.Context["stakes"].(float64); ok {
			stakes = f
		}
		if b, ok := req.Context["safe_applied"].(bool); ok {
			safeApplied = b
		}
	}

	decision, _ := s.gate.Assess(r.Context(), fuji.Input{
		RequestID:    RequestIDFromContext(r.Context()),
		Query:        req.Action,
		Chosen:       model.Option{Title: req.Action},
		Context:      req.Context,
		Stakes:       stakes,
		SafeApplied:  safeApplied,
		ValidateOnly: true,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     decision.ExternalStatus,
		"reasons":    decision.Reasons,
		"violations": decision.Violations,
		"risk":       decision.Risk,
	})
}

// handleReplay re-runs a persisted decision and reports the structural diff.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	decisionID := r.PathValue("decision_id")
	result, err := s.orchestrator.Replay(r.Context(), decisionID)
	if err != nil {
		writeError(w, http.StatusNotFound, errKindNotFound, "no persisted decision for that id")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
