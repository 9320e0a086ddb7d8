package server

import (
	"encoding/json"
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleStatus reports version plus a non-secret configuration summary.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"config": map[string]any{
			"log_root":             s.cfg.LogRoot,
			"self_healing_enabled": s.cfg.SelfHealingEnabled,
			"rate_limit_per_min":   s.cfg.RateLimitPerMinute,
			"max_body_bytes":       s.cfg.MaxRequestBodyBytes,
			"safety_mode":          s.cfg.SafetyMode,
			"fuji_policy_path":     s.cfg.FujiPolicyPath,
			"cors_allow_origins":   s.cfg.CORSAllowOrigins,
			"web_search":           s.cfg.WebSearchURL != "",
		},
	})
}

// handleAuthToken exchanges admitted machine credentials for a short-lived
// reviewer token usable on read-only surfaces.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
		TTLSecs int    `json:"ttl_seconds"`
	}
	if body := rawBodyFromContext(r.Context()); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, errKindValidation, "invalid token request body")
			return
		}
	}
	if req.Subject == "" {
		req.Subject = "reviewer"
	}

	token, expiresAt, err := s.jwtMgr.IssueToken(req.Subject, "reviewer", time.Duration(req.TTLSecs)*time.Second)
	if err != nil {
		s.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}
