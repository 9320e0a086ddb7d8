package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error kinds surfaced in the error envelope. Detail strings stay generic;
// internal error text never reaches a client.
const (
	errKindAdmission  = "admission_error"
	errKindValidation = "validation_error"
	errKindRateLimit  = "rate_limited"
	errKindTooLarge   = "body_too_large"
	errKindNotFound   = "not_found"
	errKindInternal   = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("server: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, map[string]any{"error": kind, "detail": detail})
}

// writeInternalError logs the real error and returns a generic 5xx envelope.
func (s *Server) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, http.StatusServiceUnavailable, errKindInternal, msg)
}
