package server

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// handleTrustLogs returns the paginated trust log, newest first.
func (s *Server) handleTrustLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, errKindValidation, "limit must be 1-500")
			return
		}
		limit = n
	}
	cursor := r.URL.Query().Get("cursor")

	items, next, err := s.trustLog.Page(limit, cursor)
	if err != nil {
		s.writeInternalError(w, r, "trust log read failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": next,
	})
}

// handleTrustForRequest returns all entries for one request with a chain
// continuity check over those entries.
func (s *Server) handleTrustForRequest(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	entries, continuity, err := s.trustLog.ForRequest(requestID)
	if err != nil {
		s.writeInternalError(w, r, "trust log read failed", err)
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, errKindNotFound, "no trust log entries for that request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"entries":    entries,
		"continuity": continuity,
	})
}

// handleTrustVerify walks the full signed chain.
func (s *Server) handleTrustVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.trustLog.Verify()
	if err != nil {
		s.writeInternalError(w, r, "trust log verification failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleTrustExport returns every entry plus the public key location.
func (s *Server) handleTrustExport(w http.ResponseWriter, r *http.Request) {
	export, err := s.trustLog.ExportAll()
	if err != nil {
		s.writeInternalError(w, r, "trust log export failed", err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}
