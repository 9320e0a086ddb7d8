package server

import (
	"encoding/json"
	"net/http"

	"github.com/veritas-ai/veritas/internal/memory"
)

func (s *Server) handleMemoryPut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string         `json:"kind"`
		Text string         `json:"text"`
		Tags []string       `json:"tags"`
		Meta map[string]any `json:"meta"`
	}
	if err := json.Unmarshal(rawBodyFromContext(r.Context()), &req); err != nil || req.Kind == "" || req.Text == "" {
		writeError(w, http.StatusUnprocessableEntity, errKindValidation, "body must carry kind and text")
		return
	}

	id, err := s.memory.Put(r.Context(), req.Kind, memory.Item{
		Text: req.Text,
		Tags: req.Tags,
		Meta: req.Meta,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, errKindValidation, "unknown memory kind")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "kind": req.Kind})
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(rawBodyFromContext(r.Context()), &req); err != nil || req.Kind == "" || req.ID == "" {
		writeError(w, http.StatusUnprocessableEntity, errKindValidation, "body must carry kind and id")
		return
	}

	item, ok := s.memory.Get(req.Kind, req.ID)
	if !ok {
		writeError(w, http.StatusNotFound, errKindNotFound, "no such memory item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query  string   `json:"query"`
		K      int      `json:"k"`
		Kinds  []string `json:"kinds"`
		MinSim *float64 `json:"min_sim"`
	}
	if err := json.Unmarshal(rawBodyFromContext(r.Context()), &req); err != nil || req.Query == "" {
		writeError(w, http.StatusUnprocessableEntity, errKindValidation, "body must carry a query")
		return
	}

	minSim := 0.25
	if req.MinSim != nil {
		minSim = *req.MinSim
	}
	hits, err := s.memory.Search(r.Context(), req.Query, req.K, req.Kinds, minSim)
	if err != nil {
		s.writeInternalError(w, r, "memory search failed", err)
		return
	}
	if hits == nil {
		hits = []memory.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}
