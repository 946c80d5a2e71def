package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/PagewiseAI/pagewise-mvp/engine/rag"
)

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	// Rerank defaults on; an explicit {"rerank": false} turns it off.
	req := rag.Request{Rerank: true}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, `{"error":"query is required"}`, http.StatusBadRequest)
		return
	}

	resp, err := s.retriever.Query(r.Context(), req)
	if err != nil {
		if errors.Is(err, rag.ErrVectorSearch) {
			s.log.Error("vector search unavailable", "error", err)
			http.Error(w, `{"error":"search backend unavailable"}`, http.StatusBadGateway)
			return
		}
		s.log.Error("query failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGraphSearch takes the same request shape as /query. The response
// annotates every result with its source flags, so callers can see which
// hits came through graph traversal.
func (s *Server) handleGraphSearch(w http.ResponseWriter, r *http.Request) {
	s.handleQuery(w, r)
}

func (s *Server) handleEntitySearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, `{"error":"q is required"}`, http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entities, err := s.graph.FindEntitiesByType(r.Context(), q, r.URL.Query().Get("type"), limit)
	if err != nil {
		s.log.Error("entity search failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	depth, _ := strconv.Atoi(r.URL.Query().Get("depth"))

	entity, err := s.graph.FindEntityByID(r.Context(), id)
	if err != nil {
		s.log.Error("entity lookup failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if entity == nil {
		http.Error(w, `{"error":"entity not found"}`, http.StatusNotFound)
		return
	}

	conns, err := s.graph.Connections(r.Context(), id, depth)
	if err != nil {
		s.log.Error("connections lookup failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity":      entity,
		"connections": conns,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	breakers := make(map[string]string)
	for name, state := range s.breakers.States() {
		breakers[name] = state.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"cache":    s.dedup.Available(r.Context()),
		"breakers": breakers,
	})
}
