package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/engramlabs/engram/internal/engine"
	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/otel"
	"github.com/engramlabs/engram/internal/search"
	"github.com/engramlabs/engram/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

// writeDomainError maps sentinel errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, model.ErrDuplicateRelation):
		writeError(w, http.StatusConflict, "duplicate_relation", err.Error())
	case errors.Is(err, model.ErrInvalidRelation), errors.Is(err, model.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, model.ErrDimensionMismatch):
		writeError(w, http.StatusConflict, "dimension_mismatch", err.Error())
	case errors.Is(err, model.ErrEmbeddingUnavailable), errors.Is(err, model.ErrSummarizationUnavailable):
		writeError(w, http.StatusBadGateway, "provider_unavailable", err.Error())
	case errors.Is(err, model.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in engine.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	res, err := s.engine.Create(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Action == engine.ActionSkipped {
		status = http.StatusOK
	}
	log.Info().
		Str("action", res.Action).
		Str("memory_id", res.MemoryID).
		Func(otel.LogTraceFields(r.Context())).
		Msg("memory create")
	writeJSON(w, status, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		// A dimension mismatch still carries the memory; surface it as a
		// warning so clients can read the row and schedule a reembed.
		if m != nil && errors.Is(err, model.ErrDimensionMismatch) {
			w.Header().Set("Warning", `299 - "embedding dimension mismatch, reembed required"`)
			writeJSON(w, http.StatusOK, m)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	mems, err := s.engine.GetBatch(r.Context(), req.IDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": mems})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch engine.UpdatePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	m, err := s.engine.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Delete(r.Context(), id, r.URL.Query().Get("actor")); err != nil {
		writeDomainError(w, err)
		return
	}
	log.Info().Str("memory_id", id).Func(otel.LogTraceFields(r.Context())).Msg("memory deleted")
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Touch(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Actor  string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	m, err := s.engine.Verify(r.Context(), chi.URLParam(r, "id"), req.Status, req.Actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.Filter{
		ProjectID: q.Get("project_id"),
		Kind:      q.Get("kind"),
		SessionID: q.Get("session_id"),
		Limit:     queryInt(q.Get("limit"), 50),
	}
	if tags := q.Get("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	if statuses := q.Get("statuses"); statuses != "" {
		f.Statuses = strings.Split(statuses, ",")
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since: "+err.Error())
			return
		}
		f.Since = &t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "until: "+err.Error())
			return
		}
		f.Until = &t
	}
	mems, err := s.engine.Timeline(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": mems})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sq := search.Query{
		ProjectID: q.Get("project_id"),
		Text:      q.Get("q"),
		Kind:      q.Get("kind"),
		Limit:     queryInt(q.Get("limit"), 10),
	}
	if tags := q.Get("tags"); tags != "" {
		sq.Tags = strings.Split(tags, ",")
	}
	if statuses := q.Get("statuses"); statuses != "" {
		sq.Statuses = strings.Split(statuses, ",")
	}
	results, err := s.searcher.Search(r.Context(), sq)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sq := search.Query{
		ProjectID: q.Get("project_id"),
		Text:      q.Get("q"),
		Kind:      q.Get("kind"),
	}
	budget := queryInt(q.Get("token_budget"), 2000)
	pack, err := s.searcher.Context(r.Context(), sq, budget)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *Server) handleReembed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string   `json:"project_id"`
		IDs       []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	n, err := s.engine.Reembed(r.Context(), req.ProjectID, req.IDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reembedded": n})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	a, err := s.scorer.Assess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRelations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dir := storage.DirOutgoing
	if q.Get("direction") == "in" {
		dir = storage.DirIncoming
	}
	rels, err := s.graph.Relations(r.Context(), chi.URLParam(r, "id"), dir, q.Get("type"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"relations": rels})
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var types []string
	if t := q.Get("types"); t != "" {
		types = strings.Split(t, ",")
	}
	chain, err := s.graph.FollowChain(r.Context(), chi.URLParam(r, "id"), types, queryInt(q.Get("max_depth"), 0))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chain": chain})
}

func (s *Server) handleAddRelation(w http.ResponseWriter, r *http.Request) {
	var rel model.Relation
	if err := json.NewDecoder(r.Body).Decode(&rel); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	rel.CreatedAt = time.Now().UTC()
	if err := s.graph.AddRelation(r.Context(), &rel); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleUpdateStrength(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID string  `json:"source_id"`
		TargetID string  `json:"target_id"`
		Type     string  `json:"type"`
		Strength float64 `json:"strength"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if err := s.graph.UpdateStrength(r.Context(), req.SourceID, req.TargetID, req.Type, req.Strength); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	var in engine.SessionSummaryInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	in.SessionID = chi.URLParam(r, "id")
	res, err := s.engine.SaveSessionSummary(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	if s.consolidator == nil {
		writeError(w, http.StatusNotImplemented, "disabled", "no summarizer configured")
		return
	}
	var req struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	report, err := s.consolidator.Run(r.Context(), req.ProjectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func queryInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
