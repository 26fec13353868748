package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/goliatone/go-repository-sync/entity"
)

type noteRequest struct {
	ID      string         `json:"id,omitempty"`
	Payload entity.Payload `json:"payload"`
}

type noteResponse struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	Payload   entity.Payload `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type listResponse struct {
	Notes []noteResponse `json:"notes"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
	Total int            `json:"total"`
}

type searchResult struct {
	noteResponse
	Score float64 `json:"score"`
}

type searchResponse struct {
	Query   string         `json:"query"`
	Results []searchResult `json:"results"`
}

func toResponse(e entity.Entity) noteResponse {
	return noteResponse{
		ID:        e.ID,
		Version:   e.Version,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.records.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateNote creates a note. The id is optional; one is generated when absent.
//
//	POST /api/notes
//	{"id": "n1", "payload": {"title": "Hello"}}
func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !s.decode(w, r, &req) {
		return
	}

	e, err := s.writes.Mutate(r.Context(), entity.Mutation{
		Op:      entity.OpCreate,
		ID:      req.ID,
		Payload: req.Payload,
	})
	if err != nil {
		s.respondMutationError(w, err)
		return
	}

	w.Header().Set("Location", "/api/notes/"+e.ID)
	setETag(w, e.Version)
	respondJSON(w, http.StatusCreated, toResponse(e))
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", defaultPage)
	limit := queryInt(r, "limit", defaultLimit)
	if page < 1 {
		page = defaultPage
	}
	if limit < 1 || limit > maxLimit {
		limit = defaultLimit
	}

	notes, total, err := s.records.List(r.Context(), (page-1)*limit, limit)
	if err != nil {
		s.respondMutationError(w, err)
		return
	}

	out := listResponse{Notes: make([]noteResponse, 0, len(notes)), Page: page, Limit: limit, Total: total}
	for _, n := range notes {
		out.Notes = append(out.Notes, toResponse(n))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleSearchNotes queries the index and hydrates hits through the read
// router, so results reflect the record store rather than the index.
func (s *Server) handleSearchNotes(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		respondError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	limit := queryInt(r, "limit", defaultLimit)
	if limit < 1 || limit > maxLimit {
		limit = defaultLimit
	}

	hits, err := s.searcher.Search(r.Context(), q, limit)
	if err != nil {
		s.logger.Error("search failed", "query", q, "error", err)
		respondError(w, http.StatusServiceUnavailable, "search index unavailable")
		return
	}

	ids := make([]string, len(hits))
	scores := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scores[h.ID] = h.Score
	}
	notes, err := s.reads.ReadMany(r.Context(), ids)
	if err != nil {
		s.respondMutationError(w, err)
		return
	}

	out := searchResponse{Query: q, Results: make([]searchResult, 0, len(notes))}
	for _, n := range notes {
		out.Results = append(out.Results, searchResult{noteResponse: toResponse(n), Score: scores[n.ID]})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	e, err := s.reads.Read(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondMutationError(w, err)
		return
	}
	setETag(w, e.Version)
	respondJSON(w, http.StatusOK, toResponse(e))
}

// handleUpdateNote replaces the payload of a note. The expected version comes
// from If-Match or the version query parameter.
func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	expected, ok := expectedVersion(w, r)
	if !ok {
		return
	}
	var req noteRequest
	if !s.decode(w, r, &req) {
		return
	}

	e, err := s.writes.Mutate(r.Context(), entity.Mutation{
		Op:              entity.OpUpdate,
		ID:              mux.Vars(r)["id"],
		Payload:         req.Payload,
		ExpectedVersion: expected,
	})
	if err != nil {
		s.respondMutationError(w, err)
		return
	}
	setETag(w, e.Version)
	respondJSON(w, http.StatusOK, toResponse(e))
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	expected, ok := expectedVersion(w, r)
	if !ok {
		return
	}

	e, err := s.writes.Mutate(r.Context(), entity.Mutation{
		Op:              entity.OpDelete,
		ID:              mux.Vars(r)["id"],
		ExpectedVersion: expected,
	})
	if err != nil {
		s.respondMutationError(w, err)
		return
	}
	setETag(w, e.Version)
	respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return false
	}
	return true
}

// expectedVersion reads If-Match, falling back to ?version=. A missing value
// yields zero and is rejected by validation.
func expectedVersion(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("If-Match")
	if raw == "" {
		raw = r.URL.Query().Get("version")
	}
	raw = strings.Trim(strings.TrimPrefix(strings.TrimSpace(raw), "W/"), `"`)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		respondError(w, http.StatusBadRequest, "invalid expected version")
		return 0, false
	}
	return v, true
}

func setETag(w http.ResponseWriter, version int64) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(version, 10)))
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (s *Server) respondMutationError(w http.ResponseWriter, err error) {
	var conflict *entity.ConflictError
	switch {
	case errors.As(err, &conflict):
		setETag(w, conflict.Actual)
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":   err.Error(),
			"current": conflict.Actual,
		})
	case errors.Is(err, entity.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, entity.ErrNotFound):
		respondError(w, http.StatusNotFound, "note not found")
	case errors.Is(err, entity.ErrStoreUnavailable):
		s.logger.Error("record store unavailable", "error", err)
		respondError(w, http.StatusServiceUnavailable, "record store unavailable")
	default:
		s.logger.Error("unexpected error", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
