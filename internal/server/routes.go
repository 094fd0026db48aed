package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/feedcal/internal/engine"
	"github.com/lazypower/feedcal/internal/store"
)

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID      string     `json:"owner_id"`
		SourceID     string     `json:"source_id"`
		AuthorHandle string     `json:"author_handle"`
		Action       string     `json:"action"`
		OccurredAt   *time.Time `json:"occurred_at"`
	}
	if !decode(w, r, &req) {
		return
	}
	action, err := engine.ParseAction(req.Action)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.OwnerID == "" || req.SourceID == "" {
		s.fail(w, r, fmt.Errorf("%w: owner_id and source_id are required", engine.ErrInvalidInput))
		return
	}
	if req.AuthorHandle != "" && store.NormalizeHandle(req.AuthorHandle) == "" {
		s.fail(w, r, fmt.Errorf("%w: %q", engine.ErrInvalidHandle, req.AuthorHandle))
		return
	}

	// Trust first: if it fails nothing has been applied.
	resp := map[string]any{}
	if req.AuthorHandle != "" {
		var at time.Time
		if req.OccurredAt != nil {
			at = *req.OccurredAt
		}
		p, err := s.trust.ApplyFeedback(r.Context(), req.SourceID, req.AuthorHandle, action, at)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp["policy"] = policyJSON(s.trust.Project(*p))
	}

	cal, err := s.cal.UpdateOnFeedback(r.Context(), engine.CalibrationUpdate{
		OwnerID:  req.OwnerID,
		SourceID: req.SourceID,
		Action:   action,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp["calibration"] = calibrationJSON(cal)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleItemShown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	cal, err := s.cal.RecordItemShown(r.Context(), req.OwnerID, chi.URLParam(r, "sourceID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, calibrationJSON(cal))
}

func (s *Server) handleGetCalibrations(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	sources := r.URL.Query()["source"]
	if len(sources) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "at least one source parameter required")
		return
	}
	cals, err := s.cal.GetBatch(r.Context(), ownerID, sources)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make(map[string]calibrationResponse, len(cals))
	for id, c := range cals {
		out[id] = calibrationJSON(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": ownerID, "calibrations": out})
}

func (s *Server) handleResetCalibration(w http.ResponseWriter, r *http.Request) {
	cal, err := s.cal.Reset(r.Context(), chi.URLParam(r, "ownerID"), chi.URLParam(r, "sourceID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cal == nil {
		writeError(w, http.StatusNotFound, "not_found", "no calibration for source")
		return
	}
	writeJSON(w, http.StatusOK, calibrationJSON(cal))
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidates []struct {
			SourceID string  `json:"source_id"`
			AIScore  float64 `json:"ai_score"`
		} `json:"candidates"`
	}
	if !decode(w, r, &req) {
		return
	}
	candidates := make([]engine.Candidate, len(req.Candidates))
	for i, c := range req.Candidates {
		candidates[i] = engine.Candidate{SourceID: c.SourceID, AIScore: c.AIScore}
	}
	scores, err := s.cal.ScoreBatch(r.Context(), chi.URLParam(r, "ownerID"), candidates)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	views, err := s.trust.ListPolicyViews(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]policyResponse, len(views))
	for i, v := range views {
		out[i] = policyJSON(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": out})
}

func (s *Server) handleUpsertPolicies(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handles []string `json:"handles"`
	}
	if !decode(w, r, &req) {
		return
	}
	n, err := s.trust.UpsertDefaults(r.Context(), chi.URLParam(r, "sourceID"), req.Handles)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": n})
}

func (s *Server) handleUpdateMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if !decode(w, r, &req) {
		return
	}
	p, err := s.trust.UpdateMode(r.Context(), chi.URLParam(r, "sourceID"), chi.URLParam(r, "handle"), req.Mode)
	s.writePolicy(w, r, p, err)
}

func (s *Server) handleResetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.trust.ResetPolicy(r.Context(), chi.URLParam(r, "sourceID"), chi.URLParam(r, "handle"))
	s.writePolicy(w, r, p, err)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	v, err := s.trust.View(r.Context(), chi.URLParam(r, "sourceID"), chi.URLParam(r, "handle"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "not_found", "no policy for handle")
		return
	}
	writeJSON(w, http.StatusOK, policyJSON(*v))
}

func (s *Server) handleRecomputePolicy(w http.ResponseWriter, r *http.Request) {
	now, ok := s.recomputeTime(w, r)
	if !ok {
		return
	}
	p, err := s.trust.RecomputeFromFeedback(r.Context(), chi.URLParam(r, "sourceID"), chi.URLParam(r, "handle"), now)
	s.writePolicy(w, r, p, err)
}

func (s *Server) handleRecomputeSource(w http.ResponseWriter, r *http.Request) {
	now, ok := s.recomputeTime(w, r)
	if !ok {
		return
	}
	n, err := s.trust.RecomputeSource(r.Context(), chi.URLParam(r, "sourceID"), now)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recomputed": n})
}

// recomputeTime reads the optional RFC 3339 "at" query parameter. Absent
// means the current time.
func (s *Server) recomputeTime(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("at")
	if v == "" {
		return time.Time{}, true
	}
	at, err := time.Parse(time.RFC3339, v)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: at %q is not RFC 3339", engine.ErrInvalidInput, v))
		return time.Time{}, false
	}
	return at, true
}

func (s *Server) writePolicy(w http.ResponseWriter, r *http.Request, p *store.TrustPolicy, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "not_found", "no policy for handle")
		return
	}
	writeJSON(w, http.StatusOK, policyJSON(s.trust.Project(*p)))
}

// fail maps engine and store errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, store.ErrConflict):
		s.log.Warn("write conflict", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, store.ErrCorruptState):
		s.log.Error("corrupt state", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "corrupt_state", err.Error())
	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
