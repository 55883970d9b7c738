package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lazypower/mnemo/internal/engine"
	"github.com/lazypower/mnemo/internal/model"
)

var validate = validator.New()

const retrieveTimeout = 60 * time.Second

// decode reads a JSON body into v. An empty body is allowed when optional.
func decode(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return err
	}
	return validate.Struct(v)
}

func queryFloat(r *http.Request, key string) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStoreInteraction(w http.ResponseWriter, r *http.Request) {
	var in model.Interaction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid json")
		return
	}
	id, err := s.engine.StoreInteraction(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecordAccess(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RecordAccess(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var q engine.RetrieveQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		badRequest(w, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), retrieveTimeout)
	defer cancel()

	results, err := s.engine.Retrieve(ctx, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []engine.RetrieveResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.RunConsolidation(r.Context())
	if err != nil {
		s.writeErrorResult(w, r, err, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		badRequest(w, "limit must be an integer")
		return
	}
	runs, err := s.engine.DB.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type discoverRequest struct {
	WindowStart         time.Time `json:"window_start"`
	WindowEnd           time.Time `json:"window_end"`
	SimilarityThreshold float64   `json:"similarity_threshold" validate:"gte=0,lte=1"`
	MinInstances        int       `json:"min_instances" validate:"gte=0"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := decode(r, &req, true); err != nil {
		badRequest(w, err.Error())
		return
	}
	if !req.WindowStart.IsZero() && !req.WindowEnd.IsZero() && !req.WindowStart.Before(req.WindowEnd) {
		badRequest(w, "window_start must be before window_end")
		return
	}

	res, err := s.engine.DiscoverPatterns(r.Context(),
		model.Window{Start: req.WindowStart, End: req.WindowEnd},
		model.DiscoveryThresholds{SimilarityThreshold: req.SimilarityThreshold, MinInstances: req.MinInstances})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	pats, err := s.engine.ListPatterns(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pats == nil {
		pats = []model.PatternCluster{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(pats),
		"patterns": pats,
	})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Positive *bool `json:"positive" validate:"required"`
	}
	if err := decode(r, &req, false); err != nil {
		badRequest(w, "positive (bool) required")
		return
	}
	p, err := s.engine.VotePattern(r.Context(), chi.URLParam(r, "id"), *req.Positive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	if !s.shares.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "share rate limit exceeded"})
		return
	}

	var req model.ShareRequest
	if err := decode(r, &req, true); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := s.engine.PreparePatternsForSharing(r.Context(), req)
	if err != nil {
		s.writeErrorResult(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ceiling float64 `json:"ceiling" validate:"gte=0"`
	}
	if err := decode(r, &req, true); err != nil {
		badRequest(w, err.Error())
		return
	}
	b, err := s.engine.StartPrivacySession(r.Context(), req.Ceiling)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, budgetJSON(b))
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.PrivacyBudget(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, budgetJSON(b))
}

func budgetJSON(b *model.PrivacyBudget) map[string]any {
	return map[string]any{
		"session_id":         b.SessionID,
		"cumulative_epsilon": b.CumulativeEpsilon,
		"ceiling":            b.Ceiling,
		"remaining":          b.Remaining(),
		"session_start":      b.SessionStart,
	}
}

func (s *Server) handleAssociations(w http.ResponseWriter, r *http.Request) {
	minStrength, err := queryFloat(r, "min_strength")
	if err != nil {
		badRequest(w, "min_strength must be a number")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		badRequest(w, "limit must be an integer")
		return
	}

	concept := chi.URLParam(r, "concept")
	edges, err := s.engine.GetAssociations(r.Context(), concept, minStrength, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if edges == nil {
		edges = []model.AssociationEdge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"concept": concept,
		"edges":   edges,
	})
}

func (s *Server) handleTraverse(w http.ResponseWriter, r *http.Request) {
	depth, err := queryInt(r, "depth")
	if err != nil {
		badRequest(w, "depth must be an integer")
		return
	}
	minStrength, err := queryFloat(r, "min_strength")
	if err != nil {
		badRequest(w, "min_strength must be a number")
		return
	}

	t, err := s.engine.Traverse(r.Context(), chi.URLParam(r, "concept"), depth, minStrength)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
