package server

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lazypower/mnemo/internal/model"
)

type errorBody struct {
	Error  string       `json:"error"`
	Reason model.Reason `json:"reason,omitempty"`
	Result any          `json:"result,omitempty"`
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConcurrentConsolidation),
		errors.Is(err, model.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, model.ErrPrivacyBudgetExceeded):
		return http.StatusForbidden
	case errors.Is(err, model.ErrEmbeddingMissing),
		errors.Is(err, model.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorResult(w, r, err, nil)
}

// writeErrorResult sends an error alongside a partial result.
func (s *Server) writeErrorResult(w http.ResponseWriter, r *http.Request, err error, result any) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Reason: model.ReasonFor(err), Result: result})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Reason: model.ReasonInvalid})
}
