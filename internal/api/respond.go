package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"growthscript/internal/auth"
	"growthscript/internal/billing"
	"growthscript/internal/chat"
	"growthscript/internal/directory"
	"growthscript/internal/frameworks"
	"growthscript/internal/storage"
	"growthscript/internal/subscription"
)

const maxBodyBytes = 1 << 20

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// respondServiceError maps domain errors to status codes. Anything unknown
// is logged and hidden behind a 500.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *chat.RateLimitError
	var ve *frameworks.ValidationError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, directory.ErrNameRequired),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, subscription.ErrNoEmail),
		errors.Is(err, billing.ErrUnknownPlan),
		errors.Is(err, frameworks.ErrNoFrameworks):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ve):
		s.respondError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, directory.ErrLimitReached):
		s.respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, directory.ErrDuplicateName):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &rl):
		retry := int(time.Until(rl.ResetAt).Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		s.respondError(w, http.StatusTooManyRequests, rl.Error())
	case errors.Is(err, billing.ErrNoCustomer):
		s.respondError(w, http.StatusNotFound, "No Stripe customer found for this account")
	case errors.Is(err, billing.ErrNotConfigured):
		s.respondError(w, http.StatusServiceUnavailable, "billing is not configured")
	default:
		s.logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		s.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func session(r *http.Request) auth.Session {
	sess, _ := auth.SessionFrom(r.Context())
	return sess
}

func (s *Server) requireBilling(w http.ResponseWriter) bool {
	if s.billing == nil {
		s.respondError(w, http.StatusServiceUnavailable, billing.ErrNotConfigured.Error())
		return false
	}
	return true
}
