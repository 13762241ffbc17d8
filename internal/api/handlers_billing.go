package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"growthscript/internal/billing"
)

const maxWebhookBytes = 64 << 10

func (s *Server) handleCheckSubscription(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	if _, err := s.subscriptions.Load(r.Context(), sess); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	st, err := s.subscriptions.Refresh(r.Context(), sess.Email)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	if !s.requireBilling(w) {
		return
	}
	url, err := s.billing.PortalURL(r.Context(), session(r).Email, s.origin(r)+"/billing")
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if !s.requireBilling(w) {
		return
	}
	var req struct {
		PlanID string `json:"planId"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	plan, ok := billing.PlanByID(req.PlanID)
	if !ok {
		s.respondServiceError(w, r, billing.ErrUnknownPlan)
		return
	}
	origin := s.origin(r)
	url, err := s.billing.CheckoutURL(r.Context(), session(r).Email, plan,
		origin+"/billing?success=true", origin+"/billing?canceled=true")
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		s.respondError(w, http.StatusServiceUnavailable, billing.ErrNotConfigured.Error())
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	event, err := s.webhooks.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrNotConfigured) {
			s.respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Warn().Err(err).Msg("webhook signature verification failed")
		s.respondError(w, http.StatusBadRequest, "invalid signature")
		return
	}
	if err := s.subscriptions.HandleWebhookEvent(r.Context(), event); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// origin returns the caller's Origin when it is one of the configured
// frontends, so redirects land where the flow started. Anything else gets
// FRONTEND_URL.
func (s *Server) origin(r *http.Request) string {
	o := strings.TrimRight(r.Header.Get("Origin"), "/")
	if _, ok := s.origins[normalizeOrigin(o)]; ok && o != "" {
		return o
	}
	return strings.TrimRight(s.frontendURL, "/")
}
