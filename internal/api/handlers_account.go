package api

import (
	"net/http"
)

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	user, err := s.subscriptions.Load(r.Context(), sess)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"session":      sess,
		"subscription": user,
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.directory.Stats(r.Context(), session(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.Revoke(r.Context(), session(r)); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.account.Delete(r.Context(), session(r)); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
