package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"growthscript/internal/frameworks"
)

func (s *Server) handleListFrameworks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.frameworks.Find(r.Context(), q.Get("q"), q.Get("category"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetFramework(w http.ResponseWriter, r *http.Request) {
	f, err := s.frameworks.Get(r.Context(), chi.URLParam(r, "frameworkID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, f)
}

func (s *Server) handleSeedFrameworks(w http.ResponseWriter, r *http.Request) {
	var req frameworks.SeedRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	res, err := s.frameworks.Seed(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleDedupeEmbeddings(w http.ResponseWriter, r *http.Request) {
	res, err := s.frameworks.RemoveDuplicates(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handlePruneEmbeddings(w http.ResponseWriter, r *http.Request) {
	res, err := s.frameworks.RemoveOrphans(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}
