package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"growthscript/internal/chat"
	"growthscript/internal/directory"
	"growthscript/internal/storage"
)

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.directory.List(r.Context(), session(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, clients)
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var in directory.ClientInput
	if !s.decodeJSON(w, r, &in) {
		return
	}
	res, err := s.directory.Create(r.Context(), session(r), in)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	c, err := s.directory.Get(r.Context(), session(r), chi.URLParam(r, "clientID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	var in directory.ClientInput
	if !s.decodeJSON(w, r, &in) {
		return
	}
	res, err := s.directory.Update(r.Context(), session(r), chi.URLParam(r, "clientID"), in)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	if err := s.directory.Delete(r.Context(), session(r), chi.URLParam(r, "clientID")); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegenerateEmbedding(w http.ResponseWriter, r *http.Request) {
	if err := s.directory.RegenerateEmbedding(r.Context(), session(r), chi.URLParam(r, "clientID")); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (s *Server) handleEmbeddingStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.directory.Embedding(r.Context(), session(r), chi.URLParam(r, "clientID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

// ownedClient loads the client from the URL and writes the error response
// when it does not belong to the caller.
func (s *Server) ownedClient(w http.ResponseWriter, r *http.Request) (storage.Client, bool) {
	c, err := s.store.GetClient(r.Context(), session(r).UserID, chi.URLParam(r, "clientID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return storage.Client{}, false
	}
	return c, true
}

// ownedChat also checks that the chat hangs off the client in the URL.
func (s *Server) ownedChat(w http.ResponseWriter, r *http.Request) (storage.Chat, bool) {
	c, err := s.store.GetChat(r.Context(), session(r).UserID, chi.URLParam(r, "chatID"))
	if err == nil && c.ClientID != chi.URLParam(r, "clientID") {
		err = storage.ErrNotFound
	}
	if err != nil {
		s.respondServiceError(w, r, err)
		return storage.Chat{}, false
	}
	return c, true
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	client, ok := s.ownedClient(w, r)
	if !ok {
		return
	}
	chats, err := s.store.ListChats(r.Context(), session(r).UserID, client.ID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, chats)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	client, ok := s.ownedClient(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"chat_name"`
	}
	if r.ContentLength != 0 && !s.decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = chat.DefaultChatName(time.Now())
	}
	c, err := s.store.CreateChat(r.Context(), storage.Chat{ClientID: client.ID, UserID: session(r).UserID, Name: name})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ownedChat(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ownedChat(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"chat_name"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.respondError(w, http.StatusBadRequest, "chat_name is required")
		return
	}
	if err := s.store.RenameChat(r.Context(), c.UserID, c.ID, name); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	c.Name = name
	s.respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	c, ok := s.ownedChat(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteChat(r.Context(), c.UserID, c.ID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMemory(w http.ResponseWriter, r *http.Request) {
	client, ok := s.ownedClient(w, r)
	if !ok {
		return
	}
	entries, err := s.store.ListMemory(r.Context(), client.ID, session(r).UserID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	client, ok := s.ownedClient(w, r)
	if !ok {
		return
	}
	e, err := s.store.GetMemory(r.Context(), client.ID, session(r).UserID, chi.URLParam(r, "key"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, e)
}

func (s *Server) handlePutMemory(w http.ResponseWriter, r *http.Request) {
	client, ok := s.ownedClient(w, r)
	if !ok {
		return
	}
	var req struct {
		Value json.RawMessage `json:"value"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	e, err := s.store.UpsertMemory(r.Context(), storage.MemoryEntry{
		ClientID: client.ID,
		UserID:   session(r).UserID,
		Key:      chi.URLParam(r, "key"),
		Value:    req.Value,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	client, ok := s.ownedClient(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteMemory(r.Context(), client.ID, session(r).UserID, chi.URLParam(r, "key")); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
