package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"growthscript/internal/chat"
	"growthscript/internal/chatstream"
	"growthscript/internal/storage"
)

// sseSink relays a send to the browser as server-sent events.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  zerolog.Logger
	started bool
}

func newSSESink(w http.ResponseWriter, logger zerolog.Logger) *sseSink {
	f, _ := w.(http.Flusher)
	return &sseSink{w: w, flusher: f, logger: logger}
}

func (s *sseSink) Started(c storage.Chat, user storage.Message) {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true

	c.Messages = nil
	s.event("start", map[string]any{
		"chat_id":      c.ID,
		"chat":         c,
		"user_message": user,
	})
}

func (s *sseSink) Fragment(text string) {
	s.event("fragment", map[string]string{"text": text})
}

func (s *sseSink) Done(o chat.Outcome) {
	if o.Status == chat.StatusFailed && o.Err != nil {
		s.event("error", map[string]string{
			"error": o.Err.Error(),
			"kind":  chatstream.KindLabel(o.Err),
		})
	}
	s.event("done", o)
}

func (s *sseSink) event(name string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", name).Msg("failed to encode event")
		return
	}
	// write errors mean the client left; the send carries on regardless
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req chat.SendRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.ClientID = chi.URLParam(r, "clientID")

	sink := newSSESink(w, s.logger)
	if _, err := s.chat.Send(r.Context(), session(r), req, sink); err != nil {
		if sink.started {
			s.logger.Error().Err(err).Msg("send failed after stream start")
			return
		}
		s.respondServiceError(w, r, err)
	}
}
