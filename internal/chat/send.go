// Package chat runs the send pipeline: persist the user's message, relay the
// assistant's reply as it streams, then persist the reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"growthscript/internal/auth"
	"growthscript/internal/chatstream"
	"growthscript/internal/storage"
)

// ApologyText replaces the assistant reply when the chat backend fails.
const ApologyText = "Sorry, I encountered an error while processing your request. Please try again."

const unsavedNotice = "The reply was delivered but could not be saved to chat history."

var ErrEmptyMessage = errors.New("message is empty")

type RateLimitError struct {
	Limit   int64
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d messages per hour reached, try again after %s", e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// Status of the assistant message within one send.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusSaved     Status = "saved"
	StatusUnsaved   Status = "unsaved"
	StatusFailed    Status = "failed"
)

type Streamer interface {
	Stream(ctx context.Context, req chatstream.Request, cb chatstream.Callbacks) error
}

type Limiter interface {
	Allow(ctx context.Context, subject string, now time.Time) (bool, int64, time.Time, error)
	Limit() int64
}

// Sink receives the progress of a send. Done is called exactly once after
// Started.
type Sink interface {
	Started(chat storage.Chat, user storage.Message)
	Fragment(text string)
	Done(o Outcome)
}

type Outcome struct {
	Status  Status          `json:"status"`
	Message storage.Message `json:"message"`
	Notice  string          `json:"notice,omitempty"`
	Err     error           `json:"-"`
}

type SendRequest struct {
	ClientID string `json:"-"`
	ChatID   string `json:"chat_id"`
	Content  string `json:"content"`
}

type Service struct {
	store    *storage.Store
	streamer Streamer
	limiter  Limiter
	logger   zerolog.Logger
	now      func() time.Time
}

type Config struct {
	Store    *storage.Store
	Streamer Streamer
	// Limiter may be nil to disable per-user rate limiting.
	Limiter Limiter
	Logger  zerolog.Logger
}

func New(cfg Config) *Service {
	return &Service{
		store:    cfg.Store,
		streamer: cfg.Streamer,
		limiter:  cfg.Limiter,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Send errors returned before Sink.Started mean nothing was sent to the
// chat backend. Backend failures after that are reported through the Sink
// and the returned Outcome, not as an error.
func (s *Service) Send(ctx context.Context, sess auth.Session, req SendRequest, sink Sink) (Outcome, error) {
	if strings.TrimSpace(req.Content) == "" {
		return Outcome{}, ErrEmptyMessage
	}
	if err := s.checkRate(ctx, sess); err != nil {
		return Outcome{}, err
	}
	if _, err := s.store.GetClient(ctx, sess.UserID, req.ClientID); err != nil {
		return Outcome{}, err
	}

	c, err := s.resolveChat(ctx, sess, req)
	if err != nil {
		return Outcome{}, err
	}

	userMsg, err := s.store.AppendMessage(ctx, sess.UserID, c.ID, storage.Message{
		Content: req.Content,
		IsUser:  true,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("save user message: %w", err)
	}

	log := s.logger.With().Str("chat_id", c.ID).Str("client_id", req.ClientID).Logger()
	sink.Started(c, userMsg)

	status := StatusPending
	var reply strings.Builder
	streamErr := s.streamer.Stream(ctx, chatstream.Request{
		ClientID:  req.ClientID,
		ChatID:    c.ID,
		UserID:    sess.UserID,
		UserInput: req.Content,
	}, chatstream.Callbacks{
		OnData: func(fragment string) {
			status = StatusStreaming
			reply.WriteString(fragment)
			sink.Fragment(fragment)
		},
	})

	if streamErr != nil {
		log.Warn().Err(streamErr).Str("status", string(status)).Msg("chat backend failed")
		out := Outcome{
			Status:  StatusFailed,
			Message: storage.Message{Content: ApologyText, Timestamp: s.now().UTC()},
			Err:     streamErr,
		}
		sink.Done(out)
		return out, nil
	}

	// the reply is already on screen; save it even if the caller went away
	saved, err := s.store.AppendMessage(context.WithoutCancel(ctx), sess.UserID, c.ID, storage.Message{
		Content: reply.String(),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to save assistant message")
		out := Outcome{
			Status:  StatusUnsaved,
			Message: storage.Message{Content: reply.String(), Timestamp: s.now().UTC()},
			Notice:  unsavedNotice,
			Err:     err,
		}
		sink.Done(out)
		return out, nil
	}

	out := Outcome{Status: StatusSaved, Message: saved}
	sink.Done(out)
	return out, nil
}

func (s *Service) checkRate(ctx context.Context, sess auth.Session) error {
	if s.limiter == nil {
		return nil
	}
	allowed, _, resetAt, err := s.limiter.Allow(ctx, sess.UserID, s.now())
	if err != nil {
		return err
	}
	if !allowed {
		return &RateLimitError{Limit: s.limiter.Limit(), ResetAt: resetAt}
	}
	return nil
}

// resolveChat loads the requested chat or creates one when none is given.
func (s *Service) resolveChat(ctx context.Context, sess auth.Session, req SendRequest) (storage.Chat, error) {
	if req.ChatID == "" {
		return s.store.CreateChat(ctx, storage.Chat{
			ClientID: req.ClientID,
			UserID:   sess.UserID,
			Name:     DefaultChatName(s.now()),
		})
	}
	c, err := s.store.GetChat(ctx, sess.UserID, req.ChatID)
	if err != nil {
		return storage.Chat{}, err
	}
	if c.ClientID != req.ClientID {
		return storage.Chat{}, storage.ErrNotFound
	}
	return c, nil
}

func DefaultChatName(t time.Time) string {
	return "Chat " + t.UTC().Format("1/2/2006, 3:04:05 PM")
}
