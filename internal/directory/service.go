// Package directory manages a user's clients under the plan's limits.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"growthscript/internal/auth"
	"growthscript/internal/metrics"
	"growthscript/internal/queue"
	"growthscript/internal/storage"
)

var (
	ErrNameRequired  = errors.New("client name is required")
	ErrLimitReached  = errors.New("client limit reached for your plan")
	ErrDuplicateName = errors.New("a client with this name already exists")
)

// EmbeddingWarning is returned alongside a saved client when its embedding
// job could not be queued.
const EmbeddingWarning = "Client saved, but the profile embedding could not be scheduled."

type ClientInput struct {
	Name           string `json:"client_name"`
	Industry       string `json:"industry"`
	Audience       string `json:"audience"`
	ProductTypes   string `json:"product_types"`
	BrandToneNotes string `json:"brand_tone_notes"`
}

type Result struct {
	Client  storage.Client `json:"client"`
	Warning string         `json:"warning,omitempty"`
}

type Stats struct {
	Plan        string `json:"plan"`
	ClientLimit int    `json:"client_limit"`
	ClientCount int    `json:"client_count"`
	ChatCount   int    `json:"chat_count"`
	CanAdd      bool   `json:"can_add_client"`
}

// EmbeddingStatus reports whether a client's profile embedding exists.
type EmbeddingStatus struct {
	ClientID   string     `json:"client_id"`
	Ready      bool       `json:"ready"`
	Dimensions int        `json:"dimensions,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// SubscriptionLoader yields the caller's plan row.
type SubscriptionLoader interface {
	Load(ctx context.Context, s auth.Session) (storage.User, error)
}

type Service struct {
	store   *storage.Store
	subs    SubscriptionLoader
	queue   queue.Enqueuer
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Store         *storage.Store
	Subscriptions SubscriptionLoader
	Queue         queue.Enqueuer
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Service{
		store:   cfg.Store,
		subs:    cfg.Subscriptions,
		queue:   cfg.Queue,
		logger:  cfg.Logger,
		metrics: m,
	}
}

func (s *Service) List(ctx context.Context, sess auth.Session) ([]storage.Client, error) {
	return s.store.ListClients(ctx, sess.UserID)
}

func (s *Service) Get(ctx context.Context, sess auth.Session, clientID string) (storage.Client, error) {
	return s.store.GetClient(ctx, sess.UserID, clientID)
}

// Create runs the limit and duplicate guards before writing anything.
func (s *Service) Create(ctx context.Context, sess auth.Session, in ClientInput) (Result, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Result{}, ErrNameRequired
	}

	user, err := s.subs.Load(ctx, sess)
	if err != nil {
		return Result{}, fmt.Errorf("load subscription: %w", err)
	}
	existing, err := s.store.ListClients(ctx, sess.UserID)
	if err != nil {
		return Result{}, err
	}
	if !CanAddClient(user.ClientLimit, len(existing)) {
		return Result{}, ErrLimitReached
	}
	if NameTaken(existing, name, "") {
		return Result{}, ErrDuplicateName
	}

	c, err := s.store.InsertClient(ctx, storage.Client{
		UserID:         sess.UserID,
		Name:           name,
		Industry:       strings.TrimSpace(in.Industry),
		Audience:       strings.TrimSpace(in.Audience),
		ProductTypes:   strings.TrimSpace(in.ProductTypes),
		BrandToneNotes: ParseBrandNotes(in.BrandToneNotes),
	})
	if err != nil {
		return Result{}, err
	}
	s.metrics.ClientsCreated.Inc()
	s.logger.Info().Str("user_id", sess.UserID).Str("client_id", c.ID).Msg("client created")

	return Result{Client: c, Warning: s.scheduleEmbedding(ctx, sess, c.ID)}, nil
}

func (s *Service) Update(ctx context.Context, sess auth.Session, clientID string, in ClientInput) (Result, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Result{}, ErrNameRequired
	}
	if _, err := s.store.GetClient(ctx, sess.UserID, clientID); err != nil {
		return Result{}, err
	}
	existing, err := s.store.ListClients(ctx, sess.UserID)
	if err != nil {
		return Result{}, err
	}
	if NameTaken(existing, name, clientID) {
		return Result{}, ErrDuplicateName
	}

	c, err := s.store.UpdateClient(ctx, storage.Client{
		ID:             clientID,
		UserID:         sess.UserID,
		Name:           name,
		Industry:       strings.TrimSpace(in.Industry),
		Audience:       strings.TrimSpace(in.Audience),
		ProductTypes:   strings.TrimSpace(in.ProductTypes),
		BrandToneNotes: ParseBrandNotes(in.BrandToneNotes),
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Client: c, Warning: s.scheduleEmbedding(ctx, sess, c.ID)}, nil
}

// Delete removes the client, its embedding and its chat history together.
func (s *Service) Delete(ctx context.Context, sess auth.Session, clientID string) error {
	if err := s.store.DeleteClientCascade(ctx, sess.UserID, clientID); err != nil {
		return err
	}
	s.metrics.ClientsDeleted.Inc()
	s.logger.Info().Str("user_id", sess.UserID).Str("client_id", clientID).Msg("client deleted")
	return nil
}

// RegenerateEmbedding queues a fresh profile embedding for an owned client.
func (s *Service) RegenerateEmbedding(ctx context.Context, sess auth.Session, clientID string) error {
	if _, err := s.store.GetClient(ctx, sess.UserID, clientID); err != nil {
		return err
	}
	return s.enqueue(ctx, sess, clientID)
}

func (s *Service) Embedding(ctx context.Context, sess auth.Session, clientID string) (EmbeddingStatus, error) {
	if _, err := s.store.GetClient(ctx, sess.UserID, clientID); err != nil {
		return EmbeddingStatus{}, err
	}
	st := EmbeddingStatus{ClientID: clientID}
	p, err := s.store.GetProjectProfile(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return EmbeddingStatus{}, err
	}
	st.Ready = true
	st.Dimensions = len(p.Embedding)
	st.UpdatedAt = &p.CreatedAt
	return st, nil
}

func (s *Service) Stats(ctx context.Context, sess auth.Session) (Stats, error) {
	user, err := s.subs.Load(ctx, sess)
	if err != nil {
		return Stats{}, fmt.Errorf("load subscription: %w", err)
	}
	clients, err := s.store.CountClients(ctx, sess.UserID)
	if err != nil {
		return Stats{}, err
	}
	chats, err := s.store.CountChats(ctx, sess.UserID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Plan:        user.Plan,
		ClientLimit: user.ClientLimit,
		ClientCount: clients,
		ChatCount:   chats,
		CanAdd:      CanAddClient(user.ClientLimit, clients),
	}, nil
}

func (s *Service) scheduleEmbedding(ctx context.Context, sess auth.Session, clientID string) string {
	if err := s.enqueue(ctx, sess, clientID); err != nil {
		s.logger.Warn().Err(err).Str("client_id", clientID).Msg("failed to enqueue client embedding")
		return EmbeddingWarning
	}
	return ""
}

func (s *Service) enqueue(ctx context.Context, sess auth.Session, clientID string) error {
	if s.queue == nil {
		return errors.New("embedding queue is not configured")
	}
	if _, err := s.queue.Enqueue(ctx, queue.EmbeddingJob{
		Kind:     queue.KindClient,
		TargetID: clientID,
		UserID:   sess.UserID,
	}); err != nil {
		return err
	}
	s.metrics.EnqueuedJobs.Inc()
	return nil
}
