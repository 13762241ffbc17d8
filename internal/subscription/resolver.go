// Package subscription reconciles the local users row with the billing
// provider's live subscription state.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"

	"growthscript/internal/auth"
	"growthscript/internal/billing"
	"growthscript/internal/metrics"
	"growthscript/internal/queue"
	"growthscript/internal/storage"
)

var ErrNoEmail = errors.New("session has no email")

type Status struct {
	Subscribed  bool   `json:"subscribed"`
	Plan        string `json:"plan"`
	ClientLimit int    `json:"client_limit"`
}

type Resolver struct {
	store    *storage.Store
	provider billing.Provider
	dedupe   *queue.Deduplicator
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

type Config struct {
	Store    *storage.Store
	Provider billing.Provider
	// Dedupe filters repeated webhook deliveries; nil disables it.
	Dedupe  *queue.Deduplicator
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func New(cfg Config) *Resolver {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Resolver{
		store:    cfg.Store,
		provider: cfg.Provider,
		dedupe:   cfg.Dedupe,
		logger:   cfg.Logger,
		metrics:  m,
	}
}

// Load returns the subscription row for the session email, creating it with
// plan none and limit 0 on first access.
func (r *Resolver) Load(ctx context.Context, s auth.Session) (storage.User, error) {
	if s.Email == "" {
		return storage.User{}, ErrNoEmail
	}
	return r.store.EnsureUser(ctx, s.UserID, s.Email)
}

// Refresh asks the provider for the active subscription of email and
// persists the mapped plan. No customer or no active subscription resets
// the row to plan none.
func (r *Resolver) Refresh(ctx context.Context, email string) (Status, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Status{}, ErrNoEmail
	}
	if r.provider == nil {
		return Status{}, billing.ErrNotConfigured
	}

	sub, err := r.provider.ActiveSubscription(ctx, email)
	if err != nil {
		return Status{}, fmt.Errorf("lookup subscription: %w", err)
	}

	st := Status{Plan: billing.PlanNone}
	if sub.Active {
		st.Plan, st.ClientLimit = billing.PlanForAmount(sub.UnitAmount)
		st.Subscribed = true
	}

	if err := r.store.UpdateSubscription(ctx, email, st.Plan, st.ClientLimit, sub.CustomerID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return Status{}, err
		}
		r.logger.Debug().Str("email", email).Msg("no users row to update")
	}

	r.logger.Info().
		Str("email", email).
		Str("plan", st.Plan).
		Int("client_limit", st.ClientLimit).
		Bool("subscribed", st.Subscribed).
		Msg("subscription refreshed")
	return st, nil
}

// HandleWebhookEvent refreshes the row of the customer an event refers to.
// Repeated deliveries of the same event id are ignored.
func (r *Resolver) HandleWebhookEvent(ctx context.Context, event stripe.Event) error {
	r.metrics.WebhookEvents.WithLabelValues(string(event.Type)).Inc()

	if r.dedupe != nil && event.ID != "" {
		first, err := r.dedupe.MarkFirst(ctx, event.ID)
		if err != nil {
			return err
		}
		if !first {
			r.logger.Debug().Str("event_id", event.ID).Msg("duplicate webhook event")
			return nil
		}
	}

	err := r.handleEvent(ctx, event)
	if err != nil && r.dedupe != nil && event.ID != "" {
		if forgetErr := r.dedupe.Forget(ctx, event.ID); forgetErr != nil {
			r.logger.Error().Err(forgetErr).Str("event_id", event.ID).Msg("failed to forget webhook event")
		}
	}
	return err
}

func (r *Resolver) handleEvent(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return nil
	}

	var email, customerID string
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription event: %w", err)
		}
		if sub.Customer != nil {
			customerID = sub.Customer.ID
		}
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout event: %w", err)
		}
		email = sess.CustomerEmail
		if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
			email = sess.CustomerDetails.Email
		}
		if sess.Customer != nil {
			customerID = sess.Customer.ID
		}
	default:
		r.logger.Debug().Str("type", string(event.Type)).Msg("ignoring webhook event")
		return nil
	}

	if email == "" && customerID != "" {
		var err error
		email, err = r.provider.CustomerEmail(ctx, customerID)
		if err != nil {
			return err
		}
	}
	if email == "" {
		r.logger.Warn().Str("event_id", event.ID).Msg("webhook event without customer email")
		return nil
	}

	_, err := r.Refresh(ctx, email)
	return err
}
