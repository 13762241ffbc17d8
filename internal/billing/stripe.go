// Package billing wraps the payment provider.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

var (
	ErrNotConfigured = errors.New("billing is not configured")
	ErrNoCustomer    = errors.New("no billing customer for email")
	ErrUnknownPlan   = errors.New("unknown plan")
)

// Subscription is the provider's view of a customer's active subscription.
// CustomerID is empty when the email has no customer; Active is false when
// the customer has no active subscription.
type Subscription struct {
	CustomerID     string
	SubscriptionID string
	Active         bool
	UnitAmount     int64
}

type Provider interface {
	ActiveSubscription(ctx context.Context, email string) (Subscription, error)
	CustomerEmail(ctx context.Context, customerID string) (string, error)
	PortalURL(ctx context.Context, email, returnURL string) (string, error)
	CheckoutURL(ctx context.Context, email string, plan Plan, successURL, cancelURL string) (string, error)
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// Backends overrides the API endpoints, used by tests.
	Backends *stripe.Backends
}

type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, ErrNotConfigured
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, cfg.Backends)
	return &StripeProvider{api: api, webhookSecret: cfg.WebhookSecret}, nil
}

func (p *StripeProvider) findCustomer(ctx context.Context, email string) (*stripe.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	params.Single = true

	it := p.api.Customers.List(params)
	if it.Next() {
		return it.Customer(), nil
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return nil, nil
}

func (p *StripeProvider) ActiveSubscription(ctx context.Context, email string) (Subscription, error) {
	cust, err := p.findCustomer(ctx, email)
	if err != nil {
		return Subscription{}, err
	}
	if cust == nil {
		return Subscription{}, nil
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(cust.ID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	params.Single = true

	out := Subscription{CustomerID: cust.ID}
	it := p.api.Subscriptions.List(params)
	if it.Next() {
		sub := it.Subscription()
		out.Active = true
		out.SubscriptionID = sub.ID
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			out.UnitAmount = sub.Items.Data[0].Price.UnitAmount
		}
		return out, nil
	}
	if err := it.Err(); err != nil {
		return Subscription{}, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

func (p *StripeProvider) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := p.api.Customers.Get(customerID, params)
	if err != nil {
		return "", fmt.Errorf("get customer: %w", err)
	}
	return cust.Email, nil
}

func (p *StripeProvider) PortalURL(ctx context.Context, email, returnURL string) (string, error) {
	cust, err := p.findCustomer(ctx, email)
	if err != nil {
		return "", err
	}
	if cust == nil {
		return "", ErrNoCustomer
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(cust.ID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

// CheckoutURL starts a monthly subscription checkout for plan. An existing
// customer is reused, otherwise the email is prefilled.
func (p *StripeProvider) CheckoutURL(ctx context.Context, email string, plan Plan, successURL, cancelURL string) (string, error) {
	if plan.UnitAmount <= 0 {
		return "", ErrUnknownPlan
	}
	cust, err := p.findCustomer(ctx, email)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(plan.UnitAmount),
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
					},
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("GrowthScript " + plan.Name),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	if cust != nil {
		params.Customer = stripe.String(cust.ID)
	} else {
		params.CustomerEmail = stripe.String(email)
	}
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// ParseWebhook verifies the signature header and decodes the event.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (stripe.Event, error) {
	if p.webhookSecret == "" {
		return stripe.Event{}, ErrNotConfigured
	}
	return webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
