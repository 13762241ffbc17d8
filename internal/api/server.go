// Package api exposes the GrowthScript backend over HTTP.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"

	"growthscript/internal/account"
	"growthscript/internal/auth"
	"growthscript/internal/billing"
	"growthscript/internal/chat"
	"growthscript/internal/directory"
	"growthscript/internal/frameworks"
	"growthscript/internal/storage"
	"growthscript/internal/subscription"
)

// WebhookParser verifies and decodes a billing webhook delivery.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (stripe.Event, error)
}

type Config struct {
	Store         *storage.Store
	Verifier      *auth.Verifier
	Subscriptions *subscription.Resolver
	Billing       billing.Provider
	Webhooks      WebhookParser
	Directory     *directory.Service
	Chat          *chat.Service
	Account       *account.Service
	Frameworks    *frameworks.Service
	Logger        zerolog.Logger

	AllowedOrigins []string
	FrontendURL    string
	AdminAPIKey    string
	HealthPath     string
	MetricsPath    string
}

type Server struct {
	store         *storage.Store
	verifier      *auth.Verifier
	subscriptions *subscription.Resolver
	billing       billing.Provider
	webhooks      WebhookParser
	directory     *directory.Service
	chat          *chat.Service
	account       *account.Service
	frameworks    *frameworks.Service
	logger        zerolog.Logger
	frontendURL   string
	origins       map[string]struct{}
	router        chi.Router
}

func New(cfg Config) *Server {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if len(cfg.AllowedOrigins) == 0 && cfg.FrontendURL != "" {
		cfg.AllowedOrigins = []string{cfg.FrontendURL}
	}
	s := &Server{
		store:         cfg.Store,
		verifier:      cfg.Verifier,
		subscriptions: cfg.Subscriptions,
		billing:       cfg.Billing,
		webhooks:      cfg.Webhooks,
		directory:     cfg.Directory,
		chat:          cfg.Chat,
		account:       cfg.Account,
		frameworks:    cfg.Frameworks,
		logger:        cfg.Logger,
		frontendURL:   cfg.FrontendURL,
		origins:       exactOrigins(cfg.AllowedOrigins),
		router:        chi.NewRouter(),
	}
	s.setupRoutes(cfg)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(cfg Config) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.accessLog)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key", "X-Client-Info", "Apikey"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: !anyOrigin(cfg.AllowedOrigins),
		MaxAge:           300,
	}))

	s.router.Get(cfg.HealthPath, s.handleHealth)
	s.router.Handle(cfg.MetricsPath, promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/billing/webhook", s.handleBillingWebhook)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.verifier, s.logger))

			r.Post("/auth/signout", s.handleSignOut)
			r.Get("/me", s.handleMe)
			r.Get("/dashboard", s.handleDashboard)
			r.Delete("/account", s.handleDeleteAccount)

			r.Route("/billing", func(r chi.Router) {
				r.Post("/check-subscription", s.handleCheckSubscription)
				r.Post("/portal", s.handlePortal)
				r.Post("/checkout", s.handleCheckout)
			})

			r.Route("/clients", func(r chi.Router) {
				r.Get("/", s.handleListClients)
				r.Post("/", s.handleCreateClient)
				r.Route("/{clientID}", func(r chi.Router) {
					r.Get("/", s.handleGetClient)
					r.Put("/", s.handleUpdateClient)
					r.Delete("/", s.handleDeleteClient)
					r.Get("/embedding", s.handleEmbeddingStatus)
					r.Post("/embedding", s.handleRegenerateEmbedding)
					r.Post("/messages", s.handleSendMessage)

					r.Route("/chats", func(r chi.Router) {
						r.Get("/", s.handleListChats)
						r.Post("/", s.handleCreateChat)
						r.Get("/{chatID}", s.handleGetChat)
						r.Patch("/{chatID}", s.handleRenameChat)
						r.Delete("/{chatID}", s.handleDeleteChat)
					})

					r.Route("/memory", func(r chi.Router) {
						r.Get("/", s.handleListMemory)
						r.Get("/{key}", s.handleGetMemory)
						r.Put("/{key}", s.handlePutMemory)
						r.Delete("/{key}", s.handleDeleteMemory)
					})
				})
			})

			r.Get("/frameworks", s.handleListFrameworks)
			r.Get("/frameworks/{frameworkID}", s.handleGetFramework)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdminKey(cfg.AdminAPIKey))
			r.Post("/frameworks/seed", s.handleSeedFrameworks)
			r.Post("/frameworks/embeddings/dedupe", s.handleDedupeEmbeddings)
			r.Post("/frameworks/embeddings/prune", s.handlePruneEmbeddings)
		})
	})
}

// anyOrigin reports a wildcard entry; credentials stay off when it is true.
func anyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if strings.Contains(o, "*") {
			return true
		}
	}
	return false
}

func exactOrigins(origins []string) map[string]struct{} {
	out := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if strings.Contains(o, "*") {
			continue
		}
		out[normalizeOrigin(o)] = struct{}{}
	}
	return out
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
