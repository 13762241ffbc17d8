package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"growthscript/internal/account"
	"growthscript/internal/api"
	"growthscript/internal/auth"
	"growthscript/internal/billing"
	"growthscript/internal/chat"
	"growthscript/internal/chatstream"
	"growthscript/internal/config"
	"growthscript/internal/directory"
	"growthscript/internal/embeddings"
	"growthscript/internal/frameworks"
	"growthscript/internal/metrics"
	"growthscript/internal/queue"
	"growthscript/internal/storage"
	"growthscript/internal/subscription"
	"growthscript/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Str("chat_response_mode", cfg.Chat.ResponseMode).
		Msg("starting growthscript")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	m := metrics.Global()
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	if err := jobQueue.EnsureGroup(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to create queue group")
	}

	errCh := make(chan error, 2)
	var httpServer *http.Server

	if cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll {
		handler, err := buildAPI(cfg, store, rdb, jobQueue, m)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build api")
		}
		httpServer = &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		embedder, err := embeddings.NewOpenAIEmbedder(embeddings.OpenAIConfig{
			APIKey:  cfg.Embedding.APIKey,
			Model:   cfg.Embedding.Model,
			BaseURL: cfg.Embedding.BaseURL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("embedding worker disabled")
		} else {
			w := worker.New(worker.Config{
				Store:         store,
				Queue:         jobQueue,
				Embedder:      embedder,
				MaxJobRetries: cfg.Worker.MaxRetries,
				Logger:        log.Logger,
				Metrics:       m,
			})
			go func() {
				if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
					errCh <- fmt.Errorf("worker failed: %w", err)
				}
			}()
			log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
		}
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}

	log.Info().Msg("stopped")
}

func buildAPI(cfg *config.Config, store *storage.Store, rdb *redis.Client, jobQueue *queue.StreamQueue, m *metrics.Metrics) (http.Handler, error) {
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience, queue.NewDeduplicator(rdb, "revoked", time.Hour))
	if err != nil {
		return nil, err
	}

	var provider billing.Provider
	var webhooks api.WebhookParser
	stripeProvider, err := billing.NewStripeProvider(billing.StripeConfig{
		SecretKey:     cfg.Billing.StripeSecretKey,
		WebhookSecret: cfg.Billing.StripeWebhookSecret,
	})
	switch {
	case err == nil:
		provider = stripeProvider
		webhooks = stripeProvider
	case errors.Is(err, billing.ErrNotConfigured):
		log.Warn().Msg("STRIPE_SECRET_KEY not set, billing endpoints disabled")
	default:
		return nil, err
	}

	resolver := subscription.New(subscription.Config{
		Store:    store,
		Provider: provider,
		Dedupe:   queue.NewDeduplicator(rdb, "webhook", cfg.Redis.WebhookTTL),
		Logger:   log.Logger,
		Metrics:  m,
	})

	streamer := chatstream.New(chatstream.Config{
		BaseURL:      cfg.Chat.BackendURL,
		Path:         cfg.Chat.Path,
		Timeout:      cfg.Chat.Timeout,
		ResponseMode: cfg.Chat.ResponseMode,
		ChunkSize:    cfg.Chat.ChunkSize,
		ChunkDelay:   cfg.Chat.ChunkDelay,
		Logger:       log.Logger,
		Metrics:      m,
	})

	var limiter chat.Limiter
	if cfg.Rate.ChatPerHour > 0 {
		limiter = queue.NewRateLimiter(rdb, "chat", cfg.Rate.ChatPerHour)
	}

	admin := auth.NewAdminClient(cfg.Auth.AdminURL, cfg.Auth.ServiceKey, &http.Client{Timeout: 10 * time.Second})
	if !admin.Configured() {
		log.Warn().Msg("AUTH_ADMIN_URL or AUTH_SERVICE_KEY not set, account deletion keeps auth identities")
	}

	srv := api.New(api.Config{
		Store:         store,
		Verifier:      verifier,
		Subscriptions: resolver,
		Billing:       provider,
		Webhooks:      webhooks,
		Directory: directory.New(directory.Config{
			Store:         store,
			Subscriptions: resolver,
			Queue:         jobQueue,
			Logger:        log.Logger,
			Metrics:       m,
		}),
		Chat: chat.New(chat.Config{
			Store:    store,
			Streamer: streamer,
			Limiter:  limiter,
			Logger:   log.Logger,
		}),
		Account: account.New(account.Config{
			Store:    store,
			Identity: admin,
			Revoker:  verifier,
			Logger:   log.Logger,
		}),
		Frameworks: frameworks.New(frameworks.Config{
			Store:   store,
			Queue:   jobQueue,
			Logger:  log.Logger,
			Metrics: m,
		}),
		Logger:         log.Logger,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		FrontendURL:    cfg.HTTP.FrontendURL,
		AdminAPIKey:    cfg.Auth.AdminAPIKey,
		HealthPath:     cfg.HTTP.HealthPath,
		MetricsPath:    cfg.HTTP.MetricsPath,
	})
	return srv.Handler(), nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
