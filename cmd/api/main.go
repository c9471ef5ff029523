// Package main is the entry point for the support relay API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shiftdesk/support-relay/internal/config"
	"github.com/shiftdesk/support-relay/internal/dedup"
	"github.com/shiftdesk/support-relay/internal/handler"
	natsclient "github.com/shiftdesk/support-relay/internal/nats"
	"github.com/shiftdesk/support-relay/internal/operator"
	"github.com/shiftdesk/support-relay/internal/service"
	"github.com/shiftdesk/support-relay/internal/store"
	"github.com/shiftdesk/support-relay/internal/store/memory"
	"github.com/shiftdesk/support-relay/internal/store/postgres"
	"github.com/shiftdesk/support-relay/pkg/logger"
	"github.com/shiftdesk/support-relay/pkg/tracing"
)

// webhookDedupTTL covers Telegram's redelivery window.
const webhookDedupTTL = 24 * time.Hour

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.ForEnv(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	log.Info("starting support relay", zap.String("store", cfg.StoreBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "support-relay", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Storage
	var backend store.Backend
	switch cfg.StoreBackend {
	case config.StorePostgres:
		if cfg.DatabaseMigrate {
			if err := postgres.Migrate(cfg.DatabaseURL, log); err != nil {
				log.Error("failed to migrate database", zap.Error(err))
				os.Exit(1)
			}
		}
		db, err := postgres.NewDB(ctx, postgres.Config{
			URL:      cfg.DatabaseURL,
			MaxConns: int32(cfg.DatabaseMaxConns),
		})
		if err != nil {
			log.Error("failed to connect to database", zap.Error(err))
			os.Exit(1)
		}
		defer db.Close()
		backend = postgres.NewStore(db)
	default:
		backend = memory.New()
	}

	readiness := []handler.ReadinessCheck{{Name: "store", Check: backend.Ping}}

	// Webhook de-duplication
	var deduper dedup.Deduper
	if cfg.RedisAddr != "" {
		rd, err := dedup.NewRedis(ctx, dedup.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, webhookDedupTTL)
		if err != nil {
			log.Error("failed to connect to Redis", zap.Error(err))
			os.Exit(1)
		}
		defer rd.Close()
		deduper = rd
		readiness = append(readiness, handler.ReadinessCheck{Name: "redis", Check: rd.Ping})
	} else {
		deduper = dedup.NewMemory(webhookDedupTTL)
	}

	// Operator console
	var (
		telegram  *operator.TelegramChannel
		forwarder *service.Forwarder
	)
	if cfg.TelegramEnabled() {
		telegram, err = operator.NewTelegramChannel(operator.TelegramConfig{
			Token:         cfg.TelegramBotToken,
			ChatID:        cfg.TelegramSupportChatID,
			APIEndpoint:   cfg.TelegramAPIEndpoint,
			WebhookSecret: cfg.TelegramWebhookSecret,
		}, nil, log)
		if err != nil {
			log.Error("failed to initialize telegram", zap.Error(err))
			os.Exit(1)
		}
		forwarder = service.NewForwarder(backend, telegram, log)
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN not set, end-user messages are stored but not forwarded")
	}

	// Dispatch: through JetStream when configured, otherwise inline.
	var dispatcher service.Dispatcher = service.NopDispatcher{}
	if forwarder != nil {
		dispatcher = forwarder
	}
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     cfg.NATSClientName,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()

		if err := natsclient.NewStreamManager(natsClient).EnsureStream(ctx); err != nil {
			log.Error("failed to ensure stream", zap.Error(err))
			os.Exit(1)
		}

		dispatcher = natsclient.NewPublisher(natsClient)
		readiness = append(readiness, handler.ReadinessCheck{Name: "nats", Check: natsClient.Ping})

		if forwarder != nil {
			consumer := natsclient.NewConsumer(natsClient, forwarder, log)
			if err := consumer.Start(ctx); err != nil {
				log.Error("failed to start relay consumer", zap.Error(err))
				os.Exit(1)
			}
			defer consumer.Stop()
		}
	}

	// Initialize services
	relaySvc := service.NewRelayService(backend, backend, dispatcher, cfg.MaxMessageLength, log)

	if cfg.SessionIdleTTL > 0 {
		janitor := service.NewJanitor(backend, cfg.SessionIdleTTL, cfg.SessionSweepInterval, log)
		go janitor.Run(ctx)
	}

	// Initialize handlers
	routerCfg := handler.RouterConfig{
		Support:            handler.NewSupportHandler(relaySvc, log),
		Admin:              handler.NewAdminHandler(relaySvc, log),
		Health:             handler.NewHealthHandler(readiness...),
		Logger:             log,
		JWTSecret:          cfg.JWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitRequests:  cfg.RateLimitRequests,
		RateLimitWindow:    cfg.RateLimitWindow,
	}
	if telegram != nil {
		routerCfg.Webhook = handler.NewWebhookHandler(relaySvc, telegram, deduper, log)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(routerCfg),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		log.Error("server error", zap.Error(err))
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
