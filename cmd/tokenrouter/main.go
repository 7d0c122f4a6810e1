package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tokenrouter/gateway/internal/api"
	"github.com/tokenrouter/gateway/internal/budget"
	"github.com/tokenrouter/gateway/internal/config"
	"github.com/tokenrouter/gateway/internal/crypto"
	"github.com/tokenrouter/gateway/internal/gateway"
	"github.com/tokenrouter/gateway/internal/intent"
	"github.com/tokenrouter/gateway/internal/notifications"
	"github.com/tokenrouter/gateway/internal/provider/anthropic"
	"github.com/tokenrouter/gateway/internal/provider/deepseek"
	"github.com/tokenrouter/gateway/internal/provider/google"
	"github.com/tokenrouter/gateway/internal/provider/groq"
	"github.com/tokenrouter/gateway/internal/provider/openai"
	"github.com/tokenrouter/gateway/internal/ratelimit"
	"github.com/tokenrouter/gateway/internal/registry"
	"github.com/tokenrouter/gateway/internal/router"
	"github.com/tokenrouter/gateway/internal/secrets"
	"github.com/tokenrouter/gateway/internal/stats"
	"github.com/tokenrouter/gateway/internal/telemetry"
	"github.com/tokenrouter/gateway/internal/users"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	logger := slog.Default()

	slog.Info("starting TokenRouter", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.Init(ctx, "tokenrouter", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	reg.Register(openai.New())
	reg.Register(anthropic.New())
	reg.Register(google.New())
	reg.Register(groq.New())
	reg.Register(deepseek.New())
	slog.Info("registered providers", "models", len(reg.List()))

	var detector intent.Detector = intent.NoopDetector{}
	if cfg.IntentDetectorURL != "" {
		detector = intent.NewHTTPDetector(cfg.IntentDetectorURL)
		slog.Info("using intent detector", "url", cfg.IntentDetectorURL)
	}
	smartRouter := router.New(reg, detector)

	var rateLimiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		rateLimiter, err = ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter")
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	var statsStore stats.Store
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		statsStore = stats.NewPostgresStoreWithDB(db)
		slog.Info("using postgres stats store")
	} else {
		statsStore = stats.NewInMemoryStore()
		slog.Info("using in-memory stats store")
	}

	defaultKeys := cfg.DefaultProviderKeys()
	if cfg.ProviderKeysSecret != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to init secrets manager", "error", err)
			os.Exit(1)
		}
		defaultKeys, err = secrets.LoadProviderKeys(ctx, store, cfg.ProviderKeysSecret)
		if err != nil {
			slog.Error("failed to load provider keys", "error", err)
			os.Exit(1)
		}
		slog.Info("loaded provider keys from secrets manager", "providers", len(defaultKeys))
	}

	var notifier notifications.Notifier = notifications.NewLogNotifier(logger)
	if cfg.SNSTopicARN != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN, logger)
		if err != nil {
			slog.Error("failed to init sns notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("using sns budget alerts", "topic", cfg.SNSTopicARN)
	}
	budgetMonitor := budget.NewMonitor(statsStore, notifier, logger)

	var userService *users.Service
	if cfg.EncryptionKey != "" {
		vault, err := crypto.NewKeyVault(cfg.EncryptionKey)
		if err != nil {
			slog.Error("failed to init key vault", "error", err)
			os.Exit(1)
		}
		var userStore users.Store
		if db != nil {
			userStore = users.NewPostgresStore(db)
		} else {
			userStore = users.NewInMemoryStore()
		}
		userService = users.NewService(userStore, vault, cfg.JWTSecret, cfg.JWTExpiry)
		slog.Info("user accounts enabled")
	} else {
		slog.Warn("ENCRYPTION_KEY not set, account and stored-key endpoints disabled")
	}

	gwOpts := gateway.Options{
		Registry:    reg,
		Router:      smartRouter,
		Limiter:     rateLimiter,
		Stats:       statsStore,
		Budget:      budgetMonitor,
		DefaultKeys: defaultKeys,
		RateLimit:   cfg.RateLimitRPM,
		Logger:      logger,
	}
	if userService != nil {
		gwOpts.StoredKeys = userService
	}
	gw := gateway.New(gwOpts)

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:  gw,
		Registry: reg,
		Stats:    statsStore,
		Users:    userService,
		APIKeys:  cfg.APIKeys,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.StreamTimeout,
		IdleTimeout:  cfg.StreamTimeout,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		slog.Warn("tracer shutdown", "error", err)
	}
	if db != nil {
		db.Close()
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
