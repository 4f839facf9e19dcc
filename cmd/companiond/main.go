package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/companionhq/companion/internal/api"
	"github.com/companionhq/companion/internal/app"
	"github.com/companionhq/companion/internal/auth"
	"github.com/companionhq/companion/internal/config"
	"github.com/companionhq/companion/internal/ingest"
	"github.com/companionhq/companion/internal/memory"
	mw "github.com/companionhq/companion/internal/middleware"
	"github.com/companionhq/companion/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores and Manager
	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("starting memory manager", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	healthChecks := map[string]api.HealthCheck{}
	for name, check := range a.HealthChecks() {
		healthChecks[name] = check
	}

	// NATS (optional)
	var enqueue memory.Enqueuer
	healthChecks["nats"] = nil
	if cfg.NATS.URL != "" {
		natsClient, err := ingest.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		healthChecks["nats"] = func(context.Context) error {
			if !natsClient.Healthy() {
				return errors.New("nats: not connected")
			}
			return nil
		}

		enqueue = ingest.NewPublisher(natsClient.JetStream()).Enqueue

		consumer := ingest.NewConsumer(natsClient.JetStream(), a.Manager)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("ingest consumer stopped", "error", err)
			}
		}()
	}

	// Auth
	jwtManager := auth.NewJWTManager(cfg.JWT.AccessSecret, cfg.JWT.AccessExpiry)

	rateLimiter := mw.NewRateLimiter(a.Redis, cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSec, func(r *http.Request) string {
		if uid, ok := auth.CurrentUser(r.Context()); ok {
			return "user:" + uid
		}
		return mw.ClientIPKey(r)
	})

	// Memory
	memoryHandler := memory.NewHandler(a.Manager, enqueue)

	// Router
	router := api.NewRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		RateLimiter:        rateLimiter.Middleware,
		HealthChecks:       healthChecks,
	}, api.HandlerSet{
		GetHistory:   memoryHandler.GetHistory,
		AppendTurn:   memoryHandler.AppendTurn,
		ClearHistory: memoryHandler.ClearHistory,
		SeedHistory:  memoryHandler.SeedHistory,
		IngestMemory: memoryHandler.IngestMemory,
		SearchMemory: memoryHandler.SearchMemory,
		ForgetMemory: memoryHandler.ForgetMemory,
		BuildContext: memoryHandler.BuildContext,

		AuthMiddleware: auth.Middleware(jwtManager),
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
