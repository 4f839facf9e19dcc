// Package app assembles the memory stack from configuration. The daemon and the admin CLI
// build the same graph through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	chromem "github.com/philippgille/chromem-go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/companionhq/companion/internal/config"
	"github.com/companionhq/companion/internal/database"
	"github.com/companionhq/companion/internal/memory"
	"github.com/companionhq/companion/internal/memory/embedding"
	"github.com/companionhq/companion/internal/memory/history"
	"github.com/companionhq/companion/internal/memory/vectorindex"
	iredis "github.com/companionhq/companion/internal/redis"
	"github.com/companionhq/companion/internal/retry"
)

// App owns the connections behind a Manager.
type App struct {
	Manager *memory.Manager
	Redis   *goredis.Client
	// Pool is nil on the chromem backend.
	Pool *pgxpool.Pool

	closers []func()
}

// New connects every store and wires the Manager. On error nothing is left open.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}
	if err := a.open(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, cfg *config.Config) error {
	var err error

	// Redis
	a.Redis, err = iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	a.closers = append(a.closers, func() { a.Redis.Close() })

	store := history.NewRedisStore(a.Redis, history.Retention{
		MaxTurns: cfg.History.MaxTurns,
		TTL:      cfg.History.TTL,
	})

	// Vector index
	index, err := a.openIndex(ctx, cfg)
	if err != nil {
		return err
	}

	// Embeddings
	embedder, err := a.openEmbedder(ctx, cfg.Embedding)
	if err != nil {
		return err
	}

	metric, err := memory.ParseMetric(cfg.Vector.Metric)
	if err != nil {
		return err
	}

	a.Manager, err = memory.NewManager(store, index, embedder, memory.Config{
		Metric:              metric,
		HistoryTimeout:      cfg.History.Timeout,
		EmbedTimeout:        cfg.Embedding.Timeout,
		IndexTimeout:        cfg.Vector.Timeout,
		RecentLimit:         cfg.Retrieval.RecentLimit,
		TopK:                cfg.Retrieval.TopK,
		SimilarityThreshold: cfg.Retrieval.Threshold,
		Retry: retry.Policy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
	})
	return err
}

func (a *App) openIndex(ctx context.Context, cfg *config.Config) (memory.VectorIndex, error) {
	metric, err := memory.ParseMetric(cfg.Vector.Metric)
	if err != nil {
		return nil, err
	}
	ic := memory.IndexConfig{
		Name:      cfg.Vector.IndexName,
		Dimension: cfg.Vector.Dimension,
		Metric:    metric,
	}

	switch cfg.Vector.Backend {
	case "pgvector":
		if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		a.Pool, err = database.NewPostgresPool(ctx, cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, a.Pool.Close)
		return vectorindex.EnsurePgVector(ctx, a.Pool, ic)

	case "chromem":
		var db *chromem.DB
		if cfg.Vector.Path == "" {
			db = chromem.NewDB()
		} else {
			db, err = chromem.NewPersistentDB(cfg.Vector.Path, false)
			if err != nil {
				return nil, fmt.Errorf("opening chromem database at %s: %w", cfg.Vector.Path, err)
			}
		}
		slog.Info("using embedded vector index", "path", cfg.Vector.Path)
		return vectorindex.EnsureChromem(ctx, db, ic)

	default:
		return nil, memory.Configurationf("unknown vector backend %q", cfg.Vector.Backend)
	}
}

func (a *App) openEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (memory.Embedder, error) {
	var (
		provider memory.Embedder
		model    string
	)
	switch cfg.Provider {
	case "openai":
		c, err := embedding.NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions)
		if err != nil {
			return nil, err
		}
		provider, model = c, c.Model()
	case "ollama":
		c, err := embedding.NewOllama(cfg.BaseURL, cfg.Model, cfg.Dimensions)
		if err != nil {
			return nil, err
		}
		provider, model = c, c.Model()
	default:
		return nil, memory.Configurationf("unknown embedding provider %q", cfg.Provider)
	}

	if cfg.Probe {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := embedding.Probe(probeCtx, provider); err != nil {
			// A provider that is down now may recover; a wrong width will not.
			if errors.Is(err, memory.ErrConfiguration) {
				return nil, fmt.Errorf("probing embedding model %s: %w", model, err)
			}
			slog.Warn("embedding probe failed, continuing", "model", model, "error", err)
		}
	}

	if cfg.CacheSize <= 0 {
		return provider, nil
	}
	cached, err := embedding.NewCached(provider, model, cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	a.closers = append(a.closers, cached.Close)
	return cached, nil
}

// HealthChecks returns a readiness probe per store. Postgres is nil on the chromem backend.
func (a *App) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"redis": func(ctx context.Context) error { return iredis.HealthCheck(ctx, a.Redis) },
	}
	if a.Pool != nil {
		checks["postgres"] = func(ctx context.Context) error { return database.HealthCheck(ctx, a.Pool) }
	} else {
		checks["postgres"] = nil
	}
	return checks
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
