package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secret
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}

	// Embedding provider
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" {
			errs = append(errs, "EMBEDDING_API_KEY is required for the openai provider")
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Sprintf("EMBEDDING_PROVIDER must be openai or ollama, got %q", c.Embedding.Provider))
	}
	if c.Embedding.Dimensions < 1 {
		errs = append(errs, fmt.Sprintf("EMBEDDING_DIMENSIONS must be positive, got %d", c.Embedding.Dimensions))
	}

	// Vector index
	switch c.Vector.Metric {
	case "cosine", "dot":
	default:
		errs = append(errs, fmt.Sprintf("VECTOR_METRIC must be cosine or dot, got %q", c.Vector.Metric))
	}
	switch c.Vector.Backend {
	case "pgvector":
		if c.DB.Password == "" {
			errs = append(errs, "DB_PASSWORD is required for the pgvector backend")
		}
		if c.DB.Port < 1 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
		}
	case "chromem":
		if c.Vector.Metric != "cosine" {
			errs = append(errs, "VECTOR_METRIC must be cosine for the chromem backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("VECTOR_BACKEND must be pgvector or chromem, got %q", c.Vector.Backend))
	}
	if c.Vector.Dimension != c.Embedding.Dimensions {
		errs = append(errs, fmt.Sprintf("VECTOR_DIMENSION (%d) must equal EMBEDDING_DIMENSIONS (%d)",
			c.Vector.Dimension, c.Embedding.Dimensions))
	}

	// Retention and retrieval
	if c.History.MaxTurns < 1 {
		errs = append(errs, fmt.Sprintf("HISTORY_MAX_TURNS must be positive, got %d", c.History.MaxTurns))
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, fmt.Sprintf("RETRIEVAL_TOP_K must be positive, got %d", c.Retrieval.TopK))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.Retry.MaxAttempts))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// NATS: warn only, ingestion falls back to synchronous
	if c.NATS.URL == "" {
		slog.Warn("NATS_URL is empty, async memory ingestion disabled")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
