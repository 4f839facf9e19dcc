package memory

import (
	"time"

	"github.com/companionhq/companion/internal/retry"
)

// Config tunes the Manager's latency budget and retrieval shape.
type Config struct {
	// Metric, when set, must match the index's configured metric.
	Metric Metric

	HistoryTimeout time.Duration
	EmbedTimeout   time.Duration
	IndexTimeout   time.Duration

	// RecentLimit and TopK are what BuildContext asks for.
	RecentLimit int
	TopK        int
	// SimilarityThreshold drops weaker results when > 0.
	SimilarityThreshold float64

	Retry retry.Policy
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HistoryTimeout: 500 * time.Millisecond,
		EmbedTimeout:   3 * time.Second,
		IndexTimeout:   2 * time.Second,
		RecentLimit:    30,
		TopK:           3,
		Retry:          retry.DefaultPolicy(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = def.HistoryTimeout
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = def.EmbedTimeout
	}
	if c.IndexTimeout <= 0 {
		c.IndexTimeout = def.IndexTimeout
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = def.RecentLimit
	}
	if c.TopK <= 0 {
		c.TopK = def.TopK
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = def.Retry
	}
	return c
}
