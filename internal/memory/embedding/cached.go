package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/companionhq/companion/internal/memory"
	"github.com/companionhq/companion/internal/metrics"
)

// Cached memoizes embeddings. A model is deterministic for a given input, so the cache key is
// the model name plus the exact text.
type Cached struct {
	next  memory.Embedder
	model string
	cache *ristretto.Cache
}

var _ memory.Embedder = (*Cached)(nil)

// NewCached wraps next with a cache holding about size vectors.
func NewCached(next memory.Embedder, model string, size int) (*Cached, error) {
	if size < 1 {
		return nil, memory.Configurationf("embedding cache size must be positive, got %d", size)
	}
	// Cost counts vectors, not bytes.
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(size) * 10,
		MaxCost:            int64(size),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	return &Cached{next: next, model: model, cache: cache}, nil
}

// Dimensions returns the wrapped embedder's width.
func (c *Cached) Dimensions() int {
	return c.next.Dimensions()
}

// Embed serves text from the cache or asks the wrapped embedder. Failures are not cached.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.model + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		metrics.EmbeddingCacheTotal.WithLabelValues("hit").Inc()
		return clone(v.([]float32)), nil
	}
	metrics.EmbeddingCacheTotal.WithLabelValues("miss").Inc()

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, clone(vec), 1)
	return vec, nil
}

// Close releases the cache's background goroutines.
func (c *Cached) Close() {
	c.cache.Close()
}

// Callers may mutate the returned vector; the cached copy must stay intact.
func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
