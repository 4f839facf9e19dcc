package memory

import "context"

// HistoryStore is the short-term, recency-ordered log of turns per partition.
// Retention (max length, TTL) is the store's own policy.
type HistoryStore interface {
	Append(ctx context.Context, partition string, turn Turn) error
	// ReadRecent returns at most limit most-recent turns, oldest first.
	ReadRecent(ctx context.Context, partition string, limit int) ([]Turn, error)
	// SeedIfEmpty writes turns only when the partition holds nothing yet.
	SeedIfEmpty(ctx context.Context, partition string, turns []Turn) (bool, error)
	Clear(ctx context.Context, partition string) error
}

// IndexConfig is fixed when an index is created.
type IndexConfig struct {
	Name      string
	Dimension int
	Metric    Metric
}

// VectorIndex holds long-term memory vectors, isolated per namespace.
type VectorIndex interface {
	Config() IndexConfig
	// Upsert inserts or replaces the record with the same (namespace, id) and returns it
	// with Seq and CreatedAt filled in.
	Upsert(ctx context.Context, namespace string, rec MemoryRecord) (MemoryRecord, error)
	// Query returns up to topK records of namespace, best first.
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]RetrievalResult, error)
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Embedder turns text into a vector of Dimensions() floats.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
