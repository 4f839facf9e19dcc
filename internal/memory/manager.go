package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/companionhq/companion/internal/metrics"
	"github.com/companionhq/companion/internal/retry"
)

const (
	maxTextLen     = 32768
	maxRecordIDLen = 128
)

// Manager coordinates short-term history and long-term semantic memory for companion
// conversations. It holds no per-conversation state and is safe for concurrent use; build
// one at startup and pass it to request handlers.
//
// The Manager does not serialize writes for a key. Callers issue AppendTurn calls for one
// conversation in order.
type Manager struct {
	history  HistoryStore
	index    VectorIndex
	embedder Embedder
	cfg      Config
}

// NewManager wires the three stores together. A dimension or metric disagreement between
// the embedder and the index is reported here as ErrConfiguration.
func NewManager(history HistoryStore, index VectorIndex, embedder Embedder, cfg Config) (*Manager, error) {
	if history == nil || index == nil || embedder == nil {
		return nil, Configurationf("history store, vector index and embedder are all required")
	}
	cfg = cfg.withDefaults()

	ic := index.Config()
	if ic.Dimension < 1 {
		return nil, Configurationf("index %q has invalid dimension %d", ic.Name, ic.Dimension)
	}
	if embedder.Dimensions() != ic.Dimension {
		return nil, Configurationf("embedding dimension %d does not match index %q dimension %d",
			embedder.Dimensions(), ic.Name, ic.Dimension)
	}
	if cfg.Metric != "" && cfg.Metric != ic.Metric {
		return nil, Configurationf("configured metric %q does not match index %q metric %q",
			cfg.Metric, ic.Name, ic.Metric)
	}

	return &Manager{
		history:  history,
		index:    index,
		embedder: embedder,
		cfg:      cfg,
	}, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// GetRecentHistory returns the last limit turns for key, oldest first. A conversation with
// no history yields an empty slice.
func (m *Manager) GetRecentHistory(ctx context.Context, key CompanionKey, limit int) ([]Turn, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, Validationf("limit must be at least 1, got %d", limit)
	}

	var turns []Turn
	err := m.call(ctx, m.cfg.HistoryTimeout, "history_read", func(ctx context.Context) error {
		var err error
		turns, err = m.history.ReadRecent(ctx, key.PartitionKey(), limit)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return []Turn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading history for %s: %w", ErrHistoryUnavailable, key, err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// AppendTurn appends turn to key's history. It does not embed anything. The write is
// detached from ctx cancellation so a disconnecting client does not lose the turn.
func (m *Manager) AppendTurn(ctx context.Context, key CompanionKey, turn Turn) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := turn.Validate(); err != nil {
		return err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	ctx = context.WithoutCancel(ctx)
	err := m.call(ctx, m.cfg.HistoryTimeout, "history_append", func(ctx context.Context) error {
		return m.history.Append(ctx, key.PartitionKey(), turn)
	})
	if err != nil {
		return fmt.Errorf("%w: appending turn for %s: %w", ErrHistoryUnavailable, key, err)
	}
	return nil
}

// RetrieveRelevantMemories embeds query and returns the topK most similar long-term
// memories of key, best first, ties broken by earlier insertion.
//
// The returned slice is never nil. On failure it is empty and the error wraps
// ErrEmbeddingUnavailable or ErrIndexUnavailable; callers should continue with
// history-only context.
func (m *Manager) RetrieveRelevantMemories(ctx context.Context, key CompanionKey, query string, topK int) ([]RetrievalResult, error) {
	results := []RetrievalResult{}
	if err := key.Validate(); err != nil {
		return results, err
	}
	if strings.TrimSpace(query) == "" {
		return results, Validationf("query text is empty")
	}
	if topK < 1 {
		return results, Validationf("topK must be at least 1, got %d", topK)
	}

	vec, err := m.embed(ctx, query)
	if err != nil {
		metrics.RetrievalDegradedTotal.WithLabelValues("embedding").Inc()
		return results, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}

	namespace := key.Namespace()
	var found []RetrievalResult
	err = m.call(ctx, m.cfg.IndexTimeout, "index_query", func(ctx context.Context) error {
		var err error
		found, err = m.index.Query(ctx, namespace, vec, topK)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return results, nil
	}
	if err != nil {
		metrics.RetrievalDegradedTotal.WithLabelValues("index").Inc()
		return results, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}

	for _, r := range found {
		if r.Record.Namespace != namespace {
			slog.Error("memory: index returned a record from another namespace",
				"index", m.index.Config().Name, "record_id", r.Record.ID)
			continue
		}
		if m.cfg.SimilarityThreshold > 0 && r.Score < m.cfg.SimilarityThreshold {
			continue
		}
		results = append(results, r)
	}
	rank(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// IngestOption customizes IngestMemory.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	id string
}

// WithRecordID makes ingestion idempotent: the same id upserts the same record.
func WithRecordID(id string) IngestOption {
	return func(o *ingestOptions) { o.id = id }
}

// IngestMemory embeds text and upserts it into key's long-term namespace. Without
// WithRecordID every call creates a new record. Like AppendTurn, the write survives
// cancellation of ctx.
func (m *Manager) IngestMemory(ctx context.Context, key CompanionKey, text string, metadata Metadata, opts ...IngestOption) (MemoryRecord, error) {
	var o ingestOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := key.Validate(); err != nil {
		return MemoryRecord{}, err
	}
	if strings.TrimSpace(text) == "" {
		return MemoryRecord{}, Validationf("memory text is empty")
	}
	if len(text) > maxTextLen {
		return MemoryRecord{}, Validationf("memory text exceeds %d bytes", maxTextLen)
	}
	if err := metadata.Validate(); err != nil {
		return MemoryRecord{}, err
	}
	if len(o.id) > maxRecordIDLen {
		return MemoryRecord{}, Validationf("record id exceeds %d bytes", maxRecordIDLen)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if metadata == nil {
		metadata = Metadata{}
	}

	ctx = context.WithoutCancel(ctx)

	vec, err := m.embed(ctx, text)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}

	rec := MemoryRecord{
		ID:         o.id,
		Vector:     vec,
		SourceText: text,
		Metadata:   metadata,
		Namespace:  key.Namespace(),
	}

	var stored MemoryRecord
	err = m.call(ctx, m.cfg.IndexTimeout, "index_upsert", func(ctx context.Context) error {
		var err error
		stored, err = m.index.Upsert(ctx, rec.Namespace, rec)
		return err
	})
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("%w: upserting memory for %s: %w", ErrIndexUnavailable, key, err)
	}
	return stored, nil
}

// SeedHistory gives a brand-new conversation the companion's example dialogue. seed is split
// on delimiter ("\n" when empty); "Human:" or "User:" chunks become user turns, anything else
// a system turn with its speaker prefix removed. Existing history is never touched.
func (m *Manager) SeedHistory(ctx context.Context, key CompanionKey, seed, delimiter string) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	turns := ParseSeed(seed, delimiter)
	if len(turns) == 0 {
		return false, nil
	}

	var seeded bool
	err := m.call(ctx, m.cfg.HistoryTimeout, "history_seed", func(ctx context.Context) error {
		var err error
		seeded, err = m.history.SeedIfEmpty(ctx, key.PartitionKey(), turns)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: seeding history for %s: %w", ErrHistoryUnavailable, key, err)
	}
	return seeded, nil
}

// ClearHistory drops key's short-term history. Long-term memories are kept.
func (m *Manager) ClearHistory(ctx context.Context, key CompanionKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	err := m.call(ctx, m.cfg.HistoryTimeout, "history_clear", func(ctx context.Context) error {
		return m.history.Clear(ctx, key.PartitionKey())
	})
	if err != nil {
		return fmt.Errorf("%w: clearing history for %s: %w", ErrHistoryUnavailable, key, err)
	}
	return nil
}

// ForgetMemories deletes every long-term memory of key.
func (m *Manager) ForgetMemories(ctx context.Context, key CompanionKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	err := m.call(ctx, m.cfg.IndexTimeout, "index_delete", func(ctx context.Context) error {
		return m.index.DeleteNamespace(ctx, key.Namespace())
	})
	if err != nil {
		return fmt.Errorf("%w: deleting memories for %s: %w", ErrIndexUnavailable, key, err)
	}
	return nil
}

func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := m.call(ctx, m.cfg.EmbedTimeout, "embed", func(ctx context.Context) error {
		var err error
		vec, err = m.embedder.Embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	if want := m.index.Config().Dimension; len(vec) != want {
		return nil, Configurationf("embedder returned %d dimensions, index expects %d", len(vec), want)
	}
	return vec, nil
}

// call bounds one upstream call, retries included, by timeout.
func (m *Manager) call(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := retry.Do(ctx, m.cfg.Retry, op, IsRetryable, fn)
	metrics.MemoryOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.MemoryOperationsTotal.WithLabelValues(op, metrics.Status(err)).Inc()
	return err
}

// rank orders by score descending, then by first insertion.
func rank(results []RetrievalResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.Seq < results[j].Record.Seq
	})
}
