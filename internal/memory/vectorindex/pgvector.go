// Package vectorindex implements memory.VectorIndex on pgvector and on the embedded
// chromem-go database.
package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/companionhq/companion/internal/memory"
)

var indexNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

func validateConfig(cfg memory.IndexConfig) error {
	if !indexNamePattern.MatchString(cfg.Name) {
		return memory.Configurationf("index name %q must match %s", cfg.Name, indexNamePattern)
	}
	if cfg.Dimension < 1 || cfg.Dimension > 16000 {
		return memory.Configurationf("index %q: dimension %d out of range", cfg.Name, cfg.Dimension)
	}
	if _, err := memory.ParseMetric(string(cfg.Metric)); err != nil {
		return err
	}
	return nil
}

// PgVector stores each index in its own table, memory_records_<name>, registered in the
// memory_indexes catalog. Queries are exact within a namespace.
type PgVector struct {
	pool  *pgxpool.Pool
	cfg   memory.IndexConfig
	table string
}

var _ memory.VectorIndex = (*PgVector)(nil)

// EnsurePgVector creates the index if it does not exist and otherwise checks that the stored
// dimension and metric match cfg. The catalog table comes from migrations.
func EnsurePgVector(ctx context.Context, pool *pgxpool.Pool, cfg memory.IndexConfig) (*PgVector, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	idx := &PgVector{
		pool:  pool,
		cfg:   cfg,
		table: pgx.Identifier{"memory_records_" + cfg.Name}.Sanitize(),
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, classify("beginning index setup", err)
	}
	defer tx.Rollback(ctx)

	// Serializes concurrent EnsurePgVector calls for the same name.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, cfg.Name); err != nil {
		return nil, classify("locking index catalog", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO memory_indexes (name, dimension, metric) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO NOTHING`,
		cfg.Name, cfg.Dimension, string(cfg.Metric),
	)
	if err != nil {
		return nil, classify("registering index", err)
	}

	var (
		dimension int
		metric    string
	)
	err = tx.QueryRow(ctx,
		`SELECT dimension, metric FROM memory_indexes WHERE name = $1`, cfg.Name,
	).Scan(&dimension, &metric)
	if err != nil {
		return nil, classify("reading index catalog", err)
	}
	if dimension != cfg.Dimension || memory.Metric(metric) != cfg.Metric {
		return nil, memory.Configurationf("index %q exists with dimension %d metric %s, want dimension %d metric %s",
			cfg.Name, dimension, metric, cfg.Dimension, cfg.Metric)
	}

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace   TEXT NOT NULL,
			id          TEXT NOT NULL,
			seq         BIGSERIAL,
			embedding   vector(%d) NOT NULL,
			source_text TEXT NOT NULL,
			metadata    JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (namespace, id)
		)`, idx.table, cfg.Dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (namespace, seq)`,
			pgx.Identifier{"idx_memory_records_" + cfg.Name + "_namespace"}.Sanitize(), idx.table),
	}
	for _, stmt := range ddl {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, classify("creating index storage", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("committing index setup", err)
	}
	return idx, nil
}

// Config returns the index configuration.
func (p *PgVector) Config() memory.IndexConfig {
	return p.cfg
}

// Upsert inserts rec or replaces the record with the same (namespace, id). A replaced record
// keeps its seq and created_at.
func (p *PgVector) Upsert(ctx context.Context, namespace string, rec memory.MemoryRecord) (memory.MemoryRecord, error) {
	if len(rec.Vector) != p.cfg.Dimension {
		return memory.MemoryRecord{}, memory.Validationf("vector has %d dimensions, index %q expects %d",
			len(rec.Vector), p.cfg.Name, p.cfg.Dimension)
	}
	if namespace == "" || rec.ID == "" {
		return memory.MemoryRecord{}, memory.Validationf("namespace and record id are required")
	}

	metadataBytes, err := json.Marshal(rec.Metadata)
	if err != nil {
		return memory.MemoryRecord{}, memory.Validationf("encoding metadata: %v", err)
	}

	vec := pgvector.NewVector(rec.Vector)
	err = p.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (namespace, id, embedding, source_text, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (namespace, id) DO UPDATE
		   SET embedding = EXCLUDED.embedding,
		       source_text = EXCLUDED.source_text,
		       metadata = EXCLUDED.metadata,
		       updated_at = NOW()
		 RETURNING seq, created_at`, p.table),
		namespace, rec.ID, vec, rec.SourceText, metadataBytes,
	).Scan(&rec.Seq, &rec.CreatedAt)
	if err != nil {
		return memory.MemoryRecord{}, classify("upserting memory record", err)
	}
	rec.Namespace = namespace
	return rec, nil
}

// Query returns up to topK records of namespace ordered by similarity, then seq.
func (p *PgVector) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]memory.RetrievalResult, error) {
	if len(vector) != p.cfg.Dimension {
		return nil, memory.Validationf("query vector has %d dimensions, index %q expects %d",
			len(vector), p.cfg.Name, p.cfg.Dimension)
	}
	if topK < 1 {
		return nil, memory.Validationf("topK must be at least 1, got %d", topK)
	}

	// <=> is cosine distance, <#> is negative inner product.
	distance, score := `embedding <=> $1`, `1 - distance`
	if p.cfg.Metric == memory.MetricDot {
		distance, score = `embedding <#> $1`, `distance * -1`
	}

	// A namespace is one conversation, a small slice of the table. An approximate index
	// scan filters by namespace after picking candidates and can come back short, so the
	// namespace is read through its btree and scored exactly.
	vec := pgvector.NewVector(vector)
	rows, err := p.pool.Query(ctx,
		fmt.Sprintf(`WITH candidates AS MATERIALIZED (
		   SELECT id, source_text, metadata, seq, created_at, %s AS distance
		   FROM %s
		   WHERE namespace = $2
		 )
		 SELECT id, source_text, metadata, seq, created_at, %s AS score
		 FROM candidates
		 ORDER BY distance, seq
		 LIMIT $3`, distance, p.table, score),
		vec, namespace, topK,
	)
	if err != nil {
		return nil, classify("querying memory records", err)
	}
	defer rows.Close()

	results := []memory.RetrievalResult{}
	for rows.Next() {
		var (
			rec         memory.MemoryRecord
			rawMetadata []byte
			score       float64
			createdAt   time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.SourceText, &rawMetadata, &rec.Seq, &createdAt, &score); err != nil {
			return nil, fmt.Errorf("scanning memory record: %w", err)
		}
		md, err := memory.ParseMetadata(rawMetadata)
		if err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", rec.ID, err)
		}
		rec.Metadata = md
		rec.CreatedAt = createdAt
		rec.Namespace = namespace
		results = append(results, memory.RetrievalResult{Record: rec, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("reading memory records", err)
	}
	return results, nil
}

// DeleteNamespace removes every record of namespace.
func (p *PgVector) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1`, p.table), namespace)
	if err != nil {
		return classify("deleting namespace", err)
	}
	return nil
}

// classify maps Postgres failures onto the memory error taxonomy.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", memory.ErrNotFound, wrapped)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01", pgErr.Code == "42704":
			// undefined table or type: migrations or the vector extension are missing
			return fmt.Errorf("%w: %w", memory.ErrConfiguration, wrapped)
		case strings.HasPrefix(pgErr.Code, "22"):
			return fmt.Errorf("%w: %w", memory.ErrValidation, wrapped)
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "40"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57"):
			return memory.Transient(wrapped)
		default:
			return wrapped
		}
	}

	// No server response at all: connection refused, reset, pool exhausted.
	return memory.Transient(wrapped)
}
