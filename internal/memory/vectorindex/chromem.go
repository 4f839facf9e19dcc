package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/companionhq/companion/internal/memory"
)

const (
	configDocID = "config"

	metaRecordID  = "record_id"
	metaNamespace = "namespace"
	metaSeq       = "seq"
	metaCreatedAt = "created_at"
	metaUser      = "metadata"
)

// errNoEmbedding guards against chromem falling back to its default embedding function:
// vectors always come from the memory Embedder.
var errNoEmbedding = errors.New("chromem index does not embed text")

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}

// Chromem is an embedded, in-process index on chromem-go. Every namespace is a separate
// collection; chromem compares normalized vectors, so only the cosine metric is offered.
type Chromem struct {
	db  *chromem.DB
	cfg memory.IndexConfig

	mu      sync.Mutex
	lastSeq int64

	// writeMu makes the seq lookup and the write of an upsert one step.
	writeMu sync.Mutex
}

var _ memory.VectorIndex = (*Chromem)(nil)

// EnsureChromem opens or creates the index in db. The first call records the configuration
// in a catalog collection; later calls with a different dimension or metric fail.
func EnsureChromem(ctx context.Context, db *chromem.DB, cfg memory.IndexConfig) (*Chromem, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Metric != memory.MetricCosine {
		return nil, memory.Configurationf("chromem index %q supports only the cosine metric, got %s", cfg.Name, cfg.Metric)
	}

	catalog, err := db.GetOrCreateCollection("__index_"+cfg.Name, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("opening catalog for index %q: %w", cfg.Name, err)
	}

	if catalog.Count() == 0 {
		doc := chromem.Document{
			ID:        configDocID,
			Embedding: []float32{1},
			Content:   cfg.Name,
			Metadata: map[string]string{
				"dimension": strconv.Itoa(cfg.Dimension),
				"metric":    string(cfg.Metric),
			},
		}
		if err := catalog.AddDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("registering index %q: %w", cfg.Name, err)
		}
	} else {
		stored, err := catalog.QueryEmbedding(ctx, []float32{1}, 1, nil, nil)
		if err != nil || len(stored) == 0 {
			return nil, memory.Configurationf("reading catalog of index %q: %v", cfg.Name, err)
		}
		dim, _ := strconv.Atoi(stored[0].Metadata["dimension"])
		metric := memory.Metric(stored[0].Metadata["metric"])
		if dim != cfg.Dimension || metric != cfg.Metric {
			return nil, memory.Configurationf("index %q exists with dimension %d metric %s, want dimension %d metric %s",
				cfg.Name, dim, metric, cfg.Dimension, cfg.Metric)
		}
	}

	return &Chromem{db: db, cfg: cfg}, nil
}

// Config returns the index configuration.
func (c *Chromem) Config() memory.IndexConfig {
	return c.cfg
}

func (c *Chromem) collectionName(namespace string) string {
	return c.cfg.Name + "/" + namespace
}

// nextSeq is strictly increasing within the process and, being clock based, across restarts
// of a persistent database.
func (c *Chromem) nextSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := time.Now().UnixNano()
	if seq <= c.lastSeq {
		seq = c.lastSeq + 1
	}
	c.lastSeq = seq
	return seq
}

// Upsert adds rec to the namespace collection, replacing a document with the same id.
func (c *Chromem) Upsert(ctx context.Context, namespace string, rec memory.MemoryRecord) (memory.MemoryRecord, error) {
	if len(rec.Vector) != c.cfg.Dimension {
		return memory.MemoryRecord{}, memory.Validationf("vector has %d dimensions, index %q expects %d",
			len(rec.Vector), c.cfg.Name, c.cfg.Dimension)
	}
	if namespace == "" || rec.ID == "" {
		return memory.MemoryRecord{}, memory.Validationf("namespace and record id are required")
	}

	col, err := c.db.GetOrCreateCollection(c.collectionName(namespace), nil, noEmbedding)
	if err != nil {
		return memory.MemoryRecord{}, fmt.Errorf("opening collection: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rec.Namespace = namespace
	rec.Seq, rec.CreatedAt = 0, time.Time{}
	if existing, ok := c.lookup(ctx, col, rec); ok {
		rec.Seq, rec.CreatedAt = existing.Seq, existing.CreatedAt
	}
	if rec.Seq == 0 {
		rec.Seq = c.nextSeq()
		rec.CreatedAt = time.Now().UTC()
	}

	userMetadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return memory.MemoryRecord{}, memory.Validationf("encoding metadata: %v", err)
	}

	// chromem normalizes the stored copy in place.
	embedding := make([]float32, len(rec.Vector))
	copy(embedding, rec.Vector)

	doc := chromem.Document{
		ID:        rec.ID,
		Embedding: embedding,
		Content:   rec.SourceText,
		Metadata: map[string]string{
			metaRecordID:  rec.ID,
			metaNamespace: namespace,
			metaSeq:       strconv.FormatInt(rec.Seq, 10),
			metaCreatedAt: rec.CreatedAt.Format(time.RFC3339Nano),
			metaUser:      string(userMetadata),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return memory.MemoryRecord{}, fmt.Errorf("adding document: %w", err)
	}
	return rec, nil
}

// lookup finds a previous version of rec by its id.
func (c *Chromem) lookup(ctx context.Context, col *chromem.Collection, rec memory.MemoryRecord) (memory.MemoryRecord, bool) {
	if col.Count() == 0 {
		return memory.MemoryRecord{}, false
	}
	found, err := col.QueryEmbedding(ctx, rec.Vector, 1, map[string]string{metaRecordID: rec.ID}, nil)
	if err != nil || len(found) == 0 {
		return memory.MemoryRecord{}, false
	}
	existing, err := toRecord(found[0])
	if err != nil {
		return memory.MemoryRecord{}, false
	}
	return existing, true
}

// Query returns up to topK records of namespace, most similar first.
func (c *Chromem) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]memory.RetrievalResult, error) {
	if len(vector) != c.cfg.Dimension {
		return nil, memory.Validationf("query vector has %d dimensions, index %q expects %d",
			len(vector), c.cfg.Name, c.cfg.Dimension)
	}
	if topK < 1 {
		return nil, memory.Validationf("topK must be at least 1, got %d", topK)
	}

	results := []memory.RetrievalResult{}
	col := c.db.GetCollection(c.collectionName(namespace), noEmbedding)
	if col == nil {
		return results, nil
	}
	// chromem rejects nResults larger than the collection, and breaks ties at the cutoff
	// arbitrarily, so the whole namespace is scored and ranked here.
	n := col.Count()
	if n == 0 {
		return results, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)

	found, err := col.QueryEmbedding(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}
	for _, r := range found {
		rec, err := toRecord(r)
		if err != nil {
			return nil, err
		}
		results = append(results, memory.RetrievalResult{Record: rec, Score: float64(r.Similarity)})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.Seq < results[j].Record.Seq
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// DeleteNamespace drops the namespace collection.
func (c *Chromem) DeleteNamespace(_ context.Context, namespace string) error {
	if err := c.db.DeleteCollection(c.collectionName(namespace)); err != nil {
		return fmt.Errorf("deleting collection: %w", err)
	}
	return nil
}

func toRecord(r chromem.Result) (memory.MemoryRecord, error) {
	seq, err := strconv.ParseInt(r.Metadata[metaSeq], 10, 64)
	if err != nil {
		return memory.MemoryRecord{}, fmt.Errorf("document %s: bad seq: %w", r.ID, err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, r.Metadata[metaCreatedAt])
	md, err := memory.ParseMetadata([]byte(r.Metadata[metaUser]))
	if err != nil {
		return memory.MemoryRecord{}, fmt.Errorf("document %s: %w", r.ID, err)
	}
	return memory.MemoryRecord{
		ID:         r.ID,
		SourceText: r.Content,
		Metadata:   md,
		Namespace:  r.Metadata[metaNamespace],
		Seq:        seq,
		CreatedAt:  createdAt,
	}, nil
}
