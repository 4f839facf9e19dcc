package memory_test

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode"

	"github.com/alicebob/miniredis/v2"
	chromem "github.com/philippgille/chromem-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionhq/companion/internal/memory"
	"github.com/companionhq/companion/internal/memory/history"
	"github.com/companionhq/companion/internal/memory/vectorindex"
	"github.com/companionhq/companion/internal/retry"
)

const testDim = 64

// hashEmbedder is a deterministic bag-of-words embedder: texts sharing words have a positive
// cosine similarity.
type hashEmbedder struct {
	dim   int
	calls atomic.Int32
	fail  error
}

func (h *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h.calls.Add(1)
	if h.fail != nil {
		return nil, h.fail
	}
	vec := make([]float32, h.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		f.Write([]byte(w))
		vec[f.Sum32()%uint32(h.dim)]++
	}
	return vec, nil
}

func (h *hashEmbedder) Dimensions() int { return h.dim }

func testConfig() memory.Config {
	cfg := memory.DefaultConfig()
	cfg.Retry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	return cfg
}

type testEnv struct {
	manager  *memory.Manager
	embedder *hashEmbedder
	redis    *miniredis.Miniredis
}

func setup(t *testing.T) testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	idx, err := vectorindex.EnsureChromem(context.Background(), chromem.NewDB(), memory.IndexConfig{
		Name:      "test",
		Dimension: testDim,
		Metric:    memory.MetricCosine,
	})
	require.NoError(t, err)

	emb := &hashEmbedder{dim: testDim}
	m, err := memory.NewManager(history.NewRedisStore(client, history.Retention{MaxTurns: 50, TTL: time.Hour}), idx, emb, testConfig())
	require.NoError(t, err)

	return testEnv{manager: m, embedder: emb, redis: mr}
}

var einstein = memory.CompanionKey{CompanionName: "Einstein", ModelName: "gpt-x", UserID: "u1"}

func TestManager_EinsteinScenario(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	require.NoError(t, env.manager.AppendTurn(ctx, einstein, memory.Turn{Role: memory.RoleUser, Content: "What is relativity?"}))
	require.NoError(t, env.manager.AppendTurn(ctx, einstein, memory.Turn{Role: memory.RoleSystem, Content: "It's about spacetime curvature..."}))

	turns, err := env.manager.GetRecentHistory(ctx, einstein, 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, memory.RoleUser, turns[0].Role)
	assert.Equal(t, "What is relativity?", turns[0].Content)
	assert.Equal(t, memory.RoleSystem, turns[1].Role)
	assert.Equal(t, "It's about spacetime curvature...", turns[1].Content)

	_, err = env.manager.IngestMemory(ctx, einstein, "It's about spacetime curvature...", memory.Metadata{})
	require.NoError(t, err)

	results, err := env.manager.RetrieveRelevantMemories(ctx, einstein, "Tell me about gravity", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "It's about spacetime curvature...", results[0].Record.SourceText)
	assert.Greater(t, results[0].Score, 0.0)
}

func TestManager_EmptyKey(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	turns, err := env.manager.GetRecentHistory(ctx, einstein, 10)
	require.NoError(t, err)
	assert.NotNil(t, turns)
	assert.Empty(t, turns)

	results, err := env.manager.RetrieveRelevantMemories(ctx, einstein, "anything at all", 3)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestManager_HistoryOrdering(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	for _, c := range []string{"T1", "T2", "T3"} {
		require.NoError(t, env.manager.AppendTurn(ctx, einstein, memory.Turn{Role: memory.RoleUser, Content: c}))
	}

	turns, err := env.manager.GetRecentHistory(ctx, einstein, 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "T1", turns[0].Content)
	assert.Equal(t, "T2", turns[1].Content)
	assert.Equal(t, "T3", turns[2].Content)
	assert.False(t, turns[0].Timestamp.IsZero())

	turns, err = env.manager.GetRecentHistory(ctx, einstein, 2)
	require.NoError(t, err)
	assert.Equal(t, "T2", turns[0].Content)
	assert.Equal(t, "T3", turns[1].Content)
}

func TestManager_NamespaceIsolation(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	a := memory.CompanionKey{CompanionName: "Einstein", ModelName: "gpt-x", UserID: "u1"}
	b := memory.CompanionKey{CompanionName: "Curie", ModelName: "gpt-x", UserID: "u1"}
	otherUser := memory.CompanionKey{CompanionName: "Einstein", ModelName: "gpt-x", UserID: "u2"}

	_, err := env.manager.IngestMemory(ctx, a, "the secret is photons", nil)
	require.NoError(t, err)
	require.NoError(t, env.manager.AppendTurn(ctx, a, memory.Turn{Role: memory.RoleUser, Content: "private"}))

	for _, k := range []memory.CompanionKey{b, otherUser} {
		results, err := env.manager.RetrieveRelevantMemories(ctx, k, "the secret is photons", 5)
		require.NoError(t, err)
		assert.Empty(t, results, k.String())

		turns, err := env.manager.GetRecentHistory(ctx, k, 5)
		require.NoError(t, err)
		assert.Empty(t, turns, k.String())
	}
}

func TestManager_IngestWithStableIDIsIdempotent(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	first, err := env.manager.IngestMemory(ctx, einstein, "born in Ulm", nil, memory.WithRecordID("bio-1"))
	require.NoError(t, err)
	second, err := env.manager.IngestMemory(ctx, einstein, "born in Ulm", nil, memory.WithRecordID("bio-1"))
	require.NoError(t, err)
	assert.Equal(t, "bio-1", second.ID)
	assert.Equal(t, first.Seq, second.Seq)

	results, err := env.manager.RetrieveRelevantMemories(ctx, einstein, "where was he born", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestManager_IngestWithoutIDCreatesNewRecords(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	first, err := env.manager.IngestMemory(ctx, einstein, "born in Ulm", nil)
	require.NoError(t, err)
	second, err := env.manager.IngestMemory(ctx, einstein, "born in Ulm", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	results, err := env.manager.RetrieveRelevantMemories(ctx, einstein, "born in Ulm", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// equal scores: earlier insertion first
	assert.Equal(t, first.ID, results[0].Record.ID)
}

func TestManager_IngestKeepsMetadata(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	_, err := env.manager.IngestMemory(ctx, einstein, "won the Nobel prize in 1921", memory.Metadata{"topic": "awards", "year": 1921})
	require.NoError(t, err)

	results, err := env.manager.RetrieveRelevantMemories(ctx, einstein, "Nobel prize", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "awards", results[0].Record.Metadata["topic"])
	assert.Equal(t, float64(1921), results[0].Record.Metadata["year"])
}

func TestManager_RetrievalRanksBySimilarity(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	for _, text := range []string{
		"violin music and sailing",
		"gravity bends light around the sun",
		"light travels at a constant speed",
	} {
		_, err := env.manager.IngestMemory(ctx, einstein, text, nil)
		require.NoError(t, err)
	}

	results, err := env.manager.RetrieveRelevantMemories(ctx, einstein, "gravity bends light", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "gravity bends light around the sun", results[0].Record.SourceText)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestManager_EmbedderFailureDegrades(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	env.embedder.fail = memory.Transient(errors.New("rate limited"))

	results, err := env.manager.RetrieveRelevantMemories(ctx, einstein, "Tell me about gravity", 3)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.True(t, errors.Is(err, memory.ErrEmbeddingUnavailable))
	// transient failures are retried up to the policy
	assert.EqualValues(t, 3, env.embedder.calls.Load())

	require.NoError(t, env.manager.AppendTurn(ctx, einstein, memory.Turn{Role: memory.RoleUser, Content: "hello"}))
	payload := env.manager.BuildContext(ctx, einstein, "Tell me about gravity", memory.Persona{Name: "Einstein"})
	assert.True(t, payload.Degraded)
	assert.Empty(t, payload.RelevantMemories)
	require.Len(t, payload.RecentMessages, 1)
	assert.Equal(t, "hello", payload.RecentMessages[0].Content)
}

func TestManager_ConfigurationErrorIsNotRetried(t *testing.T) {
	env := setup(t)
	env.embedder.fail = memory.Configurationf("bad api key")

	_, err := env.manager.RetrieveRelevantMemories(context.Background(), einstein, "hello", 3)
	assert.True(t, errors.Is(err, memory.ErrEmbeddingUnavailable))
	assert.True(t, errors.Is(err, memory.ErrConfiguration))
	assert.EqualValues(t, 1, env.embedder.calls.Load())
}

func TestManager_IngestFailsWhenEmbedderFails(t *testing.T) {
	env := setup(t)
	env.embedder.fail = memory.Configurationf("bad api key")

	_, err := env.manager.IngestMemory(context.Background(), einstein, "something", nil)
	assert.True(t, errors.Is(err, memory.ErrEmbeddingUnavailable))
}

func TestManager_HistoryUnavailable(t *testing.T) {
	env := setup(t)
	env.redis.Close()
	ctx := context.Background()

	_, err := env.manager.GetRecentHistory(ctx, einstein, 5)
	assert.True(t, errors.Is(err, memory.ErrHistoryUnavailable))

	err = env.manager.AppendTurn(ctx, einstein, memory.Turn{Role: memory.RoleUser, Content: "hello"})
	assert.True(t, errors.Is(err, memory.ErrHistoryUnavailable))

	payload := env.manager.BuildContext(ctx, einstein, "", memory.Persona{})
	assert.True(t, payload.Degraded)
	assert.NotNil(t, payload.RecentMessages)
	assert.Empty(t, payload.RecentMessages)
}

func TestManager_AppendSurvivesCancellation(t *testing.T) {
	env := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, env.manager.AppendTurn(ctx, einstein, memory.Turn{Role: memory.RoleUser, Content: "sent just before disconnect"}))

	turns, err := env.manager.GetRecentHistory(context.Background(), einstein, 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "sent just before disconnect", turns[0].Content)
}

func TestManager_Validation(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	bad := memory.CompanionKey{CompanionName: "Einstein", ModelName: "gpt-x"}

	_, err := env.manager.GetRecentHistory(ctx, bad, 1)
	assert.True(t, errors.Is(err, memory.ErrValidation))

	_, err = env.manager.GetRecentHistory(ctx, einstein, 0)
	assert.True(t, errors.Is(err, memory.ErrValidation))

	err = env.manager.AppendTurn(ctx, einstein, memory.Turn{Role: "assistant", Content: "hi"})
	assert.True(t, errors.Is(err, memory.ErrValidation))

	err = env.manager.AppendTurn(ctx, einstein, memory.Turn{Role: memory.RoleUser})
	assert.True(t, errors.Is(err, memory.ErrValidation))

	results, err := env.manager.RetrieveRelevantMemories(ctx, einstein, "  ", 1)
	assert.True(t, errors.Is(err, memory.ErrValidation))
	assert.NotNil(t, results)

	_, err = env.manager.RetrieveRelevantMemories(ctx, einstein, "hello", 0)
	assert.True(t, errors.Is(err, memory.ErrValidation))

	_, err = env.manager.IngestMemory(ctx, einstein, "", nil)
	assert.True(t, errors.Is(err, memory.ErrValidation))

	_, err = env.manager.IngestMemory(ctx, einstein, strings.Repeat("x", 32769), nil)
	assert.True(t, errors.Is(err, memory.ErrValidation))

	_, err = env.manager.IngestMemory(ctx, einstein, "fine", memory.Metadata{"seq": 1})
	assert.True(t, errors.Is(err, memory.ErrValidation))

	_, err = env.manager.IngestMemory(ctx, einstein, "fine", nil, memory.WithRecordID(strings.Repeat("i", 129)))
	assert.True(t, errors.Is(err, memory.ErrValidation))

	assert.Zero(t, env.embedder.calls.Load())
}

func TestManager_ConcurrentAppendsDoNotCorrupt(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.manager.AppendTurn(ctx, einstein, memory.Turn{Role: memory.RoleUser, Content: "msg"}))
		}()
	}
	wg.Wait()

	turns, err := env.manager.GetRecentHistory(ctx, einstein, 100)
	require.NoError(t, err)
	assert.Len(t, turns, 20)
}

func TestManager_SeedClearAndForget(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	seeded, err := env.manager.SeedHistory(ctx, einstein, "Human: Hi\nEinstein: Hello, friend.", "")
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = env.manager.SeedHistory(ctx, einstein, "Human: Again", "")
	require.NoError(t, err)
	assert.False(t, seeded)

	turns, err := env.manager.GetRecentHistory(ctx, einstein, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, memory.RoleUser, turns[0].Role)
	assert.Equal(t, "Hello, friend.", turns[1].Content)

	_, err = env.manager.IngestMemory(ctx, einstein, "long-term fact", nil)
	require.NoError(t, err)

	require.NoError(t, env.manager.ClearHistory(ctx, einstein))
	turns, err = env.manager.GetRecentHistory(ctx, einstein, 10)
	require.NoError(t, err)
	assert.Empty(t, turns)

	// clearing history keeps long-term memory
	results, err := env.manager.RetrieveRelevantMemories(ctx, einstein, "long-term fact", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	require.NoError(t, env.manager.ForgetMemories(ctx, einstein))
	results, err = env.manager.RetrieveRelevantMemories(ctx, einstein, "long-term fact", 1)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestManager_BuildContext(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	require.NoError(t, env.manager.AppendTurn(ctx, einstein, memory.Turn{Role: memory.RoleUser, Content: "What is relativity?"}))
	_, err := env.manager.IngestMemory(ctx, einstein, "relativity links space and time", nil)
	require.NoError(t, err)

	payload := env.manager.BuildContext(ctx, einstein, "explain relativity", memory.Persona{Name: "Einstein", Instructions: "Be curious."})
	assert.False(t, payload.Degraded)
	assert.Contains(t, payload.Preamble, "Be curious.")
	require.Len(t, payload.RecentMessages, 1)
	require.Len(t, payload.RelevantMemories, 1)
	assert.Equal(t, "relativity links space and time", payload.RelevantMemories[0].Content)
	assert.Contains(t, payload.Prompt("Einstein"), "User: What is relativity?")
}

func TestManager_SimilarityThreshold(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	idx, err := vectorindex.EnsureChromem(context.Background(), chromem.NewDB(), memory.IndexConfig{Name: "test", Dimension: testDim, Metric: memory.MetricCosine})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.SimilarityThreshold = 0.99
	m, err := memory.NewManager(history.NewRedisStore(client, history.Retention{}), idx, &hashEmbedder{dim: testDim}, cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = m.IngestMemory(ctx, einstein, "exact phrase", nil)
	require.NoError(t, err)
	_, err = m.IngestMemory(ctx, einstein, "exact but different words", nil)
	require.NoError(t, err)

	results, err := m.RetrieveRelevantMemories(ctx, einstein, "exact phrase", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "exact phrase", results[0].Record.SourceText)
}

func TestNewManager_ConfigurationChecks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := history.NewRedisStore(client, history.Retention{})

	idx, err := vectorindex.EnsureChromem(context.Background(), chromem.NewDB(), memory.IndexConfig{Name: "test", Dimension: 32, Metric: memory.MetricCosine})
	require.NoError(t, err)

	_, err = memory.NewManager(store, idx, &hashEmbedder{dim: 64}, testConfig())
	assert.True(t, errors.Is(err, memory.ErrConfiguration), "dimension mismatch")

	cfg := testConfig()
	cfg.Metric = memory.MetricDot
	_, err = memory.NewManager(store, idx, &hashEmbedder{dim: 32}, cfg)
	assert.True(t, errors.Is(err, memory.ErrConfiguration), "metric mismatch")

	_, err = memory.NewManager(nil, idx, &hashEmbedder{dim: 32}, cfg)
	assert.True(t, errors.Is(err, memory.ErrConfiguration), "missing store")

	_, err = memory.NewManager(store, idx, &hashEmbedder{dim: 32}, testConfig())
	assert.NoError(t, err)
}

// scriptedIndex returns fixed results so ranking and filtering can be checked in isolation.
type scriptedIndex struct {
	results []memory.RetrievalResult
	err     error
	calls   atomic.Int32
}

func (s *scriptedIndex) Config() memory.IndexConfig {
	return memory.IndexConfig{Name: "scripted", Dimension: testDim, Metric: memory.MetricCosine}
}

func (s *scriptedIndex) Upsert(_ context.Context, ns string, rec memory.MemoryRecord) (memory.MemoryRecord, error) {
	rec.Namespace = ns
	return rec, s.err
}

func (s *scriptedIndex) Query(context.Context, string, []float32, int) ([]memory.RetrievalResult, error) {
	s.calls.Add(1)
	return s.results, s.err
}

func (s *scriptedIndex) DeleteNamespace(context.Context, string) error { return s.err }

func scriptedManager(t *testing.T, idx *scriptedIndex) *memory.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	m, err := memory.NewManager(history.NewRedisStore(client, history.Retention{}), idx, &hashEmbedder{dim: testDim}, testConfig())
	require.NoError(t, err)
	return m
}

func TestManager_RanksTiesByInsertionAndDropsForeignRecords(t *testing.T) {
	ns := einstein.Namespace()
	idx := &scriptedIndex{results: []memory.RetrievalResult{
		{Record: memory.MemoryRecord{ID: "late", Namespace: ns, Seq: 9}, Score: 0.5},
		{Record: memory.MemoryRecord{ID: "foreign", Namespace: "mem:other", Seq: 1}, Score: 0.9},
		{Record: memory.MemoryRecord{ID: "early", Namespace: ns, Seq: 2}, Score: 0.5},
		{Record: memory.MemoryRecord{ID: "best", Namespace: ns, Seq: 5}, Score: 0.7},
	}}
	m := scriptedManager(t, idx)

	results, err := m.RetrieveRelevantMemories(context.Background(), einstein, "anything", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "best", results[0].Record.ID)
	assert.Equal(t, "early", results[1].Record.ID)
	assert.Equal(t, "late", results[2].Record.ID)
}

func TestManager_IndexFailureDegrades(t *testing.T) {
	idx := &scriptedIndex{err: memory.Transient(errors.New("connection reset"))}
	m := scriptedManager(t, idx)

	results, err := m.RetrieveRelevantMemories(context.Background(), einstein, "anything", 3)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.True(t, errors.Is(err, memory.ErrIndexUnavailable))
	assert.EqualValues(t, 3, idx.calls.Load())

	_, err = m.IngestMemory(context.Background(), einstein, "fact", nil)
	assert.True(t, errors.Is(err, memory.ErrIndexUnavailable))
}

func TestManager_IndexNotFoundIsEmpty(t *testing.T) {
	idx := &scriptedIndex{err: memory.ErrNotFound}
	m := scriptedManager(t, idx)

	results, err := m.RetrieveRelevantMemories(context.Background(), einstein, "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}
