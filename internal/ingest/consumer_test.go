package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	chromem "github.com/philippgille/chromem-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionhq/companion/internal/memory"
	"github.com/companionhq/companion/internal/memory/history"
	"github.com/companionhq/companion/internal/memory/vectorindex"
)

// letterEmbedder counts letters, enough for equal texts to score equal.
type letterEmbedder struct{}

func (letterEmbedder) Dimensions() int { return 26 }

func (letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 26)
	for _, r := range text {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
		}
	}
	return vec, nil
}

func newManager(t *testing.T) *memory.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	idx, err := vectorindex.EnsureChromem(context.Background(), chromem.NewDB(), memory.IndexConfig{
		Name:      "ingest",
		Dimension: 26,
		Metric:    memory.MetricCosine,
	})
	require.NoError(t, err)

	mgr, err := memory.NewManager(history.NewRedisStore(client, history.Retention{MaxTurns: 10}), idx, letterEmbedder{}, memory.DefaultConfig())
	require.NoError(t, err)
	return mgr
}

type fakeIngester struct {
	err      error
	key      memory.CompanionKey
	text     string
	metadata memory.Metadata
	opts     int
}

func (f *fakeIngester) IngestMemory(_ context.Context, key memory.CompanionKey, text string, md memory.Metadata, opts ...memory.IngestOption) (memory.MemoryRecord, error) {
	f.key, f.text, f.metadata, f.opts = key, text, md, len(opts)
	if f.err != nil {
		return memory.MemoryRecord{}, f.err
	}
	return memory.MemoryRecord{ID: "rec-1", SourceText: text}, nil
}

func encodeJob(t *testing.T, job Job) []byte {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return data
}

func TestJobRoundTrip(t *testing.T) {
	job := Job{
		JobID:       "job-1",
		Key:         memory.CompanionKey{CompanionName: "Einstein", ModelName: "gpt-x", UserID: "u1"},
		Text:        "born in Ulm",
		Metadata:    memory.Metadata{"topic": "bio"},
		RecordID:    "bio-1",
		RequestedAt: time.Now().UTC().Truncate(time.Second),
	}

	var decoded Job
	require.NoError(t, json.Unmarshal(encodeJob(t, job), &decoded))
	assert.Equal(t, job.Key, decoded.Key)
	assert.Equal(t, "bio-1", decoded.RecordID)
	assert.Equal(t, "bio", decoded.Metadata["topic"])
	assert.True(t, job.RequestedAt.Equal(decoded.RequestedAt))
}

func TestConsumer_ProcessStoresMemory(t *testing.T) {
	ing := &fakeIngester{}
	c := NewConsumer(nil, ing)

	out := c.process(context.Background(), encodeJob(t, Job{
		JobID:    "job-1",
		Key:      memory.CompanionKey{CompanionName: "Einstein", ModelName: "gpt-x", UserID: "u1"},
		Text:     "born in Ulm",
		RecordID: "bio-1",
	}))

	assert.Equal(t, outcomeAck, out)
	assert.Equal(t, "Einstein", ing.key.CompanionName)
	assert.Equal(t, "born in Ulm", ing.text)
	assert.Equal(t, 1, ing.opts)
}

func TestConsumer_ProcessWithoutAnyID(t *testing.T) {
	ing := &fakeIngester{}
	c := NewConsumer(nil, ing)

	out := c.process(context.Background(), encodeJob(t, Job{Text: "x"}))
	assert.Equal(t, outcomeAck, out)
	assert.Zero(t, ing.opts)
}

func TestConsumer_JobIDStandsInForRecordID(t *testing.T) {
	ing := &fakeIngester{}
	c := NewConsumer(nil, ing)

	out := c.process(context.Background(), encodeJob(t, Job{JobID: "job-2", Text: "x"}))
	assert.Equal(t, outcomeAck, out)
	assert.Equal(t, 1, ing.opts)
}

func TestConsumer_RedeliveryStoresOneRecord(t *testing.T) {
	mgr := newManager(t)
	c := NewConsumer(nil, mgr)
	ctx := context.Background()
	key := memory.CompanionKey{CompanionName: "Einstein", ModelName: "gpt-x", UserID: "u1"}

	job := encodeJob(t, Job{JobID: "job-7", Key: key, Text: "born in Ulm"})
	require.Equal(t, outcomeAck, c.process(ctx, job))
	require.Equal(t, outcomeAck, c.process(ctx, job))

	results, err := mgr.RetrieveRelevantMemories(ctx, key, "born in Ulm", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "job-7", results[0].Record.ID)
}

func TestConsumer_ProcessOutcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want outcome
	}{
		{"validation is dropped", memory.Validationf("empty text"), outcomeDrop},
		{"configuration is dropped", memory.Configurationf("dimension mismatch"), outcomeDrop},
		{"embedding outage is retried", errors.Join(memory.ErrEmbeddingUnavailable, memory.Transient(errors.New("429"))), outcomeRetry},
		{"index outage is retried", memory.ErrIndexUnavailable, outcomeRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConsumer(nil, &fakeIngester{err: tt.err})
			assert.Equal(t, tt.want, c.process(context.Background(), encodeJob(t, Job{Text: "x"})))
		})
	}
}

func TestConsumer_MalformedJobIsDropped(t *testing.T) {
	ing := &fakeIngester{}
	c := NewConsumer(nil, ing)

	assert.Equal(t, outcomeDrop, c.process(context.Background(), []byte("{not json")))
	assert.Empty(t, ing.text)
}
