package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/companionhq/companion/internal/memory"
)

// Publisher enqueues ingestion jobs.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishIngest enqueues job and returns its id. The id doubles as the JetStream message id,
// so a retried publish inside the stream's duplicate window is stored once.
func (p *Publisher) PublishIngest(ctx context.Context, job Job) (string, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshaling ingest job: %w", err)
	}
	if _, err := p.js.Publish(ctx, SubjectIngest, payload, jetstream.WithMsgID(job.JobID)); err != nil {
		return "", fmt.Errorf("publishing to %s: %w", SubjectIngest, err)
	}
	return job.JobID, nil
}

// Enqueue publishes an ingestion for key. It has the shape of memory.Enqueuer.
func (p *Publisher) Enqueue(ctx context.Context, key memory.CompanionKey, text string, metadata memory.Metadata, recordID string) (string, error) {
	return p.PublishIngest(ctx, Job{
		Key:      key,
		Text:     text,
		Metadata: metadata,
		RecordID: recordID,
	})
}
