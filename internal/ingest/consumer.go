package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/companionhq/companion/internal/memory"
	"github.com/companionhq/companion/internal/metrics"
)

const (
	maxDeliver = 5
	nakDelay   = 5 * time.Second
)

// Ingester is the part of memory.Manager the consumer needs.
type Ingester interface {
	IngestMemory(ctx context.Context, key memory.CompanionKey, text string, metadata memory.Metadata, opts ...memory.IngestOption) (memory.MemoryRecord, error)
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeDrop
)

// Consumer drains the ingest subject and stores each job through the Manager.
type Consumer struct {
	js       jetstream.JetStream
	ingester Ingester
}

// NewConsumer creates a new ingestion Consumer.
func NewConsumer(js jetstream.JetStream, ingester Ingester) *Consumer {
	return &Consumer{js: js, ingester: ingester}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, StreamMemory, jetstream.ConsumerConfig{
		Durable:       ConsumerIngest,
		FilterSubject: SubjectIngest,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		return fmt.Errorf("ensuring consumer %s on %s: %w", ConsumerIngest, StreamMemory, err)
	}

	slog.Info("ingest consumer started", "consumer", ConsumerIngest)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("ingest consumer: fetching jobs", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.settle(msg, c.process(ctx, msg.Data()))
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) settle(msg jetstream.Msg, out outcome) {
	var err error
	switch out {
	case outcomeAck:
		err = msg.Ack()
	case outcomeRetry:
		err = msg.NakWithDelay(nakDelay)
	case outcomeDrop:
		err = msg.Term()
	}
	if err != nil {
		slog.Warn("ingest consumer: settling message", "error", err)
	}
}

func (c *Consumer) process(ctx context.Context, data []byte) outcome {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		slog.Error("ingest consumer: unmarshaling job", "error", err)
		metrics.IngestJobsTotal.WithLabelValues("invalid").Inc()
		return outcomeDrop
	}

	// Redelivery of a job must not store a second copy, so a job without a record id is
	// keyed by its job id.
	recordID := job.RecordID
	if recordID == "" {
		recordID = job.JobID
	}
	var opts []memory.IngestOption
	if recordID != "" {
		opts = append(opts, memory.WithRecordID(recordID))
	}

	rec, err := c.ingester.IngestMemory(ctx, job.Key, job.Text, job.Metadata, opts...)
	switch {
	case err == nil:
		metrics.IngestJobsTotal.WithLabelValues("ok").Inc()
		slog.Debug("ingest consumer: stored memory", "job_id", job.JobID, "record_id", rec.ID, "key", job.Key.String())
		return outcomeAck
	case errors.Is(err, memory.ErrValidation), errors.Is(err, memory.ErrConfiguration):
		// Redelivery cannot fix these.
		metrics.IngestJobsTotal.WithLabelValues("invalid").Inc()
		slog.Error("ingest consumer: dropping job", "job_id", job.JobID, "error", err)
		return outcomeDrop
	default:
		metrics.IngestJobsTotal.WithLabelValues("retry").Inc()
		slog.Warn("ingest consumer: job failed, will retry", "job_id", job.JobID, "error", err)
		return outcomeRetry
	}
}
