package ingest

import (
	"time"

	"github.com/companionhq/companion/internal/memory"
)

// FetchTimeout bounds one batch fetch from the durable consumer.
const FetchTimeout = 2 * time.Second

const (
	StreamMemory   = "COMPANION_MEMORY"
	SubjectIngest  = "companion.memory.ingest"
	ConsumerIngest = "memory-ingester"
)

// Job asks for one text to be embedded and stored as a long-term memory.
type Job struct {
	JobID       string              `json:"job_id"`
	Key         memory.CompanionKey `json:"key"`
	Text        string              `json:"text"`
	Metadata    memory.Metadata     `json:"metadata"`
	RecordID    string              `json:"record_id,omitempty"`
	RequestedAt time.Time           `json:"requested_at"`
}
