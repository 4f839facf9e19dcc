package memory

import (
	"time"
)

// Role of a conversation turn. The companion's own replies are stored as RoleSystem.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Turn is one message in the short-term conversation history.
type Turn struct {
	Role      Role      `json:"role" validate:"required,oneof=system user"`
	Content   string    `json:"content" validate:"required,max=32768"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks role and content.
func (t Turn) Validate() error {
	if err := validate.Struct(t); err != nil {
		return Validationf("turn: %v", err)
	}
	return nil
}

// MemoryRecord is one long-term memory unit held by the Vector Index.
type MemoryRecord struct {
	ID         string    `json:"id"`
	Vector     []float32 `json:"vector,omitempty"`
	SourceText string    `json:"source_text"`
	Metadata   Metadata  `json:"metadata"`
	Namespace  string    `json:"namespace"`
	// Seq orders records by first insertion within an index. Set by the index.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// RetrievalResult pairs a record with its similarity to the query.
type RetrievalResult struct {
	Record MemoryRecord `json:"record"`
	Score  float64      `json:"score"`
}

// Metric is the similarity function a Vector Index was built with.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
)

// ParseMetric validates a configured metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, MetricDot:
		return Metric(s), nil
	default:
		return "", Configurationf("unknown similarity metric %q", s)
	}
}
