package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/companionhq/companion/internal/memory"
)

// Ollama embeds text with a locally served model.
type Ollama struct {
	client     *api.Client
	model      string
	dimensions int
}

var _ memory.Embedder = (*Ollama)(nil)

// NewOllama creates an Ollama embedder. baseURL defaults to the local daemon.
func NewOllama(baseURL, model string, dimensions int) (*Ollama, error) {
	if model == "" {
		return nil, memory.Configurationf("ollama: model is required")
	}
	if dimensions < 1 {
		return nil, memory.Configurationf("ollama: dimensions must be positive, got %d", dimensions)
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	uri, err := url.Parse(baseURL)
	if err != nil {
		return nil, memory.Configurationf("ollama: invalid base URL %q: %v", baseURL, err)
	}

	return &Ollama{
		client:     api.NewClient(uri, http.DefaultClient),
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Dimensions returns the configured vector width.
func (o *Ollama) Dimensions() int {
	return o.dimensions
}

// Model returns the embedding model name.
func (o *Ollama) Model() string {
	return o.model
}

// Embed returns the embedding of text.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := checkInput(text); err != nil {
		return nil, err
	}

	resp, err := o.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  o.model,
		Prompt: text,
	})
	if err != nil {
		return nil, classifyOllama(err)
	}

	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	if err := checkOutput(vec, o.dimensions); err != nil {
		return nil, fmt.Errorf("ollama %s: %w", o.model, err)
	}
	return vec, nil
}

func classifyOllama(err error) error {
	wrapped := fmt.Errorf("ollama embeddings: %w", err)
	if isContextErr(err) {
		return wrapped
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode, wrapped)
	}
	return classifyStatus(0, wrapped)
}
