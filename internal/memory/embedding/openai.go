package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/companionhq/companion/internal/memory"
)

// OpenAI embeds text with the OpenAI embeddings endpoint, or any server speaking its API.
type OpenAI struct {
	client     *openai.Client
	model      string
	dimensions int
}

var _ memory.Embedder = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI embedder. dimensions is required; for text-embedding-3 models it
// is also sent upstream to shorten the returned vectors.
func NewOpenAI(apiKey, baseURL, model string, dimensions int) (*OpenAI, error) {
	if apiKey == "" {
		return nil, memory.Configurationf("openai: API key is required")
	}
	if dimensions < 1 {
		return nil, memory.Configurationf("openai: dimensions must be positive, got %d", dimensions)
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	return &OpenAI{
		client:     openai.NewClientWithConfig(config),
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Dimensions returns the configured vector width.
func (o *OpenAI) Dimensions() int {
	return o.dimensions
}

// Model returns the embedding model name.
func (o *OpenAI) Model() string {
	return o.model
}

// Embed returns the embedding of text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := checkInput(text); err != nil {
		return nil, err
	}

	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.model),
	}
	if strings.HasPrefix(o.model, "text-embedding-3") {
		req.Dimensions = o.dimensions
	}

	resp, err := o.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Data) == 0 {
		return nil, memory.Transient(errors.New("openai: no embedding returned"))
	}

	vec := resp.Data[0].Embedding
	if err := checkOutput(vec, o.dimensions); err != nil {
		return nil, fmt.Errorf("openai %s: %w", o.model, err)
	}
	return vec, nil
}

func classifyOpenAI(err error) error {
	wrapped := fmt.Errorf("openai embeddings: %w", err)
	if isContextErr(err) {
		return wrapped
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, wrapped)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, wrapped)
	}
	return classifyStatus(0, wrapped)
}
