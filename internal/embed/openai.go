package embed

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/engramlabs/engram/internal/model"
)

// OpenAIEmbedder uses an OpenAI-compatible embeddings API.
type OpenAIEmbedder struct {
	client    *openai.Client
	modelName string
	dims      int
}

// NewOpenAIEmbedder creates an embedder for an OpenAI-compatible endpoint.
// Defaults: text-embedding-3-small, 1536 dims.
func NewOpenAIEmbedder(baseURL, apiKey, modelName string, dims int) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if modelName == "" {
		modelName = string(openai.SmallEmbedding3)
	}
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(cfg),
		modelName: modelName,
		dims:      dims,
	}
}

// Embed requests an embedding. Failures are wrapped as
// model.ErrEmbeddingUnavailable.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.modelName),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings request: %v: %w", err, model.ErrEmbeddingUnavailable)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embedding: %w", model.ErrEmbeddingUnavailable)
	}
	return resp.Data[0].Embedding, nil
}

// Dims returns the configured vector dimension.
func (e *OpenAIEmbedder) Dims() int { return e.dims }
