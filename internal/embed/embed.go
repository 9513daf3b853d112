// Package embed provides the embedding capability used by the memory
// engine: a pluggable Embedder interface, a deterministic hash-based
// default that needs no network access, and HTTP providers for Ollama and
// OpenAI-compatible APIs.
package embed

import (
	"context"
	"fmt"
	"math"

	"github.com/engramlabs/engram/internal/model"
)

// Embedder maps text to a fixed-dimension float32 vector. All vectors
// returned by one Embedder have length Dims().
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dims() int
}

// CosineSimilarity computes cosine similarity between two vectors.
// Returns 0 for mismatched or zero-norm inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CheckDims validates that vec matches the embedder's configured dimension.
func CheckDims(e Embedder, vec []float32) error {
	if len(vec) != e.Dims() {
		return fmt.Errorf("stored dimension %d, provider dimension %d: %w",
			len(vec), e.Dims(), model.ErrDimensionMismatch)
	}
	return nil
}

// New constructs an embedder by provider name. Supported providers:
// "hash" (default, offline), "ollama", "openai". An empty provider falls
// back to hash so the engine always has a working embedder.
func New(provider, baseURL, apiKey, modelName string, dims int) (Embedder, error) {
	switch provider {
	case "", "hash":
		if dims <= 0 {
			dims = DefaultHashDims
		}
		return NewHashEmbedder(dims), nil
	case "ollama":
		return NewOllamaEmbedder(baseURL, modelName), nil
	case "openai":
		return NewOpenAIEmbedder(baseURL, apiKey, modelName, dims), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q: %w", provider, model.ErrInvalidArgument)
	}
}
