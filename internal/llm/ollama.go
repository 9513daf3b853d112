package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/engramlabs/engram/internal/model"
)

// OllamaSummarizer summarizes clusters via a local Ollama instance.
type OllamaSummarizer struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaSummarizer creates an Ollama-backed summarizer. baseURL
// defaults to http://localhost:11434; modelName defaults to llama3.2.
func NewOllamaSummarizer(baseURL, modelName string) *OllamaSummarizer {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llama3.2"
	}
	return &OllamaSummarizer{
		baseURL:    baseURL,
		model:      modelName,
		httpClient: &http.Client{},
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Summarize merges the cluster into one title and body.
func (p *OllamaSummarizer) Summarize(ctx context.Context, memories []model.Memory) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "llm.summarize",
		trace.WithAttributes(
			attribute.String("gen_ai.system", "ollama"),
			attribute.String("gen_ai.request.model", p.model),
			attribute.Int("llm.cluster_size", len(memories)),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	body, err := json.Marshal(ollamaChatRequest{
		Model:    p.model,
		Messages: []ollamaChatMessage{{Role: "user", Content: prompt(memories)}},
		Stream:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("ollama summarize: %v: %w", err, model.ErrSummarizationUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama summarize: status %d: %s: %w", resp.StatusCode, b, model.ErrSummarizationUnavailable)
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding ollama response: %v: %w", err, model.ErrSummarizationUnavailable)
	}
	return parseSummary(out.Message.Content)
}
