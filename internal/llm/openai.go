package llm

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/engramlabs/engram/internal/model"
	engramotel "github.com/engramlabs/engram/internal/otel"
)

var tracer = engramotel.Tracer("github.com/engramlabs/engram/internal/llm")

// timeout per summarization call.
const summarizeTimeout = 60 * time.Second

// OpenAISummarizer summarizes clusters via the OpenAI chat API.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

// NewOpenAISummarizer creates an OpenAI-backed summarizer. baseURL is
// optional (scheme+host, /v1 is appended); modelName defaults to
// gpt-4o-mini.
func NewOpenAISummarizer(apiKey, baseURL, modelName string) *OpenAISummarizer {
	if modelName == "" {
		modelName = openai.GPT4oMini
	}
	if baseURL == "" {
		return &OpenAISummarizer{client: openai.NewClient(apiKey), model: modelName}
	}
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"
	return &OpenAISummarizer{client: openai.NewClientWithConfig(config), model: modelName}
}

// Summarize merges the cluster into one title and body.
func (p *OpenAISummarizer) Summarize(ctx context.Context, memories []model.Memory) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "llm.summarize",
		trace.WithAttributes(
			attribute.String("gen_ai.system", "openai"),
			attribute.String("gen_ai.request.model", p.model),
			attribute.Int("llm.cluster_size", len(memories)),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt(memories)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("openai summarize: %v: %w", err, model.ErrSummarizationUnavailable)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai summarize: no choices returned: %w", model.ErrSummarizationUnavailable)
	}
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.PromptTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.CompletionTokens),
	)
	return parseSummary(resp.Choices[0].Message.Content)
}
