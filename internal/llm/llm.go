// Package llm provides the summarization collaborator used by
// consolidation: given a cluster of near-duplicate memories, produce one
// merged title and body. Providers are interchangeable; failures map to
// model.ErrSummarizationUnavailable so callers can skip a cluster and
// move on.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/engramlabs/engram/internal/model"
)

// Summary is a merged rendering of several memories.
type Summary struct {
	Title   string
	Content string
}

// Summarizer condenses a set of memories into one.
type Summarizer interface {
	Summarize(ctx context.Context, memories []model.Memory) (*Summary, error)
}

// New builds a summarizer by provider name: "openai", "ollama", or
// "none" (empty) for the deterministic no-LLM fallback.
func New(provider, baseURL, apiKey, modelName string) (Summarizer, error) {
	switch provider {
	case "", "none":
		return &concatSummarizer{}, nil
	case "openai":
		return NewOpenAISummarizer(apiKey, baseURL, modelName), nil
	case "ollama":
		return NewOllamaSummarizer(baseURL, modelName), nil
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q: %w", provider, model.ErrInvalidArgument)
	}
}

// prompt renders the cluster for the LLM providers.
func prompt(memories []model.Memory) string {
	var b strings.Builder
	b.WriteString("Merge the following near-duplicate notes into one. ")
	b.WriteString("Reply with a single short title on the first line, then the merged body. ")
	b.WriteString("Keep every distinct fact; drop repetition.\n\n")
	for i, m := range memories {
		fmt.Fprintf(&b, "--- note %d (%s) ---\n%s\n%s\n\n", i+1, m.Kind, m.Title, m.Content)
	}
	return b.String()
}

// parseSummary splits an LLM reply into title (first line) and body.
func parseSummary(text string) (*Summary, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty completion: %w", model.ErrSummarizationUnavailable)
	}
	title, body, found := strings.Cut(text, "\n")
	title = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(title), "#"))
	if !found || strings.TrimSpace(body) == "" {
		return &Summary{Title: title, Content: text}, nil
	}
	return &Summary{Title: title, Content: strings.TrimSpace(body)}, nil
}

// concatSummarizer is the offline fallback: deterministic concatenation,
// no external calls. Good enough for air-gapped deployments and tests.
type concatSummarizer struct{}

func (c *concatSummarizer) Summarize(_ context.Context, memories []model.Memory) (*Summary, error) {
	if len(memories) == 0 {
		return nil, fmt.Errorf("empty cluster: %w", model.ErrInvalidArgument)
	}
	var b strings.Builder
	for i, m := range memories {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Content)
	}
	return &Summary{
		Title:   memories[0].Title,
		Content: b.String(),
	}, nil
}
