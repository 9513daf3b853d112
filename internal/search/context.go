package search

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/engramlabs/engram/internal/model"
)

// ContextItem is one memory packed into a prompt context. Truncated is
// set when the content was cut to fit the budget.
type ContextItem struct {
	Memory    model.Memory `json:"memory"`
	Content   string       `json:"content"`
	Tokens    int          `json:"tokens"`
	Truncated bool         `json:"truncated"`
}

// ContextPack is the packed result with its total token cost.
type ContextPack struct {
	Items  []ContextItem `json:"items"`
	Tokens int           `json:"tokens"`
	Budget int           `json:"budget"`
}

// Context ranks memories for the query and greedily packs them into
// tokenBudget by descending score. A memory that does not fit is skipped,
// not truncated, with one exception: when nothing has been packed yet the
// first memory is truncated to the budget so the result is never empty
// while any memory matched.
func (s *Searcher) Context(ctx context.Context, q Query, tokenBudget int) (*ContextPack, error) {
	ctx, span := tracer.Start(ctx, "search.context",
		trace.WithAttributes(
			attribute.String("search.project_id", q.ProjectID),
			attribute.Int("search.token_budget", tokenBudget),
		))
	defer span.End()

	if q.Limit <= 0 {
		q.Limit = 50
	}
	results, err := s.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	pack := &ContextPack{Budget: tokenBudget}
	for _, r := range results {
		cost := r.Memory.TokenCost()
		if pack.Tokens+cost <= tokenBudget {
			pack.Items = append(pack.Items, ContextItem{
				Memory:  r.Memory,
				Content: r.Memory.Content,
				Tokens:  cost,
			})
			pack.Tokens += cost
			continue
		}
		if len(pack.Items) == 0 && tokenBudget > 0 {
			content := truncateTokens(r.Memory.Content, tokenBudget)
			cost = len(content) / 4
			pack.Items = append(pack.Items, ContextItem{
				Memory:    r.Memory,
				Content:   content,
				Tokens:    cost,
				Truncated: true,
			})
			pack.Tokens += cost
			// Budget exhausted by the truncated head.
			break
		}
	}
	span.SetAttributes(
		attribute.Int("search.packed_items", len(pack.Items)),
		attribute.Int("search.packed_tokens", pack.Tokens),
	)
	return pack, nil
}

// truncateTokens cuts content to at most budget tokens (4 chars each).
func truncateTokens(content string, budget int) string {
	max := budget * 4
	if len(content) <= max {
		return content
	}
	return content[:max]
}
