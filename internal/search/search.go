// Package search ranks memories with a hybrid score combining semantic
// similarity, keyword overlap, trust, and recency, and packs ranked
// results into a token budget for prompt contexts.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/engramlabs/engram/internal/embed"
	"github.com/engramlabs/engram/internal/model"
	engramotel "github.com/engramlabs/engram/internal/otel"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/trust"
)

var tracer = engramotel.Tracer("github.com/engramlabs/engram/internal/search")

// Weights for the hybrid score. Normalized at scoring time.
type Weights struct {
	Semantic float64
	Keyword  float64
	Trust    float64
	Recency  float64
}

// DefaultWeights returns the stock 0.5/0.3/0.1/0.1 split.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.5, Keyword: 0.3, Trust: 0.1, Recency: 0.1}
}

// RecencyHalfLife is the accessed_at age at which the recency component
// halves.
const RecencyHalfLife = 7 * 24 * time.Hour

// Searcher ranks memories. Pure reads: nothing in this package mutates
// the store.
type Searcher struct {
	backend  storage.Backend
	embedder embed.Embedder
	scorer   *trust.Scorer
	weights  Weights
	now      func() time.Time
}

// New creates a Searcher. The scorer may be nil, in which case the trust
// component scores zero for every memory.
func New(backend storage.Backend, embedder embed.Embedder, scorer *trust.Scorer, w Weights) *Searcher {
	if w.Semantic+w.Keyword+w.Trust+w.Recency <= 0 {
		w = DefaultWeights()
	}
	return &Searcher{
		backend:  backend,
		embedder: embedder,
		scorer:   scorer,
		weights:  w,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests).
func (s *Searcher) WithClock(now func() time.Time) *Searcher {
	s.now = now
	return s
}

// Query is one search request. Filters apply before scoring; an empty
// Statuses slice defaults to active only.
type Query struct {
	ProjectID string
	Text      string
	Kind      string
	Tags      []string
	Statuses  []string
	Limit     int
}

// Result is one ranked hit with its score decomposition.
type Result struct {
	Memory   model.Memory `json:"memory"`
	Score    float64      `json:"score"`
	Semantic float64      `json:"semantic"`
	Keyword  float64      `json:"keyword"`
	Trust    float64      `json:"trust"`
	Recency  float64      `json:"recency"`
}

// Search embeds the query text, scores every memory passing the filters,
// and returns at most Limit results ordered by score desc, created_at
// desc, id asc. The same query against the same store always returns the
// same order.
func (s *Searcher) Search(ctx context.Context, q Query) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "search.search",
		trace.WithAttributes(
			attribute.String("search.project_id", q.ProjectID),
			attribute.Int("search.limit", q.Limit),
		))
	defer span.End()

	if q.Limit <= 0 {
		q.Limit = 10
	}
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = []string{model.StatusActive}
	}

	qvec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	qterms := terms(q.Text)

	mems, err := s.backend.ListMemories(ctx, storage.Filter{
		ProjectID: q.ProjectID,
		Kind:      q.Kind,
		Tags:      q.Tags,
		Statuses:  statuses,
	})
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(mems))
	for i := range mems {
		m := &mems[i]
		r := Result{Memory: *m}
		if len(m.Embedding) > 0 {
			r.Semantic = (embed.CosineSimilarity(qvec, m.Embedding) + 1) / 2
		}
		r.Keyword = keywordScore(qterms, m)
		if s.scorer != nil {
			ts, err := s.scorer.ScoreMemory(ctx, m)
			if err != nil {
				return nil, fmt.Errorf("scoring %s: %w", m.ID, err)
			}
			r.Trust = ts
		}
		r.Recency = s.recency(m)
		total := s.weights.Semantic + s.weights.Keyword + s.weights.Trust + s.weights.Recency
		r.Score = (s.weights.Semantic*r.Semantic +
			s.weights.Keyword*r.Keyword +
			s.weights.Trust*r.Trust +
			s.weights.Recency*r.Recency) / total
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Memory.CreatedAt.Equal(results[j].Memory.CreatedAt) {
			return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	span.SetAttributes(attribute.Int("search.results", len(results)))
	return results, nil
}

// recency decays with the age of the last access; a memory never accessed
// falls back to updated_at so fresh writes still rank.
func (s *Searcher) recency(m *model.Memory) float64 {
	at := m.UpdatedAt
	if m.AccessedAt != nil && m.AccessedAt.After(at) {
		at = *m.AccessedAt
	}
	age := s.now().Sub(at)
	if age <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * age.Hours() / RecencyHalfLife.Hours())
}

// keywordScore is the term-frequency-weighted overlap ratio between the
// query terms and the memory's title, content, and tags. Monotonic in the
// number of matched query terms; 0 with no query terms.
func keywordScore(qterms []string, m *model.Memory) float64 {
	if len(qterms) == 0 {
		return 0
	}
	freq := map[string]int{}
	for _, t := range terms(m.Title) {
		freq[t] += 2 // title terms count double
	}
	for _, t := range terms(m.Content) {
		freq[t]++
	}
	for _, tag := range m.Tags {
		for _, t := range terms(tag) {
			freq[t] += 2
		}
	}

	matched := 0.0
	for _, t := range qterms {
		if n := freq[t]; n > 0 {
			// Saturating per-term contribution so one spammed term cannot
			// dominate the overlap ratio.
			matched += 1 + math.Min(math.Log1p(float64(n))/math.Log1p(10), 1)
		}
	}
	return math.Min(matched/(2*float64(len(qterms))), 1)
}

func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
