package search

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/embed"
	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/storage/memvec"
	"github.com/engramlabs/engram/internal/trust"
)

func testSearcher(t *testing.T) (*Searcher, *memvec.Store, embed.Embedder) {
	t.Helper()
	backend := memvec.New()
	embedder := embed.NewHashEmbedder(embed.DefaultHashDims)
	scorer, err := trust.NewScorer(backend, trust.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(scorer.Close)
	return New(backend, embedder, scorer, DefaultWeights()), backend, embedder
}

func seed(t *testing.T, backend *memvec.Store, embedder embed.Embedder, id, project, title, content string, mutate func(*model.Memory)) {
	t.Helper()
	ctx := context.Background()
	vec, err := embedder.Embed(ctx, title+"\n"+content)
	require.NoError(t, err)
	now := time.Now().UTC()
	m := &model.Memory{
		ID: id, Kind: model.KindFact, Title: title, Content: content,
		Importance: 0.5, Status: model.StatusActive, Source: model.SourceManual,
		Scope: model.ScopeTeam, ProjectID: project, CreatedAt: now, UpdatedAt: now,
		VerificationStatus: model.VerificationUnverified,
		Embedding:          vec,
	}
	if mutate != nil {
		mutate(m)
	}
	require.NoError(t, backend.PutMemory(ctx, m))
}

func TestSearch_RelevantFirst(t *testing.T) {
	s, backend, embedder := testSearcher(t)
	seed(t, backend, embedder, "mem_auth", "proj", "JWT token expiry",
		"Auth tokens expire after fifteen minutes and must be refreshed.", nil)
	seed(t, backend, embedder, "mem_db", "proj", "Postgres pooling",
		"Connection pool is capped at twenty connections per worker.", nil)

	got, err := s.Search(context.Background(), Query{ProjectID: "proj", Text: "jwt token expiry"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mem_auth", got[0].Memory.ID)
	assert.Greater(t, got[0].Score, got[1].Score)
	assert.Greater(t, got[0].Keyword, got[1].Keyword)
}

func TestSearch_FiltersApplyBeforeScoring(t *testing.T) {
	s, backend, embedder := testSearcher(t)
	seed(t, backend, embedder, "mem_fact", "proj", "token refresh", "tokens", nil)
	seed(t, backend, embedder, "mem_err", "proj", "token refresh", "tokens", func(m *model.Memory) {
		m.Kind = model.KindError
	})
	seed(t, backend, embedder, "mem_other", "proj2", "token refresh", "tokens", nil)
	seed(t, backend, embedder, "mem_tagged", "proj", "token refresh", "tokens", func(m *model.Memory) {
		m.Tags = []string{"auth"}
	})

	got, err := s.Search(context.Background(), Query{ProjectID: "proj", Text: "token", Kind: model.KindError})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem_err", got[0].Memory.ID)

	got, err = s.Search(context.Background(), Query{ProjectID: "proj", Text: "token", Tags: []string{"auth"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem_tagged", got[0].Memory.ID)
}

func TestSearch_ActiveOnlyByDefault(t *testing.T) {
	s, backend, embedder := testSearcher(t)
	seed(t, backend, embedder, "mem_live", "proj", "token", "tokens", nil)
	seed(t, backend, embedder, "mem_old", "proj", "token", "tokens", func(m *model.Memory) {
		m.Status = model.StatusSuperseded
	})

	got, err := s.Search(context.Background(), Query{ProjectID: "proj", Text: "token"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem_live", got[0].Memory.ID)

	got, err = s.Search(context.Background(), Query{
		ProjectID: "proj", Text: "token",
		Statuses: []string{model.StatusActive, model.StatusSuperseded},
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSearch_LimitAndDeterministicTieBreak(t *testing.T) {
	s, backend, embedder := testSearcher(t)
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"mem_c", "mem_a", "mem_b"} {
		seed(t, backend, embedder, id, "proj", "same title", "same content", func(m *model.Memory) {
			m.CreatedAt = created
			m.UpdatedAt = created
		})
	}

	first, err := s.Search(context.Background(), Query{ProjectID: "proj", Text: "same"})
	require.NoError(t, err)
	require.Len(t, first, 3)
	// Identical scores and timestamps fall back to id order.
	assert.Equal(t, "mem_a", first[0].Memory.ID)
	assert.Equal(t, "mem_b", first[1].Memory.ID)
	assert.Equal(t, "mem_c", first[2].Memory.ID)

	again, err := s.Search(context.Background(), Query{ProjectID: "proj", Text: "same", Limit: 2})
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, first[0].Memory.ID, again[0].Memory.ID)
}

func TestSearch_NilScorerZeroTrust(t *testing.T) {
	backend := memvec.New()
	embedder := embed.NewHashEmbedder(embed.DefaultHashDims)
	s := New(backend, embedder, nil, DefaultWeights())
	seed(t, backend, embedder, "mem_1", "proj", "token", "tokens", nil)

	got, err := s.Search(context.Background(), Query{ProjectID: "proj", Text: "token"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].Trust)
	assert.Greater(t, got[0].Score, 0.0)
}

func TestKeywordScore_MonotonicInMatchedTerms(t *testing.T) {
	m := &model.Memory{
		Title:   "jwt refresh flow",
		Content: "tokens rotate on every refresh",
		Tags:    []string{"auth"},
	}
	none := keywordScore(terms("postgres pooling"), m)
	one := keywordScore(terms("postgres refresh"), m)
	two := keywordScore(terms("jwt refresh"), m)

	assert.Equal(t, 0.0, none)
	assert.Greater(t, one, none)
	assert.Greater(t, two, one)
	assert.LessOrEqual(t, two, 1.0)

	// A spammed term saturates instead of dominating.
	spam := &model.Memory{Content: strings.Repeat("refresh ", 500)}
	assert.LessOrEqual(t, keywordScore(terms("refresh"), spam), 1.0)
}

func TestTerms_LowercasesAndDropsShortTokens(t *testing.T) {
	got := terms("JWT, a Token-Expiry! x 42")
	assert.Equal(t, []string{"jwt", "token", "expiry", "42"}, got)
	assert.Empty(t, terms(""))
}

func TestRecency_HalvesAtSevenDays(t *testing.T) {
	s, _, _ := testSearcher(t)
	now := time.Now().UTC()
	s.WithClock(func() time.Time { return now })

	fresh := &model.Memory{UpdatedAt: now}
	week := &model.Memory{UpdatedAt: now.Add(-7 * 24 * time.Hour)}
	assert.InDelta(t, 1.0, s.recency(fresh), 1e-9)
	assert.InDelta(t, 0.5, s.recency(week), 1e-6)

	// A recent access on an old memory restores recency.
	accessed := now.Add(-time.Hour)
	touched := &model.Memory{UpdatedAt: now.Add(-60 * 24 * time.Hour), AccessedAt: &accessed}
	assert.Greater(t, s.recency(touched), 0.9)
}

func TestContext_PacksByScoreWithinBudget(t *testing.T) {
	s, backend, embedder := testSearcher(t)
	// 200 chars each, 50 tokens.
	body := strings.Repeat("tokens expire and rotate", 8) + "tokens ."
	require.Len(t, body, 200)
	seed(t, backend, embedder, "mem_1", "proj", "token expiry", body, nil)
	seed(t, backend, embedder, "mem_2", "proj", "token rotation", body, nil)
	seed(t, backend, embedder, "mem_3", "proj", "token refresh", body, nil)

	pack, err := s.Context(context.Background(), Query{ProjectID: "proj", Text: "token"}, 120)
	require.NoError(t, err)
	require.Len(t, pack.Items, 2)
	assert.Equal(t, 100, pack.Tokens)
	assert.Equal(t, 120, pack.Budget)
	for _, item := range pack.Items {
		assert.False(t, item.Truncated)
		assert.Equal(t, 50, item.Tokens)
	}
}

func TestContext_TruncatesFirstWhenNothingFits(t *testing.T) {
	s, backend, embedder := testSearcher(t)
	long := strings.Repeat("auth tokens expire quickly ", 40)
	seed(t, backend, embedder, "mem_big", "proj", "token expiry", long, nil)

	pack, err := s.Context(context.Background(), Query{ProjectID: "proj", Text: "token"}, 10)
	require.NoError(t, err)
	require.Len(t, pack.Items, 1)
	assert.True(t, pack.Items[0].Truncated)
	assert.Equal(t, 10, pack.Items[0].Tokens)
	assert.Len(t, pack.Items[0].Content, 40)
	assert.Equal(t, 10, pack.Tokens)
}

func TestContext_SkipsOversizedAfterFirstPacked(t *testing.T) {
	s, backend, embedder := testSearcher(t)
	seed(t, backend, embedder, "mem_small", "proj", "token expiry token",
		strings.Repeat("token expiry ", 3), nil)
	seed(t, backend, embedder, "mem_huge", "proj", "token",
		strings.Repeat("unrelated filler text ", 100), nil)

	pack, err := s.Context(context.Background(), Query{ProjectID: "proj", Text: "token expiry"}, 50)
	require.NoError(t, err)
	require.Len(t, pack.Items, 1)
	assert.Equal(t, "mem_small", pack.Items[0].Memory.ID)
	assert.False(t, pack.Items[0].Truncated)
}

func TestContext_EmptyStore(t *testing.T) {
	s, _, _ := testSearcher(t)
	pack, err := s.Context(context.Background(), Query{ProjectID: "proj", Text: "anything"}, 100)
	require.NoError(t, err)
	assert.Empty(t, pack.Items)
	assert.Zero(t, pack.Tokens)
}
