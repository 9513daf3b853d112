package trust

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/storage/memvec"
)

func putMem(t *testing.T, backend *memvec.Store, id string, mutate func(*model.Memory)) {
	t.Helper()
	now := time.Now().UTC()
	m := &model.Memory{
		ID: id, Kind: model.KindFact, Title: id, Content: "content " + id,
		Importance: 0.5, Status: model.StatusActive, Source: model.SourceManual,
		Scope: model.ScopeTeam, ProjectID: "proj", CreatedAt: now, UpdatedAt: now,
		VerificationStatus: model.VerificationUnverified,
	}
	if mutate != nil {
		mutate(m)
	}
	require.NoError(t, backend.PutMemory(context.Background(), m))
}

func testScorer(t *testing.T) (*Scorer, *memvec.Store) {
	t.Helper()
	backend := memvec.New()
	s, err := NewScorer(backend, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, backend
}

func TestVerificationFactor_Mapping(t *testing.T) {
	assert.Equal(t, 1.0, verificationFactor(model.VerificationVerified))
	assert.Equal(t, 0.5, verificationFactor(model.VerificationUnverified))
	assert.Equal(t, 0.1, verificationFactor(model.VerificationDisputed))
	assert.Equal(t, 0.0, verificationFactor(model.VerificationOutdated))
}

func TestCorroborationFactor_SupportRaisesContradictLowers(t *testing.T) {
	none := corroborationFactor(nil)
	assert.Equal(t, 0.5, none)

	support := corroborationFactor([]model.Relation{
		{Type: model.RelationFixes},
	})
	assert.Greater(t, support, none)

	contradicted := corroborationFactor([]model.Relation{
		{Type: model.RelationContradicts},
	})
	assert.Less(t, contradicted, none)

	// Being superseded or blamed as a cause carries no signal either way.
	superseded := corroborationFactor([]model.Relation{
		{Type: model.RelationSupersedes},
	})
	assert.Equal(t, none, superseded)

	causal := corroborationFactor([]model.Relation{
		{Type: model.RelationCausedBy},
	})
	assert.Equal(t, none, causal)
}

func TestCorroborationFactor_SaturatesInBounds(t *testing.T) {
	var many []model.Relation
	for i := 0; i < 1000; i++ {
		many = append(many, model.Relation{Type: model.RelationContradicts})
	}
	f := corroborationFactor(many)
	assert.GreaterOrEqual(t, f, 0.0)
	assert.Less(t, f, 0.01)

	many = many[:0]
	for i := 0; i < 1000; i++ {
		many = append(many, model.Relation{Type: model.RelationRelated})
	}
	f = corroborationFactor(many)
	assert.LessOrEqual(t, f, 1.0)
	assert.Greater(t, f, 0.99)
}

func TestRecencyFactor_HalvesAtHalfLife(t *testing.T) {
	s, _ := testScorer(t)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	assert.InDelta(t, 1.0, s.recencyFactor(now), 1e-9)
	assert.InDelta(t, 0.5, s.recencyFactor(now.Add(-30*24*time.Hour)), 1e-6)
	assert.Less(t, s.recencyFactor(now.Add(-365*24*time.Hour)), 0.01)
}

func TestUsageFactor_LogScaleSaturation(t *testing.T) {
	assert.Equal(t, 0.0, usageFactor(0))
	assert.Greater(t, usageFactor(1), 0.0)
	assert.Greater(t, usageFactor(10), usageFactor(1))
	// Growth flattens: the jump 0->10 dwarfs 100->1000.
	assert.Greater(t, usageFactor(10)-usageFactor(0), usageFactor(1000)-usageFactor(100))
	assert.LessOrEqual(t, usageFactor(1_000_000), 1.0)
}

func TestScore_AlwaysInUnitInterval(t *testing.T) {
	s, backend := testScorer(t)
	ctx := context.Background()

	putMem(t, backend, "mem_hub", func(m *model.Memory) {
		m.VerificationStatus = model.VerificationVerified
		m.AccessCount = 100000
	})
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("mem_peer%d", i)
		putMem(t, backend, id, nil)
		require.NoError(t, backend.AddRelation(ctx, &model.Relation{
			SourceID: id, TargetID: "mem_hub", Type: model.RelationContradicts,
			Strength: 1, CreatedAt: time.Now().UTC(),
		}))
	}

	score, err := s.Score(ctx, "mem_hub")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestScore_VerifiedBeatsDisputed(t *testing.T) {
	s, backend := testScorer(t)
	ctx := context.Background()

	putMem(t, backend, "mem_verified", func(m *model.Memory) {
		m.VerificationStatus = model.VerificationVerified
	})
	putMem(t, backend, "mem_disputed", func(m *model.Memory) {
		m.VerificationStatus = model.VerificationDisputed
	})

	verified, err := s.Score(ctx, "mem_verified")
	require.NoError(t, err)
	disputed, err := s.Score(ctx, "mem_disputed")
	require.NoError(t, err)
	assert.Greater(t, verified, disputed)
}

func TestScore_CachedUntilInvalidated(t *testing.T) {
	s, backend := testScorer(t)
	ctx := context.Background()

	putMem(t, backend, "mem_a", nil)
	putMem(t, backend, "mem_b", nil)

	before, err := s.Score(ctx, "mem_a")
	require.NoError(t, err)
	// ristretto admits asynchronously; wait for the set to land.
	s.cache.Wait()

	// A new supporting edge changes the truth, but the cache still holds
	// the old score until invalidated.
	require.NoError(t, backend.AddRelation(ctx, &model.Relation{
		SourceID: "mem_b", TargetID: "mem_a", Type: model.RelationFixes,
		Strength: 1, CreatedAt: time.Now().UTC(),
	}))
	cached, err := s.Score(ctx, "mem_a")
	require.NoError(t, err)
	assert.Equal(t, before, cached)

	s.Invalidate("mem_a")
	fresh, err := s.Score(ctx, "mem_a")
	require.NoError(t, err)
	assert.Greater(t, fresh, before)
}

func TestScore_NotFound(t *testing.T) {
	s, _ := testScorer(t)
	_, err := s.Score(context.Background(), "mem_missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAssess_FlagsIssues(t *testing.T) {
	s, backend := testScorer(t)
	ctx := context.Background()

	putMem(t, backend, "mem_stale", func(m *model.Memory) {
		m.VerificationStatus = model.VerificationDisputed
		m.UpdatedAt = time.Now().UTC().Add(-120 * 24 * time.Hour)
	})
	require.NoError(t, backend.PutMemory(ctx, &model.Memory{
		ID: "mem_contradictor", Kind: model.KindFact, Title: "x", Content: "y",
		Importance: 0.5, Status: model.StatusActive, Source: model.SourceManual,
		Scope: model.ScopeTeam, ProjectID: "proj",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		VerificationStatus: model.VerificationUnverified,
	}))
	require.NoError(t, backend.AddRelation(ctx, &model.Relation{
		SourceID: "mem_contradictor", TargetID: "mem_stale", Type: model.RelationContradicts,
		Strength: 1, CreatedAt: time.Now().UTC(),
	}))

	a, err := s.Assess(ctx, "mem_stale")
	require.NoError(t, err)
	assert.Contains(t, a.Issues, IssueLowCorroboration)
	assert.Contains(t, a.Issues, IssueStale)
	assert.Contains(t, a.Issues, IssueDisputedUnverified)
	assert.Contains(t, a.Issues, IssueNeverAccessed)
	assert.GreaterOrEqual(t, a.Score, 0.0)
	assert.LessOrEqual(t, a.Score, 1.0)
}

func TestAssess_HealthyMemoryHasFewIssues(t *testing.T) {
	s, backend := testScorer(t)
	ctx := context.Background()

	putMem(t, backend, "mem_good", func(m *model.Memory) {
		m.VerificationStatus = model.VerificationVerified
		m.AccessCount = 25
	})
	putMem(t, backend, "mem_supporter", nil)
	require.NoError(t, backend.AddRelation(ctx, &model.Relation{
		SourceID: "mem_supporter", TargetID: "mem_good", Type: model.RelationFixes,
		Strength: 1, CreatedAt: time.Now().UTC(),
	}))

	a, err := s.Assess(ctx, "mem_good")
	require.NoError(t, err)
	assert.Empty(t, a.Issues)
	assert.Greater(t, a.Score, 0.7)
}
