package memvec

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/storage"
)

func mem(id, project string) *model.Memory {
	now := time.Now().UTC()
	return &model.Memory{
		ID:                 id,
		Kind:               model.KindFact,
		Title:              "title " + id,
		Content:            "content for " + id,
		Importance:         0.5,
		Status:             model.StatusActive,
		Source:             model.SourceManual,
		Scope:              model.ScopeTeam,
		ProjectID:          project,
		CreatedAt:          now,
		UpdatedAt:          now,
		VerificationStatus: model.VerificationUnverified,
		Embedding:          []float32{1, 0, 0},
	}
}

func TestPutMemory_RejectsDuplicateID(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutMemory(ctx, mem("mem_1", "proj")))
	assert.ErrorIs(t, s.PutMemory(ctx, mem("mem_1", "proj")), model.ErrInvalidArgument)
}

func TestGetMemory_ReturnsIsolatedCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutMemory(ctx, mem("mem_1", "proj")))

	got, err := s.GetMemory(ctx, "mem_1")
	require.NoError(t, err)

	// Mutating the returned copy must not leak into the store.
	got.Title = "mutated"
	got.Embedding[0] = 99

	again, err := s.GetMemory(ctx, "mem_1")
	require.NoError(t, err)
	assert.Equal(t, "title mem_1", again.Title)
	assert.Equal(t, float32(1), again.Embedding[0])
}

func TestDeleteMemory_RemovesEdgesBothDirections(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"mem_a", "mem_b", "mem_c"} {
		require.NoError(t, s.PutMemory(ctx, mem(id, "proj")))
	}
	now := time.Now().UTC()
	require.NoError(t, s.AddRelation(ctx, &model.Relation{SourceID: "mem_a", TargetID: "mem_b", Type: model.RelationFixes, Strength: 1, CreatedAt: now}))
	require.NoError(t, s.AddRelation(ctx, &model.Relation{SourceID: "mem_c", TargetID: "mem_a", Type: model.RelationRelated, Strength: 1, CreatedAt: now}))

	removed, err := s.DeleteMemory(ctx, "mem_a")
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, "mem_a", removed[0].SourceID)
	assert.Equal(t, "mem_c", removed[1].SourceID)

	rels, err := s.Relations(ctx, "mem_b", storage.DirIncoming)
	require.NoError(t, err)
	assert.Empty(t, rels)
	rels, err = s.Relations(ctx, "mem_c", storage.DirOutgoing)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestNearest_RespectsKindStatusAndK(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := mem("mem_a", "proj")
	a.Embedding = []float32{1, 0, 0}
	require.NoError(t, s.PutMemory(ctx, a))

	b := mem("mem_b", "proj")
	b.Kind = model.KindError
	b.Embedding = []float32{0.95, 0.05, 0}
	require.NoError(t, s.PutMemory(ctx, b))

	c := mem("mem_c", "proj")
	c.Status = model.StatusArchived
	c.Embedding = []float32{0.99, 0.01, 0}
	require.NoError(t, s.PutMemory(ctx, c))

	got, err := s.Nearest(ctx, storage.NearestQuery{
		ProjectID: "proj", Vector: []float32{1, 0, 0}, K: 5, ActiveOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mem_a", got[0].ID)

	got, err = s.Nearest(ctx, storage.NearestQuery{
		ProjectID: "proj", Kind: model.KindError, Vector: []float32{1, 0, 0}, K: 5, ActiveOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem_b", got[0].ID)
}

func TestNearest_ProjectIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutMemory(ctx, mem("mem_p1", "proj1")))
	require.NoError(t, s.PutMemory(ctx, mem("mem_p2", "proj2")))

	got, err := s.Nearest(ctx, storage.NearestQuery{
		ProjectID: "proj1", Vector: []float32{1, 0, 0}, K: 10,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem_p1", got[0].ID)
}

func TestNearest_ConcurrentFirstUse(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 64; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			project := fmt.Sprintf("proj%d", g%8)
			for i := 0; i < 50; i++ {
				if i == 0 && g%8 == 0 {
					_ = s.PutMemory(ctx, mem(fmt.Sprintf("mem_%d_%d", g, i), project))
				}
				_, err := s.Nearest(ctx, storage.NearestQuery{
					ProjectID: project, Vector: []float32{1, 0, 0}, K: 3,
				})
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()
}

func TestNearest_UnknownProjectIsEmpty(t *testing.T) {
	s := New()
	got, err := s.Nearest(context.Background(), storage.NearestQuery{
		ProjectID: "never-written", Vector: []float32{1, 0, 0}, K: 5,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAddRelation_DuplicateAndDirections(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutMemory(ctx, mem("mem_a", "proj")))
	require.NoError(t, s.PutMemory(ctx, mem("mem_b", "proj")))

	now := time.Now().UTC()
	r := &model.Relation{SourceID: "mem_a", TargetID: "mem_b", Type: model.RelationContradicts, Strength: 0.8, CreatedAt: now}
	require.NoError(t, s.AddRelation(ctx, r))
	assert.ErrorIs(t, s.AddRelation(ctx, r), model.ErrDuplicateRelation)

	out, err := s.Relations(ctx, "mem_a", storage.DirOutgoing)
	require.NoError(t, err)
	require.Len(t, out, 1)

	in, err := s.Relations(ctx, "mem_b", storage.DirIncoming)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, out[0], in[0])
}

func TestUpdateRelationStrength_SharedAcrossDirections(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutMemory(ctx, mem("mem_a", "proj")))
	require.NoError(t, s.PutMemory(ctx, mem("mem_b", "proj")))
	require.NoError(t, s.AddRelation(ctx, &model.Relation{
		SourceID: "mem_a", TargetID: "mem_b", Type: model.RelationRelated, Strength: 0.3, CreatedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.UpdateRelationStrength(ctx, "mem_a", "mem_b", model.RelationRelated, 0.7))

	in, err := s.Relations(ctx, "mem_b", storage.DirIncoming)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.InDelta(t, 0.7, in[0].Strength, 1e-9)
}

func TestAppendHistory_SequencePerMemory(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutMemory(ctx, mem("mem_a", "proj")))
	require.NoError(t, s.PutMemory(ctx, mem("mem_b", "proj")))

	now := time.Now().UTC()
	e1 := &model.HistoryEntry{MemoryID: "mem_a", Field: model.FieldCreated, Timestamp: now}
	e2 := &model.HistoryEntry{MemoryID: "mem_a", Field: "title", Timestamp: now}
	e3 := &model.HistoryEntry{MemoryID: "mem_b", Field: model.FieldCreated, Timestamp: now}
	require.NoError(t, s.AppendHistory(ctx, e1))
	require.NoError(t, s.AppendHistory(ctx, e2))
	require.NoError(t, s.AppendHistory(ctx, e3))

	assert.Equal(t, 1, e1.Seq)
	assert.Equal(t, 2, e2.Seq)
	assert.Equal(t, 1, e3.Seq)

	entries, err := s.History(ctx, "mem_a")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestListMemories_StatusFilterAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"mem_1", "mem_2", "mem_3"} {
		m := mem(id, "proj")
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if id == "mem_2" {
			m.Status = model.StatusSuperseded
		}
		require.NoError(t, s.PutMemory(ctx, m))
	}

	got, err := s.ListMemories(ctx, storage.Filter{ProjectID: "proj", Statuses: []string{model.StatusActive}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mem_3", got[0].ID)

	got, err = s.ListMemories(ctx, storage.Filter{ProjectID: "proj", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem_3", got[0].ID)
}

func TestSessions_DeepCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	ended := time.Now().UTC()
	sess := &model.Session{ID: "sess_1", ProjectID: "proj", StartedAt: ended.Add(-time.Hour), EndedAt: &ended}
	require.NoError(t, s.PutSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess_1")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)

	*got.EndedAt = got.EndedAt.Add(time.Hour)
	again, err := s.GetSession(ctx, "sess_1")
	require.NoError(t, err)
	assert.True(t, again.EndedAt.Equal(ended))
}
