package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/internal/storage/memvec"
)

func testGraph(t *testing.T, ids ...string) (*Graph, storage.Backend) {
	t.Helper()
	backend := memvec.New()
	now := time.Now().UTC()
	for _, id := range ids {
		m := &model.Memory{
			ID: id, Kind: model.KindFact, Title: id, Content: "content " + id,
			Importance: 0.5, Status: model.StatusActive, Source: model.SourceManual,
			Scope: model.ScopeTeam, ProjectID: "proj", CreatedAt: now, UpdatedAt: now,
			VerificationStatus: model.VerificationUnverified,
		}
		require.NoError(t, backend.PutMemory(context.Background(), m))
	}
	return New(backend), backend
}

func rel(src, tgt, typ string) *model.Relation {
	return &model.Relation{SourceID: src, TargetID: tgt, Type: typ, Strength: 1, CreatedAt: time.Now().UTC()}
}

func TestAddRelation_EndpointChecksPrecedeMutation(t *testing.T) {
	g, backend := testGraph(t, "mem_a")
	ctx := context.Background()

	err := g.AddRelation(ctx, rel("mem_a", "mem_missing", model.RelationFixes))
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = g.AddRelation(ctx, rel("mem_missing", "mem_a", model.RelationFixes))
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Nothing was written on either rejected call.
	rels, err := backend.Relations(ctx, "mem_a", storage.DirOutgoing)
	require.NoError(t, err)
	assert.Empty(t, rels)
	rels, err = backend.Relations(ctx, "mem_a", storage.DirIncoming)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestAddRelation_SelfLoopRejected(t *testing.T) {
	g, _ := testGraph(t, "mem_a")
	err := g.AddRelation(context.Background(), rel("mem_a", "mem_a", model.RelationRelated))
	assert.ErrorIs(t, err, model.ErrInvalidRelation)
}

func TestAddRelation_DuplicateNeverAccumulates(t *testing.T) {
	g, backend := testGraph(t, "mem_a", "mem_b")
	ctx := context.Background()

	require.NoError(t, g.AddRelation(ctx, rel("mem_a", "mem_b", model.RelationContradicts)))
	err := g.AddRelation(ctx, rel("mem_a", "mem_b", model.RelationContradicts))
	assert.ErrorIs(t, err, model.ErrDuplicateRelation)

	rels, err := backend.Relations(ctx, "mem_a", storage.DirOutgoing)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestAddRelation_DefaultStrength(t *testing.T) {
	g, backend := testGraph(t, "mem_a", "mem_b")
	ctx := context.Background()

	r := &model.Relation{SourceID: "mem_a", TargetID: "mem_b", Type: model.RelationRelated, CreatedAt: time.Now().UTC()}
	require.NoError(t, g.AddRelation(ctx, r))

	rels, err := backend.Relations(ctx, "mem_a", storage.DirOutgoing)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 1.0, rels[0].Strength)
}

func TestRelations_DirectionAndTypeFilter(t *testing.T) {
	g, _ := testGraph(t, "mem_a", "mem_b", "mem_c")
	ctx := context.Background()

	require.NoError(t, g.AddRelation(ctx, rel("mem_a", "mem_b", model.RelationFixes)))
	require.NoError(t, g.AddRelation(ctx, rel("mem_a", "mem_c", model.RelationRelated)))
	require.NoError(t, g.AddRelation(ctx, rel("mem_c", "mem_a", model.RelationCausedBy)))

	out, err := g.Outgoing(ctx, "mem_a", "")
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = g.Outgoing(ctx, "mem_a", model.RelationFixes)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "mem_b", out[0].TargetID)

	in, err := g.Incoming(ctx, "mem_a", "")
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "mem_c", in[0].SourceID)

	_, err = g.Outgoing(ctx, "mem_missing", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdateStrength_Bounds(t *testing.T) {
	g, _ := testGraph(t, "mem_a", "mem_b")
	ctx := context.Background()
	require.NoError(t, g.AddRelation(ctx, rel("mem_a", "mem_b", model.RelationRelated)))

	assert.ErrorIs(t, g.UpdateStrength(ctx, "mem_a", "mem_b", model.RelationRelated, 1.5), model.ErrInvalidArgument)
	assert.NoError(t, g.UpdateStrength(ctx, "mem_a", "mem_b", model.RelationRelated, 0.25))
}

func TestFollowChain_DepthAndOrder(t *testing.T) {
	g, _ := testGraph(t, "mem_a", "mem_b", "mem_c", "mem_d")
	ctx := context.Background()

	// a -> b -> c -> d
	require.NoError(t, g.AddRelation(ctx, rel("mem_a", "mem_b", model.RelationCausedBy)))
	require.NoError(t, g.AddRelation(ctx, rel("mem_b", "mem_c", model.RelationCausedBy)))
	require.NoError(t, g.AddRelation(ctx, rel("mem_c", "mem_d", model.RelationCausedBy)))

	chain, err := g.FollowChain(ctx, "mem_a", nil, 2)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "mem_b", chain[0].Memory.ID)
	assert.Equal(t, 1, chain[0].Depth)
	assert.Equal(t, "mem_c", chain[1].Memory.ID)
	assert.Equal(t, 2, chain[1].Depth)
	assert.Equal(t, "mem_b", chain[1].ParentID)

	chain, err = g.FollowChain(ctx, "mem_a", nil, 10)
	require.NoError(t, err)
	assert.Len(t, chain, 3)
}

func TestFollowChain_TerminatesOnCycle(t *testing.T) {
	g, _ := testGraph(t, "mem_a", "mem_b", "mem_c")
	ctx := context.Background()

	// a -> b -> c -> a
	require.NoError(t, g.AddRelation(ctx, rel("mem_a", "mem_b", model.RelationRelated)))
	require.NoError(t, g.AddRelation(ctx, rel("mem_b", "mem_c", model.RelationRelated)))
	require.NoError(t, g.AddRelation(ctx, rel("mem_c", "mem_a", model.RelationRelated)))

	chain, err := g.FollowChain(ctx, "mem_a", nil, 100)
	require.NoError(t, err)
	// Each node appears once; the start node is not re-reported.
	require.Len(t, chain, 2)
	assert.Equal(t, "mem_b", chain[0].Memory.ID)
	assert.Equal(t, "mem_c", chain[1].Memory.ID)
}

func TestFollowChain_TypeFilter(t *testing.T) {
	g, _ := testGraph(t, "mem_a", "mem_b", "mem_c")
	ctx := context.Background()

	require.NoError(t, g.AddRelation(ctx, rel("mem_a", "mem_b", model.RelationFixes)))
	require.NoError(t, g.AddRelation(ctx, rel("mem_a", "mem_c", model.RelationRelated)))

	chain, err := g.FollowChain(ctx, "mem_a", []string{model.RelationFixes}, 5)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "mem_b", chain[0].Memory.ID)
	assert.Equal(t, model.RelationFixes, chain[0].Via.Type)
}

func TestFollowChain_MinimumDepthWins(t *testing.T) {
	g, _ := testGraph(t, "mem_a", "mem_b", "mem_c")
	ctx := context.Background()

	// Two routes to c: direct (depth 1) and via b (depth 2). BFS reports
	// the shorter one.
	require.NoError(t, g.AddRelation(ctx, rel("mem_a", "mem_b", model.RelationRelated)))
	require.NoError(t, g.AddRelation(ctx, rel("mem_a", "mem_c", model.RelationRelated)))
	require.NoError(t, g.AddRelation(ctx, rel("mem_b", "mem_c", model.RelationRelated)))

	chain, err := g.FollowChain(ctx, "mem_a", nil, 10)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	for _, node := range chain {
		assert.Equal(t, 1, node.Depth)
	}
}

func TestFollowChain_UnknownStart(t *testing.T) {
	g, _ := testGraph(t)
	_, err := g.FollowChain(context.Background(), "mem_missing", nil, 5)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
