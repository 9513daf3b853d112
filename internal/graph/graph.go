// Package graph manages the typed relation graph between memories:
// edge creation with endpoint checks, directional queries, and bounded
// breadth-first chain traversal.
package graph

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/engramlabs/engram/internal/model"
	engramotel "github.com/engramlabs/engram/internal/otel"
	"github.com/engramlabs/engram/internal/storage"
)

var tracer = engramotel.Tracer("github.com/engramlabs/engram/internal/graph")

// DefaultMaxDepth bounds chain traversal when the caller passes no limit.
const DefaultMaxDepth = 10

// Graph is the relation layer over a storage backend.
type Graph struct {
	backend storage.Backend
}

// New creates a Graph over the given backend.
func New(backend storage.Backend) *Graph {
	return &Graph{backend: backend}
}

// AddRelation creates a directed edge. Both endpoints must exist; a
// duplicate (source, target, type) triple is rejected with
// DuplicateRelation, never silently updated. All checks run before any
// write so a rejected call leaves the graph untouched.
func (g *Graph) AddRelation(ctx context.Context, r *model.Relation) error {
	ctx, span := tracer.Start(ctx, "graph.add_relation",
		trace.WithAttributes(
			attribute.String("relation.source_id", r.SourceID),
			attribute.String("relation.target_id", r.TargetID),
			attribute.String("relation.type", r.Type),
		))
	defer span.End()

	if err := r.Validate(); err != nil {
		return err
	}
	if _, err := g.backend.GetMemory(ctx, r.SourceID); err != nil {
		return fmt.Errorf("relation source %s: %w", r.SourceID, err)
	}
	if _, err := g.backend.GetMemory(ctx, r.TargetID); err != nil {
		return fmt.Errorf("relation target %s: %w", r.TargetID, err)
	}
	if r.Strength == 0 {
		r.Strength = 1.0
	}
	return g.backend.AddRelation(ctx, r)
}

// UpdateStrength changes the strength of an existing edge.
func (g *Graph) UpdateStrength(ctx context.Context, sourceID, targetID, relType string, strength float64) error {
	ctx, span := tracer.Start(ctx, "graph.update_strength")
	defer span.End()

	if strength < 0 || strength > 1 {
		return fmt.Errorf("strength %v outside [0,1]: %w", strength, model.ErrInvalidArgument)
	}
	return g.backend.UpdateRelationStrength(ctx, sourceID, targetID, relType, strength)
}

// Relations returns the edges touching id in the given direction,
// optionally filtered by type. The memory must exist.
func (g *Graph) Relations(ctx context.Context, id string, dir storage.Direction, relType string) ([]model.Relation, error) {
	ctx, span := tracer.Start(ctx, "graph.relations",
		trace.WithAttributes(
			attribute.String("relation.memory_id", id),
			attribute.String("relation.direction", string(dir)),
		))
	defer span.End()

	if _, err := g.backend.GetMemory(ctx, id); err != nil {
		return nil, err
	}
	rels, err := g.backend.Relations(ctx, id, dir)
	if err != nil {
		return nil, err
	}
	if relType == "" {
		return rels, nil
	}
	out := rels[:0]
	for _, r := range rels {
		if r.Type == relType {
			out = append(out, r)
		}
	}
	return out, nil
}

// Outgoing returns edges where id is the source.
func (g *Graph) Outgoing(ctx context.Context, id, relType string) ([]model.Relation, error) {
	return g.Relations(ctx, id, storage.DirOutgoing, relType)
}

// Incoming returns edges where id is the target.
func (g *Graph) Incoming(ctx context.Context, id, relType string) ([]model.Relation, error) {
	return g.Relations(ctx, id, storage.DirIncoming, relType)
}

// ChainNode is one memory reached during traversal, annotated with its
// hop distance from the start and the relation that first discovered it.
type ChainNode struct {
	Memory   model.Memory   `json:"memory"`
	Depth    int            `json:"depth"`
	Via      model.Relation `json:"via"`
	ParentID string         `json:"parent_id"`
}

// FollowChain walks outgoing edges breadth-first from startID, following
// only edges of the given types (all types when empty), up to maxDepth
// hops. The start node itself is not returned. A visited set guarantees
// termination on cyclic graphs; each reachable memory appears once, at its
// minimum depth, discovered in deterministic edge order.
func (g *Graph) FollowChain(ctx context.Context, startID string, types []string, maxDepth int) ([]ChainNode, error) {
	ctx, span := tracer.Start(ctx, "graph.follow_chain",
		trace.WithAttributes(
			attribute.String("relation.start_id", startID),
			attribute.StringSlice("relation.types", types),
			attribute.Int("relation.max_depth", maxDepth),
		))
	defer span.End()

	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	if _, err := g.backend.GetMemory(ctx, startID); err != nil {
		return nil, err
	}

	type frontier struct {
		id       string
		depth    int
		via      model.Relation
		parentID string
	}
	visited := map[string]bool{startID: true}
	queue := []frontier{{id: startID, depth: 0}}
	var chain []ChainNode

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		rels, err := g.backend.Relations(ctx, cur.id, storage.DirOutgoing)
		if err != nil {
			return nil, fmt.Errorf("expanding %s at depth %d: %w", cur.id, cur.depth, err)
		}
		sort.Slice(rels, func(i, j int) bool {
			if rels[i].TargetID != rels[j].TargetID {
				return rels[i].TargetID < rels[j].TargetID
			}
			return rels[i].Type < rels[j].Type
		})

		for _, r := range rels {
			if len(wanted) > 0 && !wanted[r.Type] {
				continue
			}
			if visited[r.TargetID] {
				continue
			}
			visited[r.TargetID] = true
			m, err := g.backend.GetMemory(ctx, r.TargetID)
			if err != nil {
				// Dangling edges cannot happen under cascade deletion; a read
				// race mid-traversal just drops the node.
				continue
			}
			chain = append(chain, ChainNode{
				Memory:   *m,
				Depth:    cur.depth + 1,
				Via:      r,
				ParentID: cur.id,
			})
			queue = append(queue, frontier{id: r.TargetID, depth: cur.depth + 1, via: r, parentID: cur.id})
		}
	}

	span.SetAttributes(attribute.Int("relation.chain_length", len(chain)))
	return chain, nil
}
