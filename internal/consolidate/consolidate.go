// Package consolidate merges clusters of near-duplicate active memories
// into single summarized memories. Clustering is connected components
// over the pairwise-similarity graph: similarity is transitive for
// grouping purposes, which can over-merge chains of moderately similar
// memories. Each cluster is processed independently; a failing cluster
// is reported and skipped, never aborting the run.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/engramlabs/engram/internal/embed"
	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/model"
	engramotel "github.com/engramlabs/engram/internal/otel"
	"github.com/engramlabs/engram/internal/storage"
)

var tracer = engramotel.Tracer("github.com/engramlabs/engram/internal/consolidate")

// DefaultThreshold is the pairwise cosine similarity above which two
// memories cluster together.
const DefaultThreshold = 0.88

// actor recorded on history entries written by consolidation runs.
const actor = "consolidator"

// Engine is the minimal mutation surface consolidation needs. The
// concrete engine satisfies it.
type Engine interface {
	Backend() storage.Backend
	Embedder() embed.Embedder
}

// Consolidator runs merge passes over a project.
type Consolidator struct {
	engine     Engine
	summarizer llm.Summarizer
	threshold  float64
	now        func() time.Time
}

// New creates a consolidator. threshold <= 0 selects the default.
func New(engine Engine, summarizer llm.Summarizer, threshold float64) *Consolidator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Consolidator{
		engine:     engine,
		summarizer: summarizer,
		threshold:  threshold,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests).
func (c *Consolidator) WithClock(now func() time.Time) *Consolidator {
	c.now = now
	return c
}

// ClusterResult reports one cluster's outcome.
type ClusterResult struct {
	MemberIDs []string `json:"member_ids"`
	MergedID  string   `json:"merged_id,omitempty"`
	Err       string   `json:"error,omitempty"`
}

// Report is the outcome of one consolidation run.
type Report struct {
	ProjectID string          `json:"project_id"`
	Examined  int             `json:"examined"`
	Clusters  []ClusterResult `json:"clusters"`
	Merged    int             `json:"merged"`
	Failed    int             `json:"failed"`
}

// Run consolidates the project's active memories: cluster by similarity,
// summarize each cluster of two or more, write the merged memory, and
// mark the members superseded with supersedes edges from the merger.
func (c *Consolidator) Run(ctx context.Context, projectID string) (*Report, error) {
	ctx, span := tracer.Start(ctx, "consolidate.run",
		trace.WithAttributes(
			attribute.String("memory.project_id", projectID),
			attribute.Float64("consolidate.threshold", c.threshold),
		))
	defer span.End()

	backend := c.engine.Backend()
	mems, err := backend.ListMemories(ctx, storage.Filter{
		ProjectID: projectID,
		Statuses:  []string{model.StatusActive},
	})
	if err != nil {
		return nil, err
	}

	report := &Report{ProjectID: projectID, Examined: len(mems)}
	clusters := cluster(mems, c.threshold)
	span.SetAttributes(attribute.Int("consolidate.clusters", len(clusters)))

	for _, members := range clusters {
		res := ClusterResult{MemberIDs: memberIDs(members)}
		mergedID, err := c.mergeCluster(ctx, projectID, members)
		if err != nil {
			res.Err = err.Error()
			report.Failed++
			log.Warn().
				Err(err).
				Str("project_id", projectID).
				Strs("member_ids", res.MemberIDs).
				Func(engramotel.LogTraceFields(ctx)).
				Msg("cluster consolidation failed, skipping")
		} else {
			res.MergedID = mergedID
			report.Merged++
		}
		report.Clusters = append(report.Clusters, res)
	}

	log.Info().
		Str("project_id", projectID).
		Int("examined", report.Examined).
		Int("merged", report.Merged).
		Int("failed", report.Failed).
		Func(engramotel.LogTraceFields(ctx)).
		Msg("consolidation run complete")
	return report, nil
}

// cluster groups memories into connected components of the pairwise
// similarity >= threshold graph. Only clusters of size >= 2 are returned,
// in deterministic order.
func cluster(mems []model.Memory, threshold float64) [][]model.Memory {
	n := len(mems)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < n; i++ {
		if len(mems[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < n; j++ {
			if len(mems[j].Embedding) == 0 || len(mems[i].Embedding) != len(mems[j].Embedding) {
				continue
			}
			if embed.CosineSimilarity(mems[i].Embedding, mems[j].Embedding) >= threshold {
				union(i, j)
			}
		}
	}

	groups := map[int][]model.Memory{}
	for i := range mems {
		root := find(i)
		groups[root] = append(groups[root], mems[i])
	}

	var out [][]model.Memory
	for _, g := range groups {
		if len(g) >= 2 {
			sort.Slice(g, func(i, j int) bool { return g[i].ID < g[j].ID })
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0].ID < out[j][0].ID })
	return out
}

// mergeCluster summarizes the members, writes the merged memory, and
// supersedes each member. The summarizer runs before any write so its
// failure leaves the cluster untouched.
func (c *Consolidator) mergeCluster(ctx context.Context, projectID string, members []model.Memory) (string, error) {
	summary, err := c.summarizer.Summarize(ctx, members)
	if err != nil {
		return "", fmt.Errorf("summarizing cluster of %d: %w", len(members), err)
	}

	vec, err := c.engine.Embedder().Embed(ctx, summary.Title+"\n"+summary.Content)
	if err != nil {
		return "", fmt.Errorf("embedding merged memory: %w", err)
	}

	now := c.now()
	merged := &model.Memory{
		ID:                 newMergedID(),
		Kind:               dominantKind(members),
		Title:              summary.Title,
		Content:            summary.Content,
		Tags:               unionTags(members),
		Importance:         maxImportance(members),
		Status:             model.StatusActive,
		Source:             model.SourceAuto,
		Scope:              members[0].Scope,
		ProjectID:          projectID,
		CreatedBy:          actor,
		CreatedAt:          now,
		UpdatedAt:          now,
		VerificationStatus: model.VerificationUnverified,
		Embedding:          vec,
	}
	if err := merged.Validate(); err != nil {
		return "", err
	}

	backend := c.engine.Backend()
	if err := backend.PutMemory(ctx, merged); err != nil {
		return "", err
	}
	if err := backend.AppendHistory(ctx, &model.HistoryEntry{
		MemoryID:  merged.ID,
		Field:     model.FieldCreated,
		NewValue:  merged.Title,
		Actor:     actor,
		Timestamp: now,
	}); err != nil {
		_, _ = backend.DeleteMemory(ctx, merged.ID)
		return "", err
	}

	for i := range members {
		m := &members[i]
		prev := m.Status
		m.Status = model.StatusSuperseded
		m.SupersededBy = merged.ID
		m.UpdatedAt = now
		if err := backend.UpdateMemory(ctx, m); err != nil {
			return merged.ID, fmt.Errorf("superseding member %s: %w", m.ID, err)
		}
		if err := backend.AddRelation(ctx, &model.Relation{
			SourceID:  merged.ID,
			TargetID:  m.ID,
			Type:      model.RelationSupersedes,
			Strength:  1.0,
			CreatedAt: now,
		}); err != nil {
			return merged.ID, fmt.Errorf("linking merged %s->%s: %w", merged.ID, m.ID, err)
		}
		_ = backend.AppendHistory(ctx, &model.HistoryEntry{
			MemoryID:  m.ID,
			Field:     "status",
			OldValue:  prev,
			NewValue:  model.StatusSuperseded,
			Actor:     actor,
			Timestamp: now,
		})
	}
	return merged.ID, nil
}

// dominantKind is the most frequent kind in the cluster; ties and mixes
// with no majority collapse to pattern.
func dominantKind(members []model.Memory) string {
	counts := map[string]int{}
	for _, m := range members {
		counts[m.Kind]++
	}
	bestKind, bestCount, tied := "", 0, false
	for _, m := range members {
		n := counts[m.Kind]
		if n > bestCount {
			bestKind, bestCount, tied = m.Kind, n, false
		} else if n == bestCount && m.Kind != bestKind {
			tied = true
		}
	}
	if tied {
		return model.KindPattern
	}
	return bestKind
}

func unionTags(members []model.Memory) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range members {
		for _, t := range m.Tags {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Strings(out)
	return out
}

func maxImportance(members []model.Memory) float64 {
	best := 0.0
	for _, m := range members {
		if m.Importance > best {
			best = m.Importance
		}
	}
	return best
}

func newMergedID() string {
	return "mem_" + uuid.New().String()[:12]
}

func memberIDs(members []model.Memory) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}
