// Package engine implements the memory store: dedup-aware creation,
// partial updates with per-field audit history, cascade deletion, access
// tracking, verification, re-embedding, and session-scoped batch saves.
// It is storage-agnostic: all persistence goes through storage.Backend.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/engramlabs/engram/internal/embed"
	"github.com/engramlabs/engram/internal/model"
	engramotel "github.com/engramlabs/engram/internal/otel"
	"github.com/engramlabs/engram/internal/storage"
)

var tracer = engramotel.Tracer("github.com/engramlabs/engram/internal/engine")

// DedupConfig controls near-duplicate handling at creation time. Both
// thresholds are cosine similarities in [-1,1]; SkipThreshold must be
// strictly greater than SupersedeThreshold.
type DedupConfig struct {
	// SkipThreshold: at or above, the write is skipped entirely.
	SkipThreshold float64
	// SupersedeThreshold: at or above (but below skip), the best match is
	// superseded by the new memory.
	SupersedeThreshold float64
	// Candidates is the number of nearest neighbors consulted.
	Candidates int
	// MatchKind restricts dedup candidates to the same kind.
	MatchKind bool
}

// DefaultDedupConfig returns the stock thresholds.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		SkipThreshold:      0.95,
		SupersedeThreshold: 0.85,
		Candidates:         5,
		MatchKind:          false,
	}
}

// Validate checks threshold ordering.
func (c DedupConfig) Validate() error {
	if c.SkipThreshold <= c.SupersedeThreshold {
		return fmt.Errorf("skip threshold %v must exceed supersede threshold %v: %w",
			c.SkipThreshold, c.SupersedeThreshold, model.ErrInvalidArgument)
	}
	return nil
}

// Engine is the memory store.
type Engine struct {
	backend  storage.Backend
	embedder embed.Embedder
	dedup    DedupConfig

	// onMutate is called with a memory id after any mutation so derived
	// caches (trust scores) can invalidate. Optional.
	onMutate func(id string)

	now func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithMutationHook registers a callback invoked with the id of every
// mutated memory. Used to invalidate the trust-score cache.
func WithMutationHook(fn func(id string)) Option {
	return func(e *Engine) { e.onMutate = fn }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over the given backend and embedder.
func New(backend storage.Backend, embedder embed.Embedder, dedup DedupConfig, opts ...Option) (*Engine, error) {
	if err := dedup.Validate(); err != nil {
		return nil, err
	}
	if dedup.Candidates <= 0 {
		dedup.Candidates = DefaultDedupConfig().Candidates
	}
	e := &Engine{
		backend:  backend,
		embedder: embedder,
		dedup:    dedup,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Backend exposes the underlying storage for read-only collaborators
// (search, graph, trust) constructed alongside the engine.
func (e *Engine) Backend() storage.Backend { return e.backend }

// Embedder exposes the configured embedding provider.
func (e *Engine) Embedder() embed.Embedder { return e.embedder }

func (e *Engine) mutated(id string) {
	if e.onMutate != nil {
		e.onMutate(id)
	}
}

func newMemoryID() string {
	return "mem_" + uuid.New().String()[:12]
}

// Create actions. Callers must branch on the action: a skipped result
// carries the existing memory's id, not a new one.
const (
	ActionCreated    = "created"
	ActionSuperseded = "superseded"
	ActionSkipped    = "skipped"
)

// CreateInput is one candidate memory.
type CreateInput struct {
	Kind       string
	Title      string
	Content    string
	Summary    string
	Tags       []string
	Importance float64
	Source     string
	Scope      string
	ProjectID  string
	SessionID  string
	CreatedBy  string
}

// CreateResult is the dedup-discriminated outcome of Create.
type CreateResult struct {
	Action     string  `json:"action"`
	MemoryID   string  `json:"memory_id"`
	Superseded string  `json:"superseded,omitempty"` // id of the superseded memory
	Similarity float64 `json:"similarity,omitempty"` // best-match similarity consulted
}

// Create embeds the candidate, consults the nearest active memories in the
// same project, and applies the dedup policy: skip at or above the skip
// threshold, supersede at or above the supersede threshold, create
// otherwise. No write happens on the skip path or when embedding fails.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	ctx, span := tracer.Start(ctx, "engine.create",
		trace.WithAttributes(
			attribute.String("memory.project_id", in.ProjectID),
			attribute.String("memory.kind", in.Kind),
		))
	defer span.End()

	m, err := e.newMemory(in)
	if err != nil {
		return nil, err
	}

	vec, err := e.embedder.Embed(ctx, embedText(in.Title, in.Content))
	if err != nil {
		return nil, fmt.Errorf("embedding candidate %q: %w", in.Title, err)
	}
	m.Embedding = vec

	kind := ""
	if e.dedup.MatchKind {
		kind = in.Kind
	}
	neighbors, err := e.backend.Nearest(ctx, storage.NearestQuery{
		ProjectID:  in.ProjectID,
		Kind:       kind,
		Vector:     vec,
		K:          e.dedup.Candidates,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("querying dedup candidates: %w", err)
	}

	var best storage.Neighbor
	if len(neighbors) > 0 {
		best = neighbors[0]
	}
	span.SetAttributes(attribute.Float64("memory.dedup.best_similarity", best.Similarity))

	if best.ID != "" && best.Similarity >= e.dedup.SkipThreshold {
		dedupSkips.Add(ctx, 1)
		span.SetAttributes(attribute.String("memory.dedup.action", ActionSkipped))
		return &CreateResult{Action: ActionSkipped, MemoryID: best.ID, Similarity: best.Similarity}, nil
	}

	if best.ID != "" && best.Similarity >= e.dedup.SupersedeThreshold {
		if err := e.supersede(ctx, m, best); err != nil {
			return nil, err
		}
		dedupSupersedes.Add(ctx, 1)
		span.SetAttributes(attribute.String("memory.dedup.action", ActionSuperseded))
		return &CreateResult{
			Action:     ActionSuperseded,
			MemoryID:   m.ID,
			Superseded: best.ID,
			Similarity: best.Similarity,
		}, nil
	}

	if err := e.persistNew(ctx, m); err != nil {
		return nil, err
	}
	createsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("memory.dedup.action", ActionCreated))
	return &CreateResult{Action: ActionCreated, MemoryID: m.ID, Similarity: best.Similarity}, nil
}

// newMemory builds and validates the candidate row. The id is assigned
// here and never changes.
func (e *Engine) newMemory(in CreateInput) (*model.Memory, error) {
	now := e.now()
	m := &model.Memory{
		ID:                 newMemoryID(),
		Kind:               in.Kind,
		Title:              in.Title,
		Content:            in.Content,
		Summary:            in.Summary,
		Tags:               in.Tags,
		Importance:         in.Importance,
		Status:             model.StatusActive,
		Source:             in.Source,
		Scope:              in.Scope,
		ProjectID:          in.ProjectID,
		SessionID:          in.SessionID,
		CreatedBy:          in.CreatedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
		VerificationStatus: model.VerificationUnverified,
	}
	if m.Importance == 0 {
		m.Importance = 0.5
	}
	if m.Source == "" {
		m.Source = model.SourceManual
	}
	if m.Scope == "" {
		m.Scope = model.ScopeTeam
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// persistNew writes the memory and its "created" history entry.
func (e *Engine) persistNew(ctx context.Context, m *model.Memory) error {
	if err := e.backend.PutMemory(ctx, m); err != nil {
		return err
	}
	if err := e.backend.AppendHistory(ctx, &model.HistoryEntry{
		MemoryID:  m.ID,
		Field:     model.FieldCreated,
		NewValue:  m.Title,
		Actor:     m.CreatedBy,
		Timestamp: e.now(),
	}); err != nil {
		// Compensate so a failed audit write never leaves a memory without
		// its creation record.
		_, _ = e.backend.DeleteMemory(ctx, m.ID)
		return err
	}
	e.mutated(m.ID)
	return nil
}

// supersede writes the new memory, marks the best match superseded, and
// links new->old. Later failures compensate by deleting the new memory so
// no partial state stays visible.
func (e *Engine) supersede(ctx context.Context, m *model.Memory, best storage.Neighbor) error {
	old, err := e.backend.GetMemory(ctx, best.ID)
	if err != nil {
		return fmt.Errorf("loading supersede target %s: %w", best.ID, err)
	}

	if err := e.persistNew(ctx, m); err != nil {
		return err
	}

	now := e.now()
	prevStatus := old.Status
	old.Status = model.StatusSuperseded
	old.SupersededBy = m.ID
	old.UpdatedAt = now
	if err := e.backend.UpdateMemory(ctx, old); err != nil {
		_, _ = e.backend.DeleteMemory(ctx, m.ID)
		return fmt.Errorf("superseding %s: %w", old.ID, err)
	}
	if err := e.backend.AddRelation(ctx, &model.Relation{
		SourceID:  m.ID,
		TargetID:  old.ID,
		Type:      model.RelationSupersedes,
		Strength:  best.Similarity,
		CreatedAt: now,
	}); err != nil {
		old.Status = prevStatus
		old.SupersededBy = ""
		_ = e.backend.UpdateMemory(ctx, old)
		_, _ = e.backend.DeleteMemory(ctx, m.ID)
		return fmt.Errorf("linking supersede %s->%s: %w", m.ID, old.ID, err)
	}
	_ = e.backend.AppendHistory(ctx, &model.HistoryEntry{
		MemoryID:  old.ID,
		Field:     "status",
		OldValue:  prevStatus,
		NewValue:  model.StatusSuperseded,
		Actor:     m.CreatedBy,
		Timestamp: now,
	})
	e.mutated(old.ID)
	return nil
}

// embedText is the canonical embedding input for a memory.
func embedText(title, content string) string {
	return strings.TrimSpace(title + "\n" + content)
}
