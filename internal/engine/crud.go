package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/engramlabs/engram/internal/embed"
	"github.com/engramlabs/engram/internal/model"
	engramotel "github.com/engramlabs/engram/internal/otel"
	"github.com/engramlabs/engram/internal/storage"
)

// Get returns one memory by id. The read is not counted as an access;
// callers that want access tracking use Touch. When the stored embedding's
// dimension disagrees with the configured provider, Get returns the memory
// together with ErrDimensionMismatch so callers can trigger Reembed.
func (e *Engine) Get(ctx context.Context, id string) (*model.Memory, error) {
	ctx, span := tracer.Start(ctx, "engine.get",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	m, err := e.backend.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	readsTotal.Add(ctx, 1)
	if len(m.Embedding) > 0 {
		if err := embed.CheckDims(e.embedder, m.Embedding); err != nil {
			span.SetAttributes(attribute.Bool("memory.dimension_mismatch", true))
			return m, fmt.Errorf("memory %s: %w", id, err)
		}
	}
	return m, nil
}

// GetBatch returns the memories for the given ids, skipping absent ones.
func (e *Engine) GetBatch(ctx context.Context, ids []string) ([]model.Memory, error) {
	ctx, span := tracer.Start(ctx, "engine.get_batch",
		trace.WithAttributes(attribute.Int("memory.batch_size", len(ids))))
	defer span.End()

	out, err := e.backend.GetMemories(ctx, ids)
	if err != nil {
		return nil, err
	}
	readsTotal.Add(ctx, 1)
	return out, nil
}

// UpdatePatch is a partial field patch; nil fields are left untouched.
type UpdatePatch struct {
	Title      *string
	Content    *string
	Summary    *string
	Tags       *[]string
	Importance *float64
	Status     *string // active or archived; superseded is engine-managed
	Scope      *string
	Actor      string
}

// Update applies the supplied fields, appends one history entry per
// changed field, and re-embeds only when title or content changed. The
// embedding is computed before any backend write so an unavailable
// provider leaves no partial mutation.
func (e *Engine) Update(ctx context.Context, id string, patch UpdatePatch) (*model.Memory, error) {
	ctx, span := tracer.Start(ctx, "engine.update",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	m, err := e.backend.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}

	var changes []model.HistoryEntry
	record := func(field, oldVal, newVal string) {
		changes = append(changes, model.HistoryEntry{
			MemoryID: id,
			Field:    field,
			OldValue: oldVal,
			NewValue: newVal,
			Actor:    patch.Actor,
		})
	}

	reembed := false
	if patch.Title != nil && *patch.Title != m.Title {
		record("title", m.Title, *patch.Title)
		m.Title = *patch.Title
		reembed = true
	}
	if patch.Content != nil && *patch.Content != m.Content {
		record("content", m.Content, *patch.Content)
		m.Content = *patch.Content
		reembed = true
	}
	if patch.Summary != nil && *patch.Summary != m.Summary {
		record("summary", m.Summary, *patch.Summary)
		m.Summary = *patch.Summary
	}
	if patch.Tags != nil && !equalTags(m.Tags, *patch.Tags) {
		record("tags", strings.Join(m.Tags, ","), strings.Join(*patch.Tags, ","))
		m.Tags = *patch.Tags
	}
	if patch.Importance != nil && *patch.Importance != m.Importance {
		record("importance", fmt.Sprintf("%.2f", m.Importance), fmt.Sprintf("%.2f", *patch.Importance))
		m.Importance = *patch.Importance
	}
	if patch.Scope != nil && *patch.Scope != m.Scope {
		record("scope", m.Scope, *patch.Scope)
		m.Scope = *patch.Scope
	}
	if patch.Status != nil && *patch.Status != m.Status {
		if m.Status == model.StatusSuperseded {
			return nil, fmt.Errorf("memory %s is superseded by %s and cannot change status: %w",
				id, m.SupersededBy, model.ErrInvalidArgument)
		}
		if *patch.Status != model.StatusActive && *patch.Status != model.StatusArchived {
			return nil, fmt.Errorf("memory %s: status %q is not settable: %w", id, *patch.Status, model.ErrInvalidArgument)
		}
		record("status", m.Status, *patch.Status)
		m.Status = *patch.Status
	}

	if len(changes) == 0 {
		return m, nil
	}

	if reembed {
		vec, err := e.embedder.Embed(ctx, embedText(m.Title, m.Content))
		if err != nil {
			return nil, fmt.Errorf("re-embedding %s: %w", id, err)
		}
		m.Embedding = vec
	}

	m.UpdatedAt = e.now()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := e.backend.UpdateMemory(ctx, m); err != nil {
		return nil, err
	}
	for i := range changes {
		changes[i].Timestamp = m.UpdatedAt
		if err := e.backend.AppendHistory(ctx, &changes[i]); err != nil {
			return nil, fmt.Errorf("recording update history for %s: %w", id, err)
		}
	}

	updatesTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int("memory.fields_changed", len(changes)))
	e.mutated(id)
	return m, nil
}

// Delete hard-deletes the memory: the row, its embedding, its history,
// and every relation touching it. Surviving endpoints of cascaded
// relations get a history entry noting the cascade.
func (e *Engine) Delete(ctx context.Context, id string, actor string) error {
	ctx, span := tracer.Start(ctx, "engine.delete",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	removed, err := e.backend.DeleteMemory(ctx, id)
	if err != nil {
		return err
	}

	now := e.now()
	for _, r := range removed {
		survivor := r.SourceID
		if survivor == id {
			survivor = r.TargetID
		}
		if err := e.backend.AppendHistory(ctx, &model.HistoryEntry{
			MemoryID:  survivor,
			Field:     model.FieldDeleted,
			OldValue:  r.Type,
			NewValue:  "relation removed: peer " + id + " deleted",
			Actor:     actor,
			Timestamp: now,
		}); err != nil {
			// The delete already committed; the cascade note is best effort.
			log.Warn().
				Err(err).
				Str("memory_id", survivor).
				Func(engramotel.LogTraceFields(ctx)).
				Msg("recording cascade note failed")
		}
		e.mutated(survivor)
	}

	deletesTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int("memory.relations_cascaded", len(removed)))
	e.mutated(id)
	return nil
}

// Touch records an access: access_count increments and accessed_at is
// set. Access is not a content mutation, so no history entry is written.
func (e *Engine) Touch(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "engine.touch",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	if err := e.backend.Touch(ctx, id, e.now()); err != nil {
		return err
	}
	e.mutated(id)
	return nil
}

// Verify sets the verification status and records the change.
func (e *Engine) Verify(ctx context.Context, id, status, actor string) (*model.Memory, error) {
	ctx, span := tracer.Start(ctx, "engine.verify",
		trace.WithAttributes(
			attribute.String("memory.id", id),
			attribute.String("memory.verification_status", status),
		))
	defer span.End()

	if !model.ValidVerification(status) {
		return nil, fmt.Errorf("memory %s: invalid verification status %q: %w", id, status, model.ErrInvalidArgument)
	}
	m, err := e.backend.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.VerificationStatus == status {
		return m, nil
	}

	old := m.VerificationStatus
	m.VerificationStatus = status
	m.UpdatedAt = e.now()
	if err := e.backend.UpdateMemory(ctx, m); err != nil {
		return nil, err
	}
	if err := e.backend.AppendHistory(ctx, &model.HistoryEntry{
		MemoryID:  id,
		Field:     "verification_status",
		OldValue:  old,
		NewValue:  status,
		Actor:     actor,
		Timestamp: m.UpdatedAt,
	}); err != nil {
		return nil, fmt.Errorf("recording verification history for %s: %w", id, err)
	}
	e.mutated(id)
	return m, nil
}

// Timeline returns memories in reverse chronological order with the
// given filters applied.
func (e *Engine) Timeline(ctx context.Context, f storage.Filter) ([]model.Memory, error) {
	ctx, span := tracer.Start(ctx, "engine.timeline",
		trace.WithAttributes(attribute.String("memory.project_id", f.ProjectID)))
	defer span.End()

	out, err := e.backend.ListMemories(ctx, f)
	if err != nil {
		return nil, err
	}
	readsTotal.Add(ctx, 1)
	return out, nil
}

// History returns the memory's audit entries in sequence order. Reading
// history of an absent memory is NotFound, distinguishing "never existed
// or deleted" from "exists with no mutations yet".
func (e *Engine) History(ctx context.Context, id string) ([]model.HistoryEntry, error) {
	ctx, span := tracer.Start(ctx, "engine.history",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	if _, err := e.backend.GetMemory(ctx, id); err != nil {
		return nil, err
	}
	return e.backend.History(ctx, id)
}

// Reembed recomputes embeddings for the given ids, or for every memory in
// the project when ids is empty. Clears dimension mismatches after an
// embedding-provider change.
func (e *Engine) Reembed(ctx context.Context, projectID string, ids []string) (int, error) {
	ctx, span := tracer.Start(ctx, "engine.reembed",
		trace.WithAttributes(
			attribute.String("memory.project_id", projectID),
			attribute.Int("memory.requested", len(ids)),
		))
	defer span.End()

	var mems []model.Memory
	var err error
	if len(ids) > 0 {
		mems, err = e.backend.GetMemories(ctx, ids)
	} else {
		mems, err = e.backend.ListMemories(ctx, storage.Filter{ProjectID: projectID})
	}
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range mems {
		m := &mems[i]
		vec, err := e.embedder.Embed(ctx, embedText(m.Title, m.Content))
		if err != nil {
			return count, fmt.Errorf("re-embedding %s: %w", m.ID, err)
		}
		m.Embedding = vec
		if err := e.backend.UpdateMemory(ctx, m); err != nil {
			return count, err
		}
		count++
	}
	reembedsTotal.Add(ctx, int64(count))
	span.SetAttributes(attribute.Int("memory.reembedded", count))
	return count, nil
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
