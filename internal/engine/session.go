package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/engramlabs/engram/internal/model"
)

// SessionSummaryInput closes a session with a summary and a batch of
// memories extracted from it.
type SessionSummaryInput struct {
	SessionID string
	ProjectID string
	Summary   string
	Actor     string
	Memories  []CreateInput
}

// SessionSummaryResult reports the per-memory dedup outcomes of the batch.
type SessionSummaryResult struct {
	SessionID string         `json:"session_id"`
	Results   []CreateResult `json:"results"`
}

// SaveSessionSummary creates each memory in the batch under the session
// (dedup applies per memory), then stores the summary and closes the
// session. A session that is already closed rejects the save; partial
// batches are reported as-is, with the error naming the failing index.
func (e *Engine) SaveSessionSummary(ctx context.Context, in SessionSummaryInput) (*SessionSummaryResult, error) {
	ctx, span := tracer.Start(ctx, "engine.save_session_summary",
		trace.WithAttributes(
			attribute.String("session.id", in.SessionID),
			attribute.Int("session.batch_size", len(in.Memories)),
		))
	defer span.End()

	if in.SessionID == "" {
		return nil, fmt.Errorf("session id is required: %w", model.ErrInvalidArgument)
	}

	sess, err := e.backend.GetSession(ctx, in.SessionID)
	switch {
	case err == nil:
		if sess.EndedAt != nil {
			return nil, fmt.Errorf("session %s already closed at %s: %w",
				in.SessionID, sess.EndedAt.Format("2006-01-02T15:04:05Z07:00"), model.ErrInvalidArgument)
		}
	case isNotFound(err):
		sess = &model.Session{
			ID:        in.SessionID,
			ProjectID: in.ProjectID,
			StartedAt: e.now(),
		}
	default:
		return nil, err
	}

	res := &SessionSummaryResult{SessionID: in.SessionID}
	created := 0
	for i, ci := range in.Memories {
		ci.SessionID = in.SessionID
		if ci.ProjectID == "" {
			ci.ProjectID = in.ProjectID
		}
		if ci.CreatedBy == "" {
			ci.CreatedBy = in.Actor
		}
		r, err := e.Create(ctx, ci)
		if err != nil {
			return res, fmt.Errorf("saving session memory %d of %d: %w", i+1, len(in.Memories), err)
		}
		res.Results = append(res.Results, *r)
		if r.Action != ActionSkipped {
			created++
		}
	}

	now := e.now()
	sess.Summary = in.Summary
	sess.EndedAt = &now
	sess.MemoryCount += created
	if err := e.backend.PutSession(ctx, sess); err != nil {
		return res, fmt.Errorf("closing session %s: %w", in.SessionID, err)
	}
	span.SetAttributes(attribute.Int("session.memories_created", created))
	return res, nil
}

func isNotFound(err error) bool { return errors.Is(err, model.ErrNotFound) }

// Session returns the session record.
func (e *Engine) Session(ctx context.Context, id string) (*model.Session, error) {
	return e.backend.GetSession(ctx, id)
}
