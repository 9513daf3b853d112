package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/engramlabs/engram/internal/model"
)

// PutSession inserts or updates a session row.
func (s *Store) PutSession(ctx context.Context, sess *model.Session) error {
	var endedAt interface{}
	if sess.EndedAt != nil {
		endedAt = *sess.EndedAt
	}
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, project_id, started_at, ended_at, summary, memory_count)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			     ended_at = excluded.ended_at,
			     summary = excluded.summary,
			     memory_count = excluded.memory_count`,
			sess.ID, sess.ProjectID, sess.StartedAt, endedAt, sess.Summary, sess.MemoryCount)
		return err
	})
	if err != nil {
		return backendErr("upserting session "+sess.ID, err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, started_at, ended_at, summary, memory_count
		 FROM sessions WHERE id = ?`, id)

	var sess model.Session
	var startedAt, endedAt interface{}
	err := row.Scan(&sess.ID, &sess.ProjectID, &startedAt, &endedAt, &sess.Summary, &sess.MemoryCount)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, backendErr("querying session "+id, err)
	}
	if t, ok := scanTime(startedAt); ok {
		sess.StartedAt = t
	}
	if t, ok := scanTime(endedAt); ok {
		sess.EndedAt = &t
	}
	return &sess, nil
}

// AppendHistory appends an audit entry, assigning the next per-memory
// sequence number inside one transaction. The log is append-only: entries
// are never updated or deleted except by the owning memory's hard delete.
func (s *Store) AppendHistory(ctx context.Context, e *model.HistoryEntry) error {
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var maxSeq int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM history WHERE memory_id = ?`,
			e.MemoryID).Scan(&maxSeq); err != nil {
			return err
		}
		e.Seq = maxSeq + 1

		_, err = tx.ExecContext(ctx,
			`INSERT INTO history (memory_id, seq, field, old_value, new_value, actor, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.MemoryID, e.Seq, e.Field, e.OldValue, e.NewValue, e.Actor, e.Timestamp)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return backendErr("appending history for "+e.MemoryID, err)
	}
	return nil
}

// History returns a memory's audit entries in sequence order.
func (s *Store) History(ctx context.Context, memoryID string) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, seq, field, old_value, new_value, actor, timestamp
		 FROM history WHERE memory_id = ? ORDER BY seq ASC`, memoryID)
	if err != nil {
		return nil, backendErr("querying history for "+memoryID, err)
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var ts interface{}
		if err := rows.Scan(&e.MemoryID, &e.Seq, &e.Field, &e.OldValue, &e.NewValue, &e.Actor, &ts); err != nil {
			continue
		}
		if t, ok := scanTime(ts); ok {
			e.Timestamp = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
