package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/engramlabs/engram/internal/embed"
	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/storage"
)

const memoryColumns = `id, project_id, session_id, kind, title, content, summary, tags,
	importance, status, superseded_by, source, scope, created_by,
	created_at, updated_at, accessed_at, access_count, verification_status, embedding`

// PutMemory inserts a new memory row together with its embedding.
func (s *Store) PutMemory(ctx context.Context, m *model.Memory) error {
	tagsJSON, _ := json.Marshal(m.Tags)
	if m.Tags == nil {
		tagsJSON = []byte("[]")
	}

	var accessedAt interface{}
	if m.AccessedAt != nil {
		accessedAt = *m.AccessedAt
	}

	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO memories (`+memoryColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ProjectID, m.SessionID, m.Kind, m.Title, m.Content, m.Summary, string(tagsJSON),
			m.Importance, m.Status, m.SupersededBy, m.Source, m.Scope, m.CreatedBy,
			m.CreatedAt, m.UpdatedAt, accessedAt, m.AccessCount, m.VerificationStatus,
			encodeVector(m.Embedding))
		return err
	})
	if err != nil {
		return backendErr("inserting memory "+m.ID, err)
	}
	return nil
}

// GetMemory returns one memory by id, embedding included.
func (s *Store) GetMemory(ctx context.Context, id string) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, backendErr("querying memory "+id, err)
	}
	return m, nil
}

// GetMemories returns the memories for the given ids, skipping absent ones.
func (s *Store) GetMemories(ctx context.Context, ids []string) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id IN (`+placeholders[:len(placeholders)-1]+`)`,
		args...)
	if err != nil {
		return nil, backendErr("querying memories", err)
	}
	defer rows.Close()

	byID := make(map[string]model.Memory)
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			continue
		}
		byID[m.ID] = *m
	}
	// Preserve request order.
	var out []model.Memory
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, rows.Err()
}

// UpdateMemory overwrites a stored memory (and its embedding) by id.
func (s *Store) UpdateMemory(ctx context.Context, m *model.Memory) error {
	tagsJSON, _ := json.Marshal(m.Tags)
	if m.Tags == nil {
		tagsJSON = []byte("[]")
	}
	var accessedAt interface{}
	if m.AccessedAt != nil {
		accessedAt = *m.AccessedAt
	}

	var affected int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE memories SET kind = ?, title = ?, content = ?, summary = ?, tags = ?,
			 importance = ?, status = ?, superseded_by = ?, source = ?, scope = ?,
			 session_id = ?, created_by = ?, updated_at = ?, accessed_at = ?,
			 access_count = ?, verification_status = ?, embedding = ?
			 WHERE id = ?`,
			m.Kind, m.Title, m.Content, m.Summary, string(tagsJSON),
			m.Importance, m.Status, m.SupersededBy, m.Source, m.Scope,
			m.SessionID, m.CreatedBy, m.UpdatedAt, accessedAt,
			m.AccessCount, m.VerificationStatus, encodeVector(m.Embedding),
			m.ID)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return backendErr("updating memory "+m.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("memory %s: %w", m.ID, model.ErrNotFound)
	}
	return nil
}

// DeleteMemory removes the memory, its embedding, its history, and every
// relation touching it, all in one transaction. Returns the removed
// relations so the engine can audit the cascade on surviving endpoints.
func (s *Store) DeleteMemory(ctx context.Context, id string) ([]model.Relation, error) {
	var removed []model.Relation
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx,
			`SELECT source_id, target_id, type, strength, created_at
			 FROM relations WHERE source_id = ? OR target_id = ?`, id, id)
		if err != nil {
			return err
		}
		removed = removed[:0]
		for rows.Next() {
			var r model.Relation
			var createdAt interface{}
			if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Type, &r.Strength, &createdAt); err != nil {
				continue
			}
			if t, ok := scanTime(createdAt); ok {
				r.CreatedAt = t
			}
			removed = append(removed, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM relations WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE memory_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return nil, backendErr("deleting memory "+id, err)
	}
	return removed, nil
}

// ListMemories returns memories matching the filter, newest first.
func (s *Store) ListMemories(ctx context.Context, f storage.Filter) ([]model.Memory, error) {
	where := []string{"1=1"}
	var args []interface{}

	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.Repeat("?,", len(f.Statuses))
		where = append(where, "status IN ("+placeholders[:len(placeholders)-1]+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	for _, tag := range f.Tags {
		where = append(where, "tags LIKE ?")
		args = append(args, `%"`+tag+`"%`)
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *f.Until)
	}

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backendErr("listing memories", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Touch increments access_count and sets accessed_at.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	var affected int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE memories SET access_count = access_count + 1, accessed_at = ? WHERE id = ?`,
			at, id)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return backendErr("touching memory "+id, err)
	}
	if affected == 0 {
		return fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// Nearest scans stored embeddings and returns the exact top-K by cosine
// similarity. Rows with a different dimension than the query vector are
// skipped; reembed clears them.
func (s *Store) Nearest(ctx context.Context, q storage.NearestQuery) ([]storage.Neighbor, error) {
	where := []string{"project_id = ?", "embedding IS NOT NULL"}
	args := []interface{}{q.ProjectID}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.ActiveOnly {
		where = append(where, "status = ?")
		args = append(args, model.StatusActive)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM memories WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, backendErr("scanning embeddings", err)
	}
	defer rows.Close()

	var neighbors []storage.Neighbor
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		vec := decodeVector(blob)
		if len(vec) != len(q.Vector) {
			continue
		}
		neighbors = append(neighbors, storage.Neighbor{
			ID:         id,
			Similarity: embed.CosineSimilarity(q.Vector, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr("scanning embeddings", err)
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Similarity != neighbors[j].Similarity {
			return neighbors[i].Similarity > neighbors[j].Similarity
		}
		return neighbors[i].ID < neighbors[j].ID
	})
	if q.K > 0 && len(neighbors) > q.K {
		neighbors = neighbors[:q.K]
	}
	return neighbors, nil
}

// SearchText performs FTS5 full-text search over title/content/tags,
// falling back to LIKE when the SQLite build lacks FTS5.
func (s *Store) SearchText(ctx context.Context, projectID, query string, limit int) ([]model.Memory, error) {
	var sqlQuery string
	var args []interface{}

	if s.hasFTS5 {
		sqlQuery = `SELECT ` + qualify("m", memoryColumns) + `
		            FROM memories m
		            JOIN memories_fts f ON m.rowid = f.rowid
		            WHERE f.memories_fts MATCH ? AND m.project_id = ?
		            ORDER BY rank`
		args = []interface{}{ftsQuote(query), projectID}
	} else {
		sqlQuery = `SELECT ` + memoryColumns + `
		            FROM memories
		            WHERE project_id = ? AND (title LIKE ? OR content LIKE ?)
		            ORDER BY created_at DESC`
		likePattern := "%" + query + "%"
		args = []interface{}{projectID, likePattern, likePattern}
	}
	if limit > 0 {
		sqlQuery += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, backendErr("searching memories", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ftsQuote wraps each term in double quotes so user input cannot inject
// FTS5 query syntax.
func ftsQuote(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}

// qualify prefixes each column in a comma-separated list with an alias.
func qualify(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanMemory scans one memories row.
func scanMemory(row scanner) (*model.Memory, error) {
	var m model.Memory
	var tagsJSON string
	var createdAt, updatedAt, accessedAt interface{}
	var blob []byte

	err := row.Scan(
		&m.ID, &m.ProjectID, &m.SessionID, &m.Kind, &m.Title, &m.Content, &m.Summary, &tagsJSON,
		&m.Importance, &m.Status, &m.SupersededBy, &m.Source, &m.Scope, &m.CreatedBy,
		&createdAt, &updatedAt, &accessedAt, &m.AccessCount, &m.VerificationStatus, &blob,
	)
	if err != nil {
		return nil, err
	}
	if t, ok := scanTime(createdAt); ok {
		m.CreatedAt = t
	}
	if t, ok := scanTime(updatedAt); ok {
		m.UpdatedAt = t
	}
	if t, ok := scanTime(accessedAt); ok {
		m.AccessedAt = &t
	}
	_ = json.Unmarshal([]byte(tagsJSON), &m.Tags)
	m.Embedding = decodeVector(blob)
	return &m, nil
}
