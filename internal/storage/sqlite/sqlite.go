// Package sqlite implements the storage backend on a single SQLite
// database: relational tables for memories, relations, sessions, and
// history, embeddings as BLOB columns scanned exactly for nearest-neighbor
// queries, and an FTS5 keyword index with LIKE fallback.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/engramlabs/engram/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    importance REAL NOT NULL DEFAULT 0.5,
    status TEXT NOT NULL DEFAULT 'active',
    superseded_by TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT 'manual',
    scope TEXT NOT NULL DEFAULT 'team',
    created_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    accessed_at TIMESTAMP,
    access_count INTEGER NOT NULL DEFAULT 0,
    verification_status TEXT NOT NULL DEFAULT 'unverified',
    embedding BLOB
);

CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id, status);
CREATE INDEX IF NOT EXISTS idx_memories_project_kind ON memories(project_id, kind);
CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);

CREATE TABLE IF NOT EXISTS relations (
    source_id TEXT NOT NULL REFERENCES memories(id),
    target_id TEXT NOT NULL REFERENCES memories(id),
    type TEXT NOT NULL,
    strength REAL NOT NULL DEFAULT 0.5,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (source_id, target_id, type)
);
CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    summary TEXT NOT NULL DEFAULT '',
    memory_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS history (
    memory_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    field TEXT NOT NULL,
    old_value TEXT NOT NULL DEFAULT '',
    new_value TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    timestamp TIMESTAMP NOT NULL,
    PRIMARY KEY (memory_id, seq)
);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
    title, content, tags,
    content=memories,
    content_rowid=rowid
);

CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
    INSERT INTO memories_fts(rowid, title, content, tags)
    VALUES (new.rowid, new.title, new.content, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, title, content, tags)
    VALUES ('delete', old.rowid, old.title, old.content, old.tags);
END;

CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, title, content, tags)
    VALUES ('delete', old.rowid, old.title, old.content, old.tags);
    INSERT INTO memories_fts(rowid, title, content, tags)
    VALUES (new.rowid, new.title, new.content, new.tags);
END;
`

// Store is the relational backend.
type Store struct {
	db      *sql.DB
	hasFTS5 bool
}

// New opens (or creates) the database at dbPath and initializes the schema.
// FTS5 is optional; without it, SearchText degrades to LIKE queries.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating memory schema: %w", err)
	}

	hasFTS5 := true
	if _, err := db.ExecContext(context.Background(), ftsSchema); err != nil {
		hasFTS5 = false
	}

	return &Store{db: db, hasFTS5: hasFTS5}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// backendErr wraps driver-level failures as model.ErrBackendUnavailable.
func backendErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, model.ErrBackendUnavailable)
}

// withRetry runs fn, retrying with quadratic backoff while SQLite reports
// busy/locked. This is the single bounded retry the engine permits.
func withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 10
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
			if backoff > 250*time.Millisecond {
				backoff = 250 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}
		lastErr = fn()
		if lastErr == nil || !isLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// isLocked reports whether the error is SQLite busy/locked (retryable).
func isLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

// encodeVector packs a float32 vector into a little-endian BLOB.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a BLOB produced by encodeVector.
func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// scanTime scans a column that may arrive as time.Time, []byte, or string
// (SQLite hands datetimes back in driver-dependent forms).
func scanTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return val, true
	case []byte:
		return parseTime(string(val))
	case string:
		return parseTime(val)
	}
	return time.Time{}, false
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02 15:04:05.999999999-07:00", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
