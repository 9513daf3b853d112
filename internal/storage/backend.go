// Package storage defines the backend contract the memory engine runs
// against: memory CRUD, vector nearest-neighbor queries, the relation
// edge-set, sessions, and the append-only history log. Two implementations
// exist — a relational SQLite backend and a combined graph+vector backend —
// and the engine never branches on which one it holds.
package storage

import (
	"context"
	"time"

	"github.com/engramlabs/engram/internal/model"
)

// Filter narrows memory listings. Zero values mean "no constraint";
// an empty Statuses slice means all lifecycle statuses.
type Filter struct {
	ProjectID string
	Kind      string
	Tags      []string
	Statuses  []string
	SessionID string
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// NearestQuery asks for the top-K stored embeddings by cosine similarity.
// The contract is exact top-K ordering by similarity; whether an
// implementation scans or indexes is its own business.
type NearestQuery struct {
	ProjectID  string
	Kind       string // optional: restrict to one kind
	Vector     []float32
	K          int
	ActiveOnly bool
}

// Neighbor is one nearest-neighbor hit.
type Neighbor struct {
	ID         string
	Similarity float64
}

// Direction selects which end of an edge a memory sits on.
type Direction string

const (
	DirOutgoing Direction = "out"
	DirIncoming Direction = "in"
)

// Backend persists memories, relations, sessions, and history. Mutating
// calls are individually atomic; multi-call sequences in the engine are
// ordered so that a failure leaves no partial state visible.
//
// Error mapping: absent ids return model.ErrNotFound, duplicate relation
// triples return model.ErrDuplicateRelation, and I/O failures wrap
// model.ErrBackendUnavailable.
type Backend interface {
	// PutMemory inserts a new memory together with its embedding.
	PutMemory(ctx context.Context, m *model.Memory) error
	// GetMemory returns one memory by id, embedding included.
	GetMemory(ctx context.Context, id string) (*model.Memory, error)
	// GetMemories returns the memories for the given ids, skipping absent ones.
	GetMemories(ctx context.Context, ids []string) ([]model.Memory, error)
	// UpdateMemory overwrites a stored memory (and its embedding) by id.
	UpdateMemory(ctx context.Context, m *model.Memory) error
	// DeleteMemory removes the memory, its embedding, its history, and every
	// relation touching it. Returns the removed relations for cascade audit.
	DeleteMemory(ctx context.Context, id string) ([]model.Relation, error)
	// ListMemories returns memories matching the filter, newest first.
	ListMemories(ctx context.Context, f Filter) ([]model.Memory, error)
	// Touch increments access_count and sets accessed_at.
	Touch(ctx context.Context, id string, at time.Time) error

	// Nearest returns the top-K neighbors by cosine similarity.
	Nearest(ctx context.Context, q NearestQuery) ([]Neighbor, error)

	// AddRelation inserts an edge; the (source, target, type) triple is unique.
	AddRelation(ctx context.Context, r *model.Relation) error
	// UpdateRelationStrength sets the strength of an existing edge.
	UpdateRelationStrength(ctx context.Context, sourceID, targetID, relType string, strength float64) error
	// Relations returns the edges where id is the source (DirOutgoing) or
	// target (DirIncoming).
	Relations(ctx context.Context, id string, dir Direction) ([]model.Relation, error)

	// PutSession inserts or updates a session row.
	PutSession(ctx context.Context, s *model.Session) error
	// GetSession returns a session by id.
	GetSession(ctx context.Context, id string) (*model.Session, error)

	// AppendHistory appends an audit entry, assigning the next per-memory
	// sequence number. The log is append-only.
	AppendHistory(ctx context.Context, e *model.HistoryEntry) error
	// History returns a memory's audit entries in sequence order.
	History(ctx context.Context, memoryID string) ([]model.HistoryEntry, error)

	Close() error
}

// TextSearcher is an optional capability: backends with a native keyword
// index (SQLite FTS5) expose raw text search for the timeline surface.
// Hybrid ranking does not depend on it.
type TextSearcher interface {
	SearchText(ctx context.Context, projectID, query string, limit int) ([]model.Memory, error)
}
