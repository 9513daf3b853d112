package model

import (
	"fmt"
	"time"
)

// Relation types. Edges are directed: "A fixes B", "A supersedes B".
const (
	RelationFixes       = "fixes"
	RelationCausedBy    = "caused_by"
	RelationRelated     = "related"
	RelationSupersedes  = "supersedes"
	RelationContradicts = "contradicts"
)

var validRelationTypes = map[string]bool{
	RelationFixes:       true,
	RelationCausedBy:    true,
	RelationRelated:     true,
	RelationSupersedes:  true,
	RelationContradicts: true,
}

// ValidRelationType reports whether t is a recognized relation type.
func ValidRelationType(t string) bool {
	return validRelationTypes[t]
}

// Relation is a directed, typed edge between two memories. At most one
// relation may exist per (SourceID, TargetID, Type) triple; self-loops are
// rejected before any write.
type Relation struct {
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	Type      string    `json:"type"`
	Strength  float64   `json:"strength"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the relation's structural invariants.
func (r *Relation) Validate() error {
	if !ValidRelationType(r.Type) {
		return fmt.Errorf("relation %s->%s: invalid type %q: %w", r.SourceID, r.TargetID, r.Type, ErrInvalidArgument)
	}
	if r.SourceID == r.TargetID {
		return fmt.Errorf("relation %s: self-loop: %w", r.SourceID, ErrInvalidRelation)
	}
	if r.Strength < 0 || r.Strength > 1 {
		return fmt.Errorf("relation %s->%s: strength %v outside [0,1]: %w", r.SourceID, r.TargetID, r.Strength, ErrInvalidArgument)
	}
	return nil
}

// Session is a bounded unit of work. Append-only once EndedAt is set.
type Session struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	MemoryCount int        `json:"memory_count"`
}

// History entry kinds. FieldCreated and FieldDeleted mark lifecycle
// boundaries; any other Field names the patched memory attribute.
const (
	FieldCreated = "created"
	FieldDeleted = "deleted"
)

// HistoryEntry is one immutable audit record per mutation of a memory.
// Entries form a total order per memory by (Seq, Timestamp) and are never
// edited or reordered.
type HistoryEntry struct {
	MemoryID  string    `json:"memory_id"`
	Seq       int       `json:"seq"`
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
