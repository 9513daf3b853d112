package memvec

import (
	"context"
	"fmt"
	"sort"

	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/storage"
)

// AddRelation inserts an edge into the adjacency maps. An existing
// (source, target, type) triple returns model.ErrDuplicateRelation.
func (s *Store) AddRelation(_ context.Context, r *model.Relation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byType, ok := s.out[r.SourceID][r.TargetID]; ok {
		if _, dup := byType[r.Type]; dup {
			return fmt.Errorf("relation %s->%s (%s): %w", r.SourceID, r.TargetID, r.Type, model.ErrDuplicateRelation)
		}
	}

	stored := *r
	if s.out[r.SourceID] == nil {
		s.out[r.SourceID] = make(map[string]map[string]*model.Relation)
	}
	if s.out[r.SourceID][r.TargetID] == nil {
		s.out[r.SourceID][r.TargetID] = make(map[string]*model.Relation)
	}
	s.out[r.SourceID][r.TargetID][r.Type] = &stored

	if s.in[r.TargetID] == nil {
		s.in[r.TargetID] = make(map[string]map[string]*model.Relation)
	}
	if s.in[r.TargetID][r.SourceID] == nil {
		s.in[r.TargetID][r.SourceID] = make(map[string]*model.Relation)
	}
	s.in[r.TargetID][r.SourceID][r.Type] = &stored
	return nil
}

// UpdateRelationStrength sets the strength of an existing edge.
func (s *Store) UpdateRelationStrength(_ context.Context, sourceID, targetID, relType string, strength float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.out[sourceID][targetID][relType]
	if !ok {
		return fmt.Errorf("relation %s->%s (%s): %w", sourceID, targetID, relType, model.ErrNotFound)
	}
	r.Strength = strength
	return nil
}

// Relations returns the edges where id is the source (DirOutgoing) or
// target (DirIncoming), in deterministic (source, target, type) order.
func (s *Store) Relations(_ context.Context, id string, dir storage.Direction) ([]model.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adjacency := s.out[id]
	if dir == storage.DirIncoming {
		adjacency = s.in[id]
	}

	var out []model.Relation
	for _, byType := range adjacency {
		for _, r := range byType {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		if out[i].TargetID != out[j].TargetID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// PutSession inserts or updates a session.
func (s *Store) PutSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *sess
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		stored.EndedAt = &t
	}
	s.sessions[sess.ID] = &stored
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	copied := *sess
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		copied.EndedAt = &t
	}
	return &copied, nil
}

// AppendHistory appends an audit entry with the next per-memory sequence.
func (s *Store) AppendHistory(_ context.Context, e *model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = len(s.history[e.MemoryID]) + 1
	s.history[e.MemoryID] = append(s.history[e.MemoryID], *e)
	return nil
}

// History returns a memory's audit entries in sequence order.
func (s *Store) History(_ context.Context, memoryID string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.HistoryEntry(nil), s.history[memoryID]...), nil
}
