// Package memvec implements the storage backend as a combined
// graph+vector store: chromem-go (a pure Go embedded vector database)
// holds one collection of embeddings per project, and the relation graph
// lives in native adjacency maps guarded by a single RWMutex. Everything
// is in-process; durability comes from the SQLite backend when needed.
package memvec

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/engramlabs/engram/internal/model"
	"github.com/engramlabs/engram/internal/storage"
)

// Store is the graph+vector backend.
type Store struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection // per-project vector collections

	mu       sync.RWMutex
	mems     map[string]*model.Memory
	out      map[string]map[string]map[string]*model.Relation // source -> target -> type
	in       map[string]map[string]map[string]*model.Relation // target -> source -> type
	sessions map[string]*model.Session
	history  map[string][]model.HistoryEntry
}

// New creates an empty graph+vector store.
func New() *Store {
	return &Store{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		mems:        make(map[string]*model.Memory),
		out:         make(map[string]map[string]map[string]*model.Relation),
		in:          make(map[string]map[string]map[string]*model.Relation),
		sessions:    make(map[string]*model.Session),
		history:     make(map[string][]model.HistoryEntry),
	}
}

// Close is a no-op; the store is fully in-process.
func (s *Store) Close() error { return nil }

func collectionName(projectID string) string {
	if projectID == "" {
		return "global"
	}
	return "proj_" + projectID
}

// collection returns the vector collection for a project, creating it on
// first use. Caller must hold s.mu for writing; read paths look the
// collection up directly and treat a missing one as empty.
func (s *Store) collection(projectID string) (*chromem.Collection, error) {
	name := collectionName(projectID)
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	// Embeddings are supplied by the engine, so no embedding func here.
	col, err := s.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %v: %w", name, err, model.ErrBackendUnavailable)
	}
	s.collections[name] = col
	return col, nil
}

func cloneMemory(m *model.Memory) *model.Memory {
	c := *m
	if m.Tags != nil {
		c.Tags = append([]string(nil), m.Tags...)
	}
	if m.Embedding != nil {
		c.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.AccessedAt != nil {
		t := *m.AccessedAt
		c.AccessedAt = &t
	}
	return &c
}

// PutMemory inserts a new memory and indexes its embedding.
func (s *Store) PutMemory(ctx context.Context, m *model.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mems[m.ID]; exists {
		return fmt.Errorf("memory %s already exists: %w", m.ID, model.ErrInvalidArgument)
	}
	if err := s.indexEmbedding(ctx, m); err != nil {
		return err
	}
	s.mems[m.ID] = cloneMemory(m)
	return nil
}

// indexEmbedding (re)writes the memory's vector document. Caller holds s.mu.
func (s *Store) indexEmbedding(ctx context.Context, m *model.Memory) error {
	if len(m.Embedding) == 0 {
		return nil
	}
	col, err := s.collection(m.ProjectID)
	if err != nil {
		return err
	}
	// chromem has no in-place update; drop any stale document first.
	_ = col.Delete(ctx, nil, nil, m.ID)
	doc := chromem.Document{
		ID:        m.ID,
		Content:   m.Title,
		Embedding: append([]float32(nil), m.Embedding...),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("indexing embedding for %s: %v: %w", m.ID, err, model.ErrBackendUnavailable)
	}
	return nil
}

// GetMemory returns one memory by id.
func (s *Store) GetMemory(_ context.Context, id string) (*model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mems[id]
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	return cloneMemory(m), nil
}

// GetMemories returns the memories for the given ids, skipping absent ones.
func (s *Store) GetMemories(_ context.Context, ids []string) ([]model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Memory
	for _, id := range ids {
		if m, ok := s.mems[id]; ok {
			out = append(out, *cloneMemory(m))
		}
	}
	return out, nil
}

// UpdateMemory overwrites a stored memory and reindexes its embedding.
func (s *Store) UpdateMemory(ctx context.Context, m *model.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mems[m.ID]; !ok {
		return fmt.Errorf("memory %s: %w", m.ID, model.ErrNotFound)
	}
	if err := s.indexEmbedding(ctx, m); err != nil {
		return err
	}
	s.mems[m.ID] = cloneMemory(m)
	return nil
}

// DeleteMemory removes the memory, its vector document, its history, and
// every edge touching it. Returns the removed edges.
func (s *Store) DeleteMemory(ctx context.Context, id string) ([]model.Relation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mems[id]
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}

	var removed []model.Relation
	for tgt, byType := range s.out[id] {
		for _, r := range byType {
			removed = append(removed, *r)
		}
		delete(s.in[tgt], id)
	}
	for src, byType := range s.in[id] {
		for _, r := range byType {
			removed = append(removed, *r)
		}
		delete(s.out[src], id)
	}
	delete(s.out, id)
	delete(s.in, id)
	delete(s.history, id)
	delete(s.mems, id)

	if col, err := s.collection(m.ProjectID); err == nil {
		_ = col.Delete(ctx, nil, nil, id)
	}

	sort.Slice(removed, func(i, j int) bool {
		if removed[i].SourceID != removed[j].SourceID {
			return removed[i].SourceID < removed[j].SourceID
		}
		if removed[i].TargetID != removed[j].TargetID {
			return removed[i].TargetID < removed[j].TargetID
		}
		return removed[i].Type < removed[j].Type
	})
	return removed, nil
}

// ListMemories returns memories matching the filter, newest first with id
// tiebreak for deterministic ordering.
func (s *Store) ListMemories(_ context.Context, f storage.Filter) ([]model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make(map[string]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses[st] = true
	}

	var out []model.Memory
	for _, m := range s.mems {
		if f.ProjectID != "" && m.ProjectID != f.ProjectID {
			continue
		}
		if f.Kind != "" && m.Kind != f.Kind {
			continue
		}
		if f.SessionID != "" && m.SessionID != f.SessionID {
			continue
		}
		if len(statuses) > 0 && !statuses[m.Status] {
			continue
		}
		if f.Since != nil && m.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && m.CreatedAt.After(*f.Until) {
			continue
		}
		if !hasAllTags(m.Tags, f.Tags) {
			continue
		}
		out = append(out, *cloneMemory(m))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// Touch increments access_count and sets accessed_at.
func (s *Store) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mems[id]
	if !ok {
		return fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	m.AccessCount++
	t := at
	m.AccessedAt = &t
	return nil
}

// Nearest queries the project's vector collection and filters hits by kind
// and status. chromem returns exact cosine similarities, so the top-K
// contract holds.
func (s *Store) Nearest(ctx context.Context, q storage.NearestQuery) ([]storage.Neighbor, error) {
	// Collections are created by the write path only; a project with no
	// indexed embeddings simply has no neighbors.
	s.mu.RLock()
	col := s.collections[collectionName(q.ProjectID)]
	s.mu.RUnlock()
	if col == nil {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	// Kind/status filtering happens after the vector query, so ask for the
	// whole collection and trim below.
	results, err := col.QueryEmbedding(ctx, q.Vector, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %v: %w", err, model.ErrBackendUnavailable)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var neighbors []storage.Neighbor
	for _, res := range results {
		m, ok := s.mems[res.ID]
		if !ok {
			continue
		}
		if q.Kind != "" && m.Kind != q.Kind {
			continue
		}
		if q.ActiveOnly && m.Status != model.StatusActive {
			continue
		}
		neighbors = append(neighbors, storage.Neighbor{
			ID:         res.ID,
			Similarity: float64(res.Similarity),
		})
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
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
