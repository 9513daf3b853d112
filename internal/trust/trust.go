// Package trust derives a quality score in [0,1] for each memory from
// four factors: verification status, corroboration by incoming relations,
// recency of the last update, and usage. Scores are cached and
// invalidated on mutation, never stored.
package trust

import (
	"context"
	"math"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/engramlabs/engram/internal/model"
	engramotel "github.com/engramlabs/engram/internal/otel"
	"github.com/engramlabs/engram/internal/storage"
)

var tracer = engramotel.Tracer("github.com/engramlabs/engram/internal/trust")

// Config tunes the factor curves and weights.
type Config struct {
	// RecencyHalfLife is the age of updated_at at which the recency factor
	// halves.
	RecencyHalfLife time.Duration
	// Weights for verification, corroboration, recency, usage. They are
	// normalized at scoring time, so only ratios matter.
	WVerification  float64
	WCorroboration float64
	WRecency       float64
	WUsage         float64
}

// DefaultConfig returns equal weights and a 30-day half-life.
func DefaultConfig() Config {
	return Config{
		RecencyHalfLife: 30 * 24 * time.Hour,
		WVerification:   1,
		WCorroboration:  1,
		WRecency:        1,
		WUsage:          1,
	}
}

// Scorer computes and caches trust scores.
type Scorer struct {
	backend storage.Backend
	cfg     Config
	cache   *ristretto.Cache
	now     func() time.Time
}

// NewScorer creates a scorer with a small in-process cache.
func NewScorer(backend storage.Backend, cfg Config) (*Scorer, error) {
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = DefaultConfig().RecencyHalfLife
	}
	if cfg.WVerification+cfg.WCorroboration+cfg.WRecency+cfg.WUsage <= 0 {
		cfg = DefaultConfig()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Scorer{
		backend: backend,
		cfg:     cfg,
		cache:   cache,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the time source (tests).
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Invalidate drops the cached score for id. Wire this to the engine's
// mutation hook so relation changes, verification, touches, updates, and
// deletes all clear stale scores.
func (s *Scorer) Invalidate(id string) {
	s.cache.Del(id)
}

// Close releases the cache.
func (s *Scorer) Close() {
	s.cache.Close()
}

// Factors is the score decomposition returned by Assess.
type Factors struct {
	Verification  float64 `json:"verification"`
	Corroboration float64 `json:"corroboration"`
	Recency       float64 `json:"recency"`
	Usage         float64 `json:"usage"`
}

// Score returns the trust score for id, computing it on a cache miss.
func (s *Scorer) Score(ctx context.Context, id string) (float64, error) {
	if v, ok := s.cache.Get(id); ok {
		if score, ok := v.(float64); ok {
			return score, nil
		}
	}
	m, err := s.backend.GetMemory(ctx, id)
	if err != nil {
		return 0, err
	}
	score, _, err := s.score(ctx, m)
	if err != nil {
		return 0, err
	}
	s.cache.Set(id, score, 1)
	return score, nil
}

// ScoreMemory scores an already-loaded memory, skipping the backend read.
// Search uses it on result sets where the rows are already in hand.
func (s *Scorer) ScoreMemory(ctx context.Context, m *model.Memory) (float64, error) {
	if v, ok := s.cache.Get(m.ID); ok {
		if score, ok := v.(float64); ok {
			return score, nil
		}
	}
	score, _, err := s.score(ctx, m)
	if err != nil {
		return 0, err
	}
	s.cache.Set(m.ID, score, 1)
	return score, nil
}

func (s *Scorer) score(ctx context.Context, m *model.Memory) (float64, Factors, error) {
	incoming, err := s.backend.Relations(ctx, m.ID, storage.DirIncoming)
	if err != nil {
		return 0, Factors{}, err
	}

	f := Factors{
		Verification:  verificationFactor(m.VerificationStatus),
		Corroboration: corroborationFactor(incoming),
		Recency:       s.recencyFactor(m.UpdatedAt),
		Usage:         usageFactor(m.AccessCount),
	}
	total := s.cfg.WVerification + s.cfg.WCorroboration + s.cfg.WRecency + s.cfg.WUsage
	score := (s.cfg.WVerification*f.Verification +
		s.cfg.WCorroboration*f.Corroboration +
		s.cfg.WRecency*f.Recency +
		s.cfg.WUsage*f.Usage) / total
	return clamp01(score), f, nil
}

func verificationFactor(status string) float64 {
	switch status {
	case model.VerificationVerified:
		return 1.0
	case model.VerificationDisputed:
		return 0.1
	case model.VerificationOutdated:
		return 0.0
	default:
		return 0.5
	}
}

// corroborationFactor starts neutral at 0.5. Each incoming supporting edge
// (fixes, related) halves the remaining distance to 1; each incoming
// contradicts halves the distance to 0. Incoming supersedes and caused_by
// edges carry no signal: being superseded or blamed for an error says
// nothing in favor of the content. The saturation keeps the factor in
// [0,1] no matter how many edges arrive.
func corroborationFactor(incoming []model.Relation) float64 {
	f := 0.5
	for _, r := range incoming {
		switch r.Type {
		case model.RelationFixes, model.RelationRelated:
			f += (1 - f) / 2
		case model.RelationContradicts:
			f /= 2
		}
	}
	return clamp01(f)
}

func (s *Scorer) recencyFactor(updatedAt time.Time) float64 {
	age := s.now().Sub(updatedAt)
	if age <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * age.Hours() / s.cfg.RecencyHalfLife.Hours())
}

// usageFactor saturates on a log scale: 0 accesses scores 0, ~10 scores
// about half, and growth flattens beyond that.
func usageFactor(accessCount int) float64 {
	if accessCount <= 0 {
		return 0
	}
	return clamp01(math.Log1p(float64(accessCount)) / math.Log1p(100))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Issue flags raised by Assess.
const (
	IssueLowCorroboration   = "low-corroboration"
	IssueStale              = "stale"
	IssueDisputedUnverified = "disputed-unverified"
	IssueNeverAccessed      = "never-accessed"
)

// Assessment is the diagnostic view of one memory's quality.
type Assessment struct {
	MemoryID string   `json:"memory_id"`
	Score    float64  `json:"score"`
	Factors  Factors  `json:"factors"`
	Issues   []string `json:"issues,omitempty"`
}

// Assess scores the memory and flags quality issues. The flags are
// diagnostic only, nothing in the engine acts on them.
func (s *Scorer) Assess(ctx context.Context, id string) (*Assessment, error) {
	ctx, span := tracer.Start(ctx, "trust.assess",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	m, err := s.backend.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	score, f, err := s.score(ctx, m)
	if err != nil {
		return nil, err
	}
	s.cache.Set(id, score, 1)

	a := &Assessment{MemoryID: id, Score: score, Factors: f}
	if f.Corroboration < 0.5 {
		a.Issues = append(a.Issues, IssueLowCorroboration)
	}
	if f.Recency < 0.25 {
		a.Issues = append(a.Issues, IssueStale)
	}
	if m.VerificationStatus == model.VerificationDisputed ||
		(m.VerificationStatus == model.VerificationUnverified && f.Corroboration < 0.5) {
		a.Issues = append(a.Issues, IssueDisputedUnverified)
	}
	if m.AccessCount == 0 {
		a.Issues = append(a.Issues, IssueNeverAccessed)
	}
	span.SetAttributes(
		attribute.Float64("memory.trust_score", score),
		attribute.Int("memory.issues", len(a.Issues)),
	)
	return a, nil
}
