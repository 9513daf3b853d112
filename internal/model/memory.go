// Package model defines the shared domain types for the memory engine:
// memories, relations, sessions, and audit history entries.
package model

import (
	"fmt"
	"time"
)

// Memory kinds — fixed enumeration, never freeform.
const (
	KindObservation = "observation"
	KindDecision    = "decision"
	KindPattern     = "pattern"
	KindError       = "error"
	KindFix         = "fix"
	KindPreference  = "preference"
	KindFact        = "fact"
	KindLesson      = "lesson"
	KindTodo        = "todo"
)

var validKinds = map[string]bool{
	KindObservation: true,
	KindDecision:    true,
	KindPattern:     true,
	KindError:       true,
	KindFix:         true,
	KindPreference:  true,
	KindFact:        true,
	KindLesson:      true,
	KindTodo:        true,
}

// ValidKind reports whether kind is one of the fixed memory kinds.
func ValidKind(kind string) bool {
	return validKinds[kind]
}

// ValidKinds returns all recognized memory kinds in stable order.
func ValidKinds() []string {
	return []string{
		KindObservation, KindDecision, KindPattern, KindError, KindFix,
		KindPreference, KindFact, KindLesson, KindTodo,
	}
}

// Lifecycle statuses. Superseded is terminal; archived is reversible.
const (
	StatusActive     = "active"
	StatusArchived   = "archived"
	StatusSuperseded = "superseded"
)

// Verification statuses for trust scoring.
const (
	VerificationUnverified = "unverified"
	VerificationVerified   = "verified"
	VerificationDisputed   = "disputed"
	VerificationOutdated   = "outdated"
)

var validVerifications = map[string]bool{
	VerificationUnverified: true,
	VerificationVerified:   true,
	VerificationDisputed:   true,
	VerificationOutdated:   true,
}

// ValidVerification reports whether v is a recognized verification status.
func ValidVerification(v string) bool {
	return validVerifications[v]
}

// Provenance sources.
const (
	SourceManual = "manual"
	SourceAuto   = "auto"
)

// Visibility scopes.
const (
	ScopePublic  = "public"
	ScopeTeam    = "team"
	ScopePrivate = "private"
)

// Memory is the atomic knowledge unit. The ID is immutable once assigned;
// the embedding dimension must equal the provider's configured dimension.
type Memory struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Summary    string   `json:"summary,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Importance float64  `json:"importance"`

	Status       string `json:"status"`
	SupersededBy string `json:"superseded_by,omitempty"`

	Source    string `json:"source"`
	Scope     string `json:"scope"`
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AccessedAt  *time.Time `json:"accessed_at,omitempty"`
	AccessCount int        `json:"access_count"`

	VerificationStatus string `json:"verification_status"`

	// Embedding is owned by the memory: produced at creation, regenerable
	// via reembed, deleted with the memory.
	Embedding []float32 `json:"-"`
}

// TokenCost estimates the prompt token cost of the memory's content.
// Deterministic by construction (1 token ≈ 4 chars).
func (m *Memory) TokenCost() int {
	return len(m.Content) / 4
}

// Validate checks enumeration and range invariants on the memory.
func (m *Memory) Validate() error {
	if !ValidKind(m.Kind) {
		return fmt.Errorf("memory %s: invalid kind %q: %w", m.ID, m.Kind, ErrInvalidArgument)
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("memory %s: importance %v outside [0,1]: %w", m.ID, m.Importance, ErrInvalidArgument)
	}
	if m.Status != StatusActive && m.Status != StatusArchived && m.Status != StatusSuperseded {
		return fmt.Errorf("memory %s: invalid status %q: %w", m.ID, m.Status, ErrInvalidArgument)
	}
	if !ValidVerification(m.VerificationStatus) {
		return fmt.Errorf("memory %s: invalid verification status %q: %w", m.ID, m.VerificationStatus, ErrInvalidArgument)
	}
	return nil
}
