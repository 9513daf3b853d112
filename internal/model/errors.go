package model

import "errors"

// Error kinds surfaced by the engine. Validation errors (ErrNotFound,
// ErrInvalidRelation, ErrDuplicateRelation) are detected before any
// mutation; collaborator errors abort the operation cleanly.
var (
	// ErrNotFound: a referenced id is absent or already deleted.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRelation: self-loop or reference to a deleted memory.
	ErrInvalidRelation = errors.New("invalid relation")

	// ErrDuplicateRelation: the (source, target, type) triple already exists.
	ErrDuplicateRelation = errors.New("duplicate relation")

	// ErrEmbeddingUnavailable: the embedding provider is unreachable.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrDimensionMismatch: a stored embedding does not match the provider's
	// configured dimension. Surfaced distinctly so callers can trigger reembed.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrSummarizationUnavailable: the summarizer failed for one cluster.
	// Non-fatal to consolidation as a whole.
	ErrSummarizationUnavailable = errors.New("summarization unavailable")

	// ErrBackendUnavailable: storage I/O failure, fatal to the operation.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidArgument: an enumeration or range invariant was violated.
	ErrInvalidArgument = errors.New("invalid argument")
)
