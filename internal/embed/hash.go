package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDims is the vector dimension for the offline hash embedder.
const DefaultHashDims = 256

// HashEmbedder is the default offline provider: it projects term
// frequencies into a fixed-dimension vector via feature hashing. The same
// text always produces the same vector, and texts sharing vocabulary score
// high cosine similarity, which is what dedup and the test suite rely on.
// It is not a semantic model; deployments wanting real semantics configure
// Ollama or an OpenAI-compatible provider instead.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a hash embedder with the given dimension.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDims
	}
	return &HashEmbedder{dims: dims}
}

// Embed hashes each token into two buckets with ±1 sign and L2-normalizes
// the result. Never fails and ignores ctx: there is no I/O.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()

		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if (sum>>32)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign

		// Second bucket reduces hash collisions between unrelated terms.
		idx2 := int((sum >> 17) % uint64(e.dims))
		vec[idx2] += sign * 0.5
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// Dims returns the configured vector dimension.
func (e *HashEmbedder) Dims() int { return e.dims }

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
