// Package memory implements the vector memory substrate: a deterministic
// text embedder, a cosine-similarity index with crash-safe persistence, and
// the JSONL-backed store partitioned by memory kind.
package memory

import (
	"context"
	"math"

	"golang.org/x/crypto/blake2b"
)

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HashEmbedder is the default provider: a BLAKE2b digest tiled to the target
// dimension and standardized. Deterministic, offline, and good enough for
// coarse recall; a real embedding provider can be swapped in through the
// Embedder interface.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates an embedder with the given dimensionality.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim < 1 {
		dim = 384
	}
	return &HashEmbedder{dim: dim}
}

// Dimensions returns the embedding size.
func (e *HashEmbedder) Dimensions() int { return e.dim }

// Embed produces the deterministic vector for text.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	digest := blake2b.Sum512([]byte(text))

	vec := make([]float32, e.dim)
	for i := range vec {
		vec[i] = float32(digest[i%len(digest)])
	}

	// Standardize: zero mean, unit-ish variance.
	var mean float64
	for _, v := range vec {
		mean += float64(v)
	}
	mean /= float64(len(vec))

	var variance float64
	for _, v := range vec {
		d := float64(v) - mean
		variance += d * d
	}
	std := math.Sqrt(variance/float64(len(vec))) + 1e-6

	for i, v := range vec {
		vec[i] = float32((float64(v) - mean) / std)
	}
	return vec, nil
}
