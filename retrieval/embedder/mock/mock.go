// Package mock provides a deterministic embedder for tests and local
// development. It hashes tokens into a fixed-size bag-of-words vector, so
// texts sharing words land close together while identical texts always
// produce identical vectors. No model files required.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder implements retrieval.Embedder without a model.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder. Dimensions match all-MiniLM-L6-v2 so it can
// stand in for the ONNX embedder.
func New() *Embedder {
	return &Embedder{dimensions: 384}
}

// Embed maps each token to a dimension by hash and normalizes the result.
// Pure function of the text: safe for fingerprint-cache tests.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimensions)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		hash := h.Sum64()

		embedding[hash%uint64(e.dimensions)] += 1

		// A second, shifted slot per token reduces collisions between
		// unrelated vocabularies.
		embedding[(hash>>32)%uint64(e.dimensions)] += 0.5
	}
	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// normalize converts the vector to unit length.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
