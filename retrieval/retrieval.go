// Package retrieval turns a user query into ranked knowledge snippets.
//
// Architecture:
//   - Embedder: text-to-vector conversion (mock for tests, ONNX local,
//     API-based in production)
//   - VectorIndex: nearest-neighbor search backend (chromem-go locally)
//   - Retriever: fingerprinting, response caching and in-flight
//     de-duplication on top of the index
//
// The retriever is the only producer of SourceCitations; the orchestrator
// treats them as read-only.
package retrieval

import "context"

// Embedder converts text to vector embeddings.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Document is one knowledge-base chunk submitted for indexing.
type Document struct {
	ID         string // chunk ID, unique within the index
	DocumentID string // owning source document
	Location   string // position within the source (page, chunk ordinal)
	Content    string
}

// Match is one raw nearest-neighbor result.
type Match struct {
	ID         string
	Content    string
	DocumentID string
	Location   string
	Distance   float64 // lower = more relevant
}

// VectorIndex is the underlying nearest-neighbor search capability.
type VectorIndex interface {
	// Search returns up to topK matches for the embedding, ranked by the
	// backend. The retriever re-sorts, so backend order is not a contract.
	Search(ctx context.Context, embedding []float32, topK int) ([]Match, error)

	// Add indexes a document chunk with its embedding.
	Add(ctx context.Context, doc Document, embedding []float32) error
}
