// Package chromem adapts chromem-go, a pure Go embedded vector database,
// as the retrieval.VectorIndex backend.
package chromem

import (
	"context"
	"fmt"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/luminara-labs/deskflow/retrieval"
)

const collectionName = "knowledge_base"

// Index stores knowledge-base chunks in a single chromem collection.
type Index struct {
	db  *chromemgo.DB
	col *chromemgo.Collection
}

// New creates an in-memory index.
func New() (*Index, error) {
	return newIndex(chromemgo.NewDB())
}

// NewPersistent creates an index persisted under dir.
func NewPersistent(dir string) (*Index, error) {
	db, err := chromemgo.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open persistent chromem db: %w", err)
	}
	return newIndex(db)
}

func newIndex(db *chromemgo.DB) (*Index, error) {
	// Embeddings are always supplied explicitly, so no embedding func.
	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{db: db, col: col}, nil
}

func (ix *Index) Add(ctx context.Context, doc retrieval.Document, embedding []float32) error {
	err := ix.col.AddDocument(ctx, chromemgo.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: embedding,
		Metadata: map[string]string{
			"document_id": doc.DocumentID,
			"location":    doc.Location,
		},
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (ix *Index) Search(ctx context.Context, embedding []float32, topK int) ([]retrieval.Match, error) {
	// chromem rejects nResults greater than the collection size.
	n := topK
	if count := ix.col.Count(); count < n {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	results, err := ix.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	matches := make([]retrieval.Match, 0, len(results))
	for _, res := range results {
		matches = append(matches, retrieval.Match{
			ID:         res.ID,
			Content:    res.Content,
			DocumentID: res.Metadata["document_id"],
			Location:   res.Metadata["location"],
			// chromem reports cosine similarity (higher = closer);
			// citations rank by distance (lower = closer).
			Distance: 1 - float64(res.Similarity),
		})
	}
	return matches, nil
}
