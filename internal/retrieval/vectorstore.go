package retrieval

import (
	"time"
)

// VectorStore holds one embedding per style exemplar and answers
// nearest-neighbour queries over them.
type VectorStore interface {
	// Upsert stores the embeddings, replacing any existing vector of the
	// same exemplar.
	Upsert(records []Record) error

	// Search returns the topK records most similar to vector by cosine
	// similarity, best first.
	Search(vector []float32, topK int) ([]ScoredRecord, error)

	// Delete removes the vector of an exemplar.
	Delete(exemplarID string) error

	// Count returns the number of stored vectors.
	Count() (int, error)
}

// Record is a stored exemplar embedding.
type Record struct {
	ID         string
	ExemplarID string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with its similarity to the query.
type ScoredRecord struct {
	Record
	Score float32
}
