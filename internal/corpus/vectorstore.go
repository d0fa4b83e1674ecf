package corpus

import (
	"context"
	"time"
)

// Collection names used by the pipeline. Items is the persistent corpus of
// accepted content; SemanticCache backs Tier 1 of the lookup cache.
const (
	Items         = "items"
	SemanticCache = "semcache"
)

// VectorStore is the interface for vector storage and similarity search
// backends. The shipped implementation is SQLite with brute-force cosine
// scan; an ANN-backed store can replace it behind the same interface when
// corpus size makes the scan noticeable.
type VectorStore interface {
	// Upsert writes a record keyed by (collection, rec.ID). Re-upserting an
	// existing id replaces the stored text/embedding/payload — idempotent,
	// safe for concurrent writers.
	Upsert(ctx context.Context, collection string, rec Record) error

	// Search returns the topK records most similar to vector, best first,
	// excluding anything scoring below minScore. minScore <= 0 disables the
	// floor.
	Search(ctx context.Context, collection string, vector []float32, topK int, minScore float32) ([]ScoredRecord, error)

	// Delete removes a record by id.
	Delete(ctx context.Context, collection, id string) error

	// DeleteByPrefix removes all records whose id starts with prefix and
	// returns the number removed.
	DeleteByPrefix(ctx context.Context, collection, prefix string) (int, error)

	// DeleteOlderThan removes all records created before cutoff and returns
	// the number removed.
	DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time) (int, error)

	// Count returns the number of records in the collection.
	Count(ctx context.Context, collection string) (int, error)
}

// Record represents a row in the vector store.
type Record struct {
	ID          string
	TextChunk   string
	Embedding   []float32
	PayloadJSON string
	CreatedAt   time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
