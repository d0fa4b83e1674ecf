package dedup

import (
	"context"
	"fmt"

	"drillforge/internal/corpus"
)

// Match is the outcome of a duplicate check. ID and Similarity describe the
// best match found, whether or not it crossed the threshold.
type Match struct {
	Duplicate  bool
	ID         string
	Similarity float32
}

// Detector decides whether a candidate embedding duplicates prior content.
// Session checks compare pairwise against the in-memory batch scope; corpus
// checks run a nearest-neighbor search over the persistent store. The two
// scopes take independent thresholds.
type Detector struct {
	store corpus.VectorStore
}

// NewDetector creates a detector backed by the given vector store.
func NewDetector(store corpus.VectorStore) *Detector {
	return &Detector{store: store}
}

// CheckSession compares the candidate embedding pairwise against every item
// accepted so far in the session. Duplicate is true when the best match's
// cosine similarity is at or above threshold.
func (d *Detector) CheckSession(scope *SessionScope, embedding []float32, threshold float32) Match {
	var best Match
	for _, item := range scope.Items() {
		sim := corpus.Cosine(embedding, item.Embedding)
		if sim > best.Similarity || best.ID == "" {
			best.ID = item.ID
			best.Similarity = sim
		}
	}
	if best.ID == "" {
		return Match{}
	}
	best.Duplicate = best.Similarity >= threshold
	return best
}

// CheckCorpus searches the persistent corpus for the nearest neighbor of the
// candidate embedding. Duplicate is true when the best match's similarity is
// at or above threshold.
func (d *Detector) CheckCorpus(ctx context.Context, embedding []float32, threshold float32) (Match, error) {
	results, err := d.store.Search(ctx, corpus.Items, embedding, 1, 0)
	if err != nil {
		return Match{}, fmt.Errorf("searching corpus for duplicates: %w", err)
	}
	if len(results) == 0 {
		return Match{}, nil
	}
	best := results[0]
	return Match{
		Duplicate:  best.Score >= threshold,
		ID:         best.ID,
		Similarity: best.Score,
	}, nil
}
