package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"drillforge/internal/corpus"
)

// Tier identifies which cache layer answered a lookup.
type Tier int

const (
	TierSemantic Tier = 1 // similarity match in the vector store
	TierExact    Tier = 2 // exact key match
	TierOrigin   Tier = 3 // origin call
)

func (t Tier) String() string {
	switch t {
	case TierSemantic:
		return "semantic"
	case TierExact:
		return "exact"
	case TierOrigin:
		return "origin"
	}
	return "unknown"
}

// keyPrefix namespaces query keys in both tiers so pattern invalidation can
// address them as a group.
const keyPrefix = "q:"

// backfillTimeout bounds the detached vector writes that happen off the
// lookup path.
const backfillTimeout = 30 * time.Second

// KV is the exact-match tier, satisfied by *storage.Store.
type KV interface {
	CacheGet(key string) (string, bool, error)
	CachePut(key, payload string, ttl time.Duration) error
	CacheInvalidatePrefix(prefix string) (int, error)
}

// Embedder produces the query vectors used by the semantic tier.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Origin produces the payload when both cache tiers miss.
type Origin func(ctx context.Context) (string, error)

// Result is a successful lookup: the payload and which tier served it.
// Similarity is set only for semantic-tier hits.
type Result struct {
	Payload    string
	Tier       Tier
	Similarity float32
}

// Cache is a three-tier lookup cache. Tier 1 matches semantically against a
// vector collection; Tier 2 matches the exact normalized query; Tier 3 calls
// the origin and populates both tiers with a TTL. Vector writes happen off
// the lookup path in detached tasks whose failures are logged.
type Cache struct {
	vectors   corpus.VectorStore
	kv        KV
	embedder  Embedder
	threshold float32
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// New creates a cache. threshold is the minimum similarity for a Tier-1 hit;
// ttl bounds the lifetime of entries in both cache tiers.
func New(vectors corpus.VectorStore, kv KV, embedder Embedder, threshold float32, ttl time.Duration) *Cache {
	return &Cache{
		vectors:   vectors,
		kv:        kv,
		embedder:  embedder,
		threshold: threshold,
		ttl:       ttl,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// Lookup resolves query through the tiers in order. The origin is invoked
// only when both cache tiers miss; its result is written to both tiers
// before returning.
func (c *Cache) Lookup(ctx context.Context, query string, origin Origin) (Result, error) {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("embedding cache query: %w", err)
	}

	// Tier 1: semantic match. Entries past the TTL are invisible; they are
	// replaced on the origin path and reclaimed in bulk by SweepExpired.
	hits, err := c.vectors.Search(ctx, corpus.SemanticCache, vec, 5, c.threshold)
	if err != nil {
		return Result{}, fmt.Errorf("searching semantic cache: %w", err)
	}
	for _, hit := range hits {
		if c.expired(hit.CreatedAt) {
			continue
		}
		return Result{Payload: hit.PayloadJSON, Tier: TierSemantic, Similarity: hit.Score}, nil
	}

	// Tier 2: exact key match. A hit here means the semantic tier has no
	// record for this query yet, so backfill it for future near-miss queries.
	key := Key(query)
	payload, found, err := c.kv.CacheGet(key)
	if err != nil {
		return Result{}, fmt.Errorf("reading exact cache: %w", err)
	}
	if found {
		c.writeVectorDetached(key, query, vec, payload)
		return Result{Payload: payload, Tier: TierExact}, nil
	}

	// Tier 3: origin.
	payload, err = origin(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := c.kv.CachePut(key, payload, c.ttl); err != nil {
		c.logger.Warn("storing exact cache entry", "key", key, "error", err)
	}
	c.writeVectorDetached(key, query, vec, payload)
	return Result{Payload: payload, Tier: TierOrigin}, nil
}

// InvalidatePattern removes all entries whose key starts with prefix from
// both tiers and returns the number of exact-tier entries removed. An empty
// prefix clears every query entry.
func (c *Cache) InvalidatePattern(ctx context.Context, prefix string) (int, error) {
	full := prefix
	if !strings.HasPrefix(full, keyPrefix) {
		full = keyPrefix + full
	}
	n, err := c.kv.CacheInvalidatePrefix(full)
	if err != nil {
		return 0, fmt.Errorf("invalidating exact cache: %w", err)
	}
	if _, err := c.vectors.DeleteByPrefix(ctx, corpus.SemanticCache, full); err != nil {
		return n, fmt.Errorf("invalidating semantic cache: %w", err)
	}
	return n, nil
}

// SweepExpired removes semantic-tier entries past the TTL and returns the
// number removed. The exact tier sweeps itself; this is its counterpart for
// entries that lookups have stopped seeing.
func (c *Cache) SweepExpired(ctx context.Context) (int, error) {
	if c.ttl <= 0 {
		return 0, nil
	}
	n, err := c.vectors.DeleteOlderThan(ctx, corpus.SemanticCache, c.now().Add(-c.ttl))
	if err != nil {
		return 0, fmt.Errorf("sweeping semantic cache: %w", err)
	}
	return n, nil
}

// Wait blocks until all detached vector writes have finished. Called on
// shutdown and by tests.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) expired(createdAt time.Time) bool {
	return c.ttl > 0 && c.now().Sub(createdAt) > c.ttl
}

// writeVectorDetached upserts the query into the semantic tier without
// blocking the lookup path. Failures are logged, not returned.
func (c *Cache) writeVectorDetached(key, query string, vec []float32, payload string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
		defer cancel()
		err := c.vectors.Upsert(ctx, corpus.SemanticCache, corpus.Record{
			ID:          key,
			TextChunk:   query,
			Embedding:   vec,
			PayloadJSON: payload,
			CreatedAt:   c.now().UTC(),
		})
		if err != nil {
			c.logger.Warn("storing semantic cache entry", "key", key, "error", err)
		}
	}()
}

// Key returns the stable exact-match key for a query: a namespaced SHA-256
// of the query with case folded and whitespace collapsed.
func Key(query string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := sha256.Sum256([]byte(norm))
	return keyPrefix + hex.EncodeToString(sum[:])
}
