package semcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"drillforge/internal/corpus"
	"drillforge/internal/storage"
)

// fakeEmbedder maps known texts to fixed vectors so similarity between
// queries is under test control.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func openTestCache(t *testing.T, embedder Embedder) *Cache {
	return openTestCacheTTL(t, embedder, time.Hour)
}

func openTestCacheTTL(t *testing.T, embedder Embedder, ttl time.Duration) *Cache {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	vs := corpus.NewSQLiteStore(st.DB())
	return New(vs, st, embedder, 0.85, ttl)
}

func countingOrigin(payload string) (Origin, *int) {
	calls := new(int)
	return func(context.Context) (string, error) {
		*calls++
		return payload, nil
	}, calls
}

func TestLookupMissCallsOriginAndPopulates(t *testing.T) {
	c := openTestCache(t, &fakeEmbedder{vectors: map[string][]float32{
		"what is a derivative": {1, 0, 0},
	}})
	origin, calls := countingOrigin(`{"answer":"rate of change"}`)

	res, err := c.Lookup(context.Background(), "what is a derivative", origin)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Tier != TierOrigin {
		t.Errorf("tier = %v, want origin", res.Tier)
	}
	if res.Payload != `{"answer":"rate of change"}` {
		t.Errorf("payload = %q", res.Payload)
	}
	if *calls != 1 {
		t.Errorf("origin calls = %d, want 1", *calls)
	}
}

func TestLookupExactHitSkipsOrigin(t *testing.T) {
	c := openTestCache(t, &fakeEmbedder{vectors: map[string][]float32{
		"what is a derivative": {1, 0, 0},
	}})
	origin, calls := countingOrigin(`{"answer":"rate of change"}`)

	if _, err := c.Lookup(context.Background(), "what is a derivative", origin); err != nil {
		t.Fatalf("first Lookup: %v", err)
	}
	// Drop the semantic tier so only the exact tier can answer.
	c.Wait()
	if _, err := c.vectors.DeleteByPrefix(context.Background(), corpus.SemanticCache, keyPrefix); err != nil {
		t.Fatalf("clearing semantic tier: %v", err)
	}

	// Same query, different whitespace and case: the key normalizes both.
	res, err := c.Lookup(context.Background(), "  What is a DERIVATIVE ", origin)
	if err != nil {
		t.Fatalf("second Lookup: %v", err)
	}
	if res.Tier != TierExact {
		t.Errorf("tier = %v, want exact", res.Tier)
	}
	if *calls != 1 {
		t.Errorf("origin calls = %d, want 1", *calls)
	}
}

func TestLookupSemanticHitForRephrasedQuery(t *testing.T) {
	c := openTestCache(t, &fakeEmbedder{vectors: map[string][]float32{
		"what is a derivative":    {1, 0, 0},
		"define derivative of fn": {0.99, 0.1, 0}, // cosine ~0.995 vs the first
	}})
	origin, calls := countingOrigin(`{"answer":"rate of change"}`)

	if _, err := c.Lookup(context.Background(), "what is a derivative", origin); err != nil {
		t.Fatalf("first Lookup: %v", err)
	}
	c.Wait()

	res, err := c.Lookup(context.Background(), "define derivative of fn", origin)
	if err != nil {
		t.Fatalf("second Lookup: %v", err)
	}
	if res.Tier != TierSemantic {
		t.Errorf("tier = %v, want semantic", res.Tier)
	}
	if res.Payload != `{"answer":"rate of change"}` {
		t.Errorf("payload = %q", res.Payload)
	}
	if res.Similarity < 0.85 {
		t.Errorf("similarity = %v, want >= 0.85", res.Similarity)
	}
	if *calls != 1 {
		t.Errorf("origin calls = %d, want 1", *calls)
	}
}

func TestLookupExactHitBackfillsSemanticTier(t *testing.T) {
	c := openTestCache(t, &fakeEmbedder{vectors: map[string][]float32{
		"what is a derivative": {1, 0, 0},
	}})
	origin, _ := countingOrigin(`{"answer":"rate of change"}`)

	if _, err := c.Lookup(context.Background(), "what is a derivative", origin); err != nil {
		t.Fatalf("first Lookup: %v", err)
	}
	c.Wait()
	if _, err := c.vectors.DeleteByPrefix(context.Background(), corpus.SemanticCache, keyPrefix); err != nil {
		t.Fatalf("clearing semantic tier: %v", err)
	}

	if _, err := c.Lookup(context.Background(), "what is a derivative", origin); err != nil {
		t.Fatalf("second Lookup: %v", err)
	}
	c.Wait()

	n, err := c.vectors.Count(context.Background(), corpus.SemanticCache)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("semantic tier count after exact hit = %d, want 1", n)
	}
}

func TestLookupOriginErrorPropagates(t *testing.T) {
	c := openTestCache(t, &fakeEmbedder{vectors: map[string][]float32{}})
	errOrigin := errors.New("upstream search failed")

	_, err := c.Lookup(context.Background(), "anything", func(context.Context) (string, error) {
		return "", errOrigin
	})
	if !errors.Is(err, errOrigin) {
		t.Errorf("Lookup = %v, want origin error", err)
	}

	// A failed origin call must not leave cache entries behind.
	_, found, err := c.kv.CacheGet(Key("anything"))
	if err != nil {
		t.Fatalf("CacheGet: %v", err)
	}
	if found {
		t.Error("exact tier populated despite origin failure")
	}
}

func TestLookupExpiredEntryCallsOriginAgain(t *testing.T) {
	c := openTestCacheTTL(t, &fakeEmbedder{vectors: map[string][]float32{
		"what is a derivative": {1, 0, 0},
	}}, 2*time.Second)
	origin, calls := countingOrigin(`{"answer":"rate of change"}`)

	if _, err := c.Lookup(context.Background(), "what is a derivative", origin); err != nil {
		t.Fatalf("first Lookup: %v", err)
	}
	c.Wait()

	// Let both tiers age past the TTL: the identical query must reach the
	// origin again instead of being served the stale payload.
	time.Sleep(2100 * time.Millisecond)

	res, err := c.Lookup(context.Background(), "what is a derivative", origin)
	if err != nil {
		t.Fatalf("second Lookup: %v", err)
	}
	if res.Tier != TierOrigin {
		t.Errorf("tier after expiry = %v, want origin", res.Tier)
	}
	if *calls != 2 {
		t.Errorf("origin calls = %d, want 2", *calls)
	}
	c.Wait()

	// The refresh rewrote both tiers, so the query is cached again.
	res, err = c.Lookup(context.Background(), "what is a derivative", origin)
	if err != nil {
		t.Fatalf("third Lookup: %v", err)
	}
	if res.Tier != TierSemantic {
		t.Errorf("tier after refresh = %v, want semantic", res.Tier)
	}
	if *calls != 2 {
		t.Errorf("origin calls = %d, want 2", *calls)
	}
}

func TestSweepExpired(t *testing.T) {
	c := openTestCache(t, &fakeEmbedder{})

	stale := corpus.Record{
		ID:        keyPrefix + "stale",
		TextChunk: "old query",
		Embedding: []float32{1, 0, 0},
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	fresh := corpus.Record{
		ID:        keyPrefix + "fresh",
		TextChunk: "recent query",
		Embedding: []float32{0, 1, 0},
		CreatedAt: time.Now().UTC(),
	}
	for _, rec := range []corpus.Record{stale, fresh} {
		if err := c.vectors.Upsert(context.Background(), corpus.SemanticCache, rec); err != nil {
			t.Fatalf("Upsert(%s): %v", rec.ID, err)
		}
	}

	n, err := c.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}

	count, err := c.vectors.Count(context.Background(), corpus.SemanticCache)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("remaining entries = %d, want 1", count)
	}
}

func TestInvalidatePattern(t *testing.T) {
	c := openTestCache(t, &fakeEmbedder{vectors: map[string][]float32{
		"query one": {1, 0, 0},
		"query two": {0, 1, 0},
	}})
	origin, calls := countingOrigin(`{}`)

	for _, q := range []string{"query one", "query two"} {
		if _, err := c.Lookup(context.Background(), q, origin); err != nil {
			t.Fatalf("Lookup(%q): %v", q, err)
		}
	}
	c.Wait()

	n, err := c.InvalidatePattern(context.Background(), "")
	if err != nil {
		t.Fatalf("InvalidatePattern: %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}

	vecCount, _ := c.vectors.Count(context.Background(), corpus.SemanticCache)
	if vecCount != 0 {
		t.Errorf("semantic tier count after invalidation = %d, want 0", vecCount)
	}

	// Both queries now miss straight through to the origin again.
	if _, err := c.Lookup(context.Background(), "query one", origin); err != nil {
		t.Fatalf("Lookup after invalidation: %v", err)
	}
	if *calls != 3 {
		t.Errorf("origin calls = %d, want 3", *calls)
	}
}
