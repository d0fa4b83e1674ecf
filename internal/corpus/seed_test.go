package corpus

import (
	"context"
	"strings"
	"testing"
)

func TestSeedTextChunksAndUpserts(t *testing.T) {
	vs := openTestStore(t)
	embedder := NewEmbedder(&mockEngine{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			return []float32{float32(len(text)), 1}, nil
		},
	})
	seeder := NewSeeder(embedder, vs)

	text := strings.Repeat("The derivative of a constant function is zero. ", 3) +
		"\n\n" +
		strings.Repeat("Integration by parts applies the product rule in reverse. ", 3)

	n, err := seeder.SeedText(context.Background(), "calc-notes", text)
	if err != nil {
		t.Fatalf("SeedText: %v", err)
	}
	if n != 2 {
		t.Errorf("imported = %d chunks, want 2", n)
	}

	count, err := vs.Count(context.Background(), Items)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("corpus count = %d, want 2", count)
	}

	// Re-seeding the same document must not grow the corpus.
	if _, err := seeder.SeedText(context.Background(), "calc-notes", text); err != nil {
		t.Fatalf("second SeedText: %v", err)
	}
	count, _ = vs.Count(context.Background(), Items)
	if count != 2 {
		t.Errorf("corpus count after reseed = %d, want 2", count)
	}
}

func TestSeedTextSkipsShortFragments(t *testing.T) {
	vs := openTestStore(t)
	embedder := NewEmbedder(&mockEngine{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return []float32{1}, nil
		},
	})
	seeder := NewSeeder(embedder, vs)

	n, err := seeder.SeedText(context.Background(), "stub", "x\n\ny\n\nz")
	if err != nil {
		t.Fatalf("SeedText: %v", err)
	}
	if n != 0 {
		t.Errorf("imported = %d, want 0 for sub-minimum fragments", n)
	}
}

func TestChunkTextSplitsLongParagraphs(t *testing.T) {
	long := strings.Repeat("a", maxChunkLen+500)
	chunks := chunkText(long)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if len(chunks[0]) != maxChunkLen {
		t.Errorf("first chunk length = %d, want %d", len(chunks[0]), maxChunkLen)
	}
}
