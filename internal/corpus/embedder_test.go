package corpus

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

type mockEngine struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(ctx, text)
}

func TestEmbed(t *testing.T) {
	e := NewEmbedder(&mockEngine{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			return []float32{float32(len(text))}, nil
		},
	})

	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 1 || vec[0] != 5 {
		t.Errorf("vec = %v, want [5]", vec)
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	e := NewEmbedder(&mockEngine{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			return []float32{float32(len(text))}, nil
		},
	})

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff"}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if v[0] != float32(i+1) {
			t.Errorf("vecs[%d] = %v, want [%d]", i, v, i+1)
		}
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	e := NewEmbedder(&mockEngine{})
	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("vecs = %v, want nil", vecs)
	}
}

func TestEmbedBatchPropagatesError(t *testing.T) {
	e := NewEmbedder(&mockEngine{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			if strings.Contains(text, "bad") {
				return nil, fmt.Errorf("model refused")
			}
			return []float32{1}, nil
		},
	})

	_, err := e.EmbedBatch(context.Background(), []string{"ok", "bad", "ok"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "model refused") {
		t.Errorf("error = %v, want wrapped engine error", err)
	}
}
