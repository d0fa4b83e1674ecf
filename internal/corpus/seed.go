package corpus

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

// Chunk size bounds for seed imports. Chunks shorter than minChunkLen carry
// too little signal to embed usefully and are merged forward.
const (
	minChunkLen = 40
	maxChunkLen = 2000
)

// Seeder imports existing exercise documents into the persistent corpus so
// historical duplicate detection has a population before the first batch
// runs.
type Seeder struct {
	embedder *Embedder
	store    VectorStore
}

// NewSeeder creates a Seeder writing into the given vector store.
func NewSeeder(embedder *Embedder, store VectorStore) *Seeder {
	return &Seeder{embedder: embedder, store: store}
}

// SeedPDF extracts the plain text of a PDF file, chunks it, and upserts each
// chunk into the corpus. Returns the number of chunks imported.
func (s *Seeder) SeedPDF(ctx context.Context, path string) (int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return 0, fmt.Errorf("extracting text from %s: %w", path, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return 0, fmt.Errorf("reading text from %s: %w", path, err)
	}

	return s.SeedText(ctx, path, buf.String())
}

// SeedText chunks raw text and upserts each chunk into the corpus. Chunk ids
// are derived from content hashes, so re-seeding the same document is
// idempotent.
func (s *Seeder) SeedText(ctx context.Context, source, text string) (int, error) {
	chunks := chunkText(text)
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := s.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embedding seed chunks: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"source": source, "origin": "seed"})
	if err != nil {
		return 0, fmt.Errorf("marshalling seed payload: %w", err)
	}

	for i, chunk := range chunks {
		rec := Record{
			ID:          seedID(chunk),
			TextChunk:   chunk,
			Embedding:   vectors[i],
			PayloadJSON: string(payload),
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.store.Upsert(ctx, Items, rec); err != nil {
			return i, fmt.Errorf("upserting seed chunk %d: %w", i, err)
		}
	}
	return len(chunks), nil
}

func seedID(chunk string) string {
	sum := sha256.Sum256([]byte(chunk))
	return "seed:" + hex.EncodeToString(sum[:8])
}

// chunkText splits text into paragraph-ish chunks between minChunkLen and
// maxChunkLen bytes. Short paragraphs are merged with their successor; an
// overlong paragraph is split at the length cap.
func chunkText(text string) []string {
	paras := strings.Split(text, "\n\n")
	var chunks []string
	var pending string

	flush := func() {
		trimmed := strings.TrimSpace(pending)
		if len(trimmed) >= minChunkLen {
			chunks = append(chunks, trimmed)
		}
		pending = ""
	}

	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if pending != "" {
			pending += "\n\n"
		}
		pending += p

		for len(pending) > maxChunkLen {
			head := pending[:maxChunkLen]
			pending = pending[maxChunkLen:]
			chunks = append(chunks, strings.TrimSpace(head))
		}
		if len(pending) >= minChunkLen {
			flush()
		}
	}
	flush()

	return chunks
}
