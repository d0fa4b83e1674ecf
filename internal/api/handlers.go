package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"drillforge/internal/corpus"
	"drillforge/internal/semcache"
	"drillforge/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxSeedBodySize = 10 << 20   // 10MB

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Store    *storage.Store
	Vectors  corpus.VectorStore
	Embedder *corpus.Embedder
	Seeder   *corpus.Seeder
	Cache    *semcache.Cache
	Token    string
}

// NewHandler returns the drillforge HTTP API. Everything except /health
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/jobs", handleEnqueueJob(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/corpus/search", handleCorpusSearch(deps))
		r.Post("/corpus/seed", handleCorpusSeed(deps))
		r.Delete("/cache", handleInvalidateCache(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// EnqueueRequest is the body of POST /jobs. ID is optional; providing one
// makes the enqueue idempotent on that id.
type EnqueueRequest struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Prompt   string `json:"prompt"`
	Count    int    `json:"count"`
	Priority int    `json:"priority"`
}

func handleEnqueueJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Kind == "" {
			req.Kind = storage.KindBatch
		}
		if req.Kind != storage.KindSingleItem && req.Kind != storage.KindBatch {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown job kind %q", req.Kind)
			return
		}
		if req.Prompt == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}
		if req.Kind == storage.KindBatch && req.Count <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "count must be positive for batch jobs")
			return
		}

		id := req.ID
		if id == "" {
			id = uuid.New().String()
		}

		payload, err := json.Marshal(map[string]any{"prompt": req.Prompt, "count": req.Count})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job payload: %v", err)
			return
		}

		job := storage.Job{
			ID:          id,
			Kind:        req.Kind,
			PayloadJSON: string(payload),
			Priority:    req.Priority,
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"id":    id,
			"state": storage.JobWaiting,
		})
	}
}

// jobView is the JSON shape of a job in status responses. Result and error
// are present only in the matching terminal state.
type jobView struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	State     string          `json:"state"`
	Progress  int             `json:"progress"`
	Attempts  int             `json:"attempts_made"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

func viewOf(j storage.Job) jobView {
	v := jobView{
		ID:        j.ID,
		Kind:      j.Kind,
		State:     j.State,
		Progress:  j.Progress,
		Attempts:  j.Attempts,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: j.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if j.ResultJSON != "" {
		v.Result = json.RawMessage(j.ResultJSON)
	}
	return v
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(viewOf(job))
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		limit := parseIntParam(r, "limit", 20, 100)

		jobs, err := deps.Store.ListJobs(state, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		views := make([]jobView, len(jobs))
		for i, j := range jobs {
			views[i] = viewOf(j)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

// searchResult is one corpus search hit.
type searchResult struct {
	ID      string  `json:"id"`
	Text    string  `json:"text"`
	Score   float32 `json:"score"`
	Payload string  `json:"payload,omitempty"`
}

// handleCorpusSearch answers searches through the multi-tier cache: repeated
// and near-identical queries are served from the cache without touching the
// embedder twice or rescanning the corpus.
func handleCorpusSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 5, 50)

		res, err := deps.Cache.Lookup(r.Context(), query, func(ctx context.Context) (string, error) {
			return searchCorpus(ctx, deps, query, limit)
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache-Tier", res.Tier.String())
		fmt.Fprint(w, res.Payload)
	}
}

// searchCorpus is the cache origin: embed the query and scan the corpus.
func searchCorpus(ctx context.Context, deps Deps, query string, limit int) (string, error) {
	vec, err := deps.Embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embedding query: %w", err)
	}
	records, err := deps.Vectors.Search(ctx, corpus.Items, vec, limit, 0)
	if err != nil {
		return "", fmt.Errorf("searching corpus: %w", err)
	}

	results := make([]searchResult, len(records))
	for i, rec := range records {
		results[i] = searchResult{
			ID:      rec.ID,
			Text:    rec.TextChunk,
			Score:   rec.Score,
			Payload: rec.PayloadJSON,
		}
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("encoding search results: %w", err)
	}
	return string(b), nil
}

// SeedRequest is the body of POST /corpus/seed. Content is plain text, or
// base64-encoded PDF bytes when type is "pdf".
type SeedRequest struct {
	Source  string `json:"source"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

func handleCorpusSeed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSeedBodySize)
		defer r.Body.Close()

		var req SeedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Source == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "source is required")
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}

		var imported int
		switch req.Type {
		case "text":
			n, err := deps.Seeder.SeedText(r.Context(), req.Source, req.Content)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "seeding failed: %v", err)
				return
			}
			imported = n

		case "pdf":
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			tmp, err := os.CreateTemp("", "drillforge-seed-*.pdf")
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "creating temp file: %v", err)
				return
			}
			defer os.Remove(tmp.Name())
			if _, err := tmp.Write(decoded); err != nil {
				tmp.Close()
				httpError(w, http.StatusInternalServerError, "api_error", "writing temp file: %v", err)
				return
			}
			tmp.Close()

			n, err := deps.Seeder.SeedPDF(r.Context(), tmp.Name())
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "seeding failed: %v", err)
				return
			}
			imported = n

		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown seed type %q", req.Type)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"imported": imported})
	}
}

func handleInvalidateCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Query().Get("pattern")

		removed, err := deps.Cache.InvalidatePattern(r.Context(), pattern)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "invalidation failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"removed": removed})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
