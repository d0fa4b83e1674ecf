package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"drillforge/internal/config"
	"drillforge/internal/corpus"
	"drillforge/internal/dedup"
	"drillforge/internal/llm"
	"drillforge/internal/resilience"
)

// ErrInvalidRequest marks a malformed batch request. It is never retried.
var ErrInvalidRequest = errors.New("invalid batch request")

// BatchRequest asks for Count accepted items generated from Prompt. JobID
// ties accepted corpus entries back to the job that produced them.
type BatchRequest struct {
	JobID  string
	Prompt string
	Count  int
}

// Item is one accepted generation, stored in the corpus under ID.
type Item struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// BatchResult reports what a batch run produced. Saturated means the run
// stopped early because consecutive rejections hit the saturation limit;
// the batch still counts as a success, with fewer items than requested.
type BatchResult struct {
	Items        []Item `json:"items"`
	Requested    int    `json:"requested"`
	AttemptsUsed int    `json:"attempts_used"`
	Saturated    bool   `json:"saturated"`
}

// Shortfall is how many requested items were not produced.
func (r BatchResult) Shortfall() int {
	return r.Requested - len(r.Items)
}

// Worker runs the adaptive generation loop for one job at a time. Every
// engine call goes through the token bucket, circuit breaker and backoff;
// every candidate is checked against the batch session and the persistent
// corpus before acceptance.
type Worker struct {
	engine   llm.Engine
	store    corpus.VectorStore
	detector *dedup.Detector
	bucket   *resilience.TokenBucket
	breaker  *resilience.CircuitBreaker
	backoff  resilience.Backoff
	retryMax int
	tun      config.GenerationConfig
	logger   *slog.Logger
}

// NewWorker wires a worker from config. The bucket and breaker are owned by
// the worker; the vector store is shared with other workers and accessed only
// through idempotent upserts and searches.
func NewWorker(engine llm.Engine, store corpus.VectorStore, cfg config.Config) *Worker {
	return &Worker{
		engine:   engine,
		store:    store,
		detector: dedup.NewDetector(store),
		bucket:   resilience.NewTokenBucket(cfg.Limits.BucketCapacity, cfg.Limits.BucketRefillPerSec),
		breaker: resilience.NewCircuitBreaker(
			cfg.Limits.BreakerFailureThreshold,
			cfg.Limits.BreakerSuccessThreshold,
			config.Duration(cfg.Limits.BreakerTimeout),
		),
		backoff: resilience.Backoff{
			Base: config.Duration(cfg.Limits.RetryBaseDelay),
			Max:  config.Duration(cfg.Limits.RetryMaxDelay),
		},
		retryMax: cfg.Limits.RetryMaxAttempts,
		tun:      cfg.Generation,
		logger:   slog.Default(),
	}
}

// RunBatch produces up to req.Count unique items. onProgress, if non-nil, is
// called with 0-100 after each acceptance. The loop runs sequentially; the
// session scope and adaptive counters are local to this call, so concurrent
// RunBatch calls on different jobs never interfere.
func (w *Worker) RunBatch(ctx context.Context, req BatchRequest, onProgress func(percent int)) (BatchResult, error) {
	if req.Count <= 0 {
		return BatchResult{}, fmt.Errorf("%w: count must be positive, got %d", ErrInvalidRequest, req.Count)
	}
	if req.Prompt == "" {
		return BatchResult{}, fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)
	}

	maxAttempts := MaxAttempts(req.Count)
	scope := dedup.NewSessionScope()
	result := BatchResult{Requested: req.Count}
	consecutiveFailures := 0

	for len(result.Items) < req.Count && result.AttemptsUsed < maxAttempts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.AttemptsUsed++

		progress := float64(len(result.Items)) / float64(req.Count)
		params := NextParams(progress, consecutiveFailures, w.tun)

		text, err := w.callGenerate(ctx, req.Prompt, params)
		if err != nil {
			if isTransient(err) {
				// The attempt is spent but the failure says nothing about
				// duplicate pressure, so the adaptive counters hold still.
				w.logger.Warn("generation attempt failed", "job_id", req.JobID, "error", err)
				continue
			}
			return result, fmt.Errorf("generating candidate: %w", err)
		}

		embedding, err := w.engine.Embed(ctx, text)
		if err != nil {
			if isTransient(err) {
				w.logger.Warn("embedding candidate failed", "job_id", req.JobID, "error", err)
				continue
			}
			return result, fmt.Errorf("embedding candidate: %w", err)
		}

		if m := w.detector.CheckSession(scope, embedding, w.sessionThreshold(params.Threshold)); m.Duplicate {
			w.logger.Debug("rejected by session scope",
				"job_id", req.JobID, "match", m.ID, "similarity", m.Similarity)
			consecutiveFailures++
			if consecutiveFailures >= w.tun.SaturationLimit {
				result.Saturated = true
				break
			}
			continue
		}

		m, err := w.detector.CheckCorpus(ctx, embedding, float32(params.Threshold))
		if err != nil {
			return result, fmt.Errorf("checking corpus: %w", err)
		}
		if m.Duplicate {
			w.logger.Debug("rejected by corpus",
				"job_id", req.JobID, "match", m.ID, "similarity", m.Similarity)
			consecutiveFailures++
			if consecutiveFailures >= w.tun.SaturationLimit {
				result.Saturated = true
				break
			}
			continue
		}

		id := uuid.New().String()
		payload, _ := json.Marshal(map[string]string{"job_id": req.JobID, "origin": "generated"})
		err = w.store.Upsert(ctx, corpus.Items, corpus.Record{
			ID:          id,
			TextChunk:   text,
			Embedding:   embedding,
			PayloadJSON: string(payload),
		})
		if err != nil {
			return result, fmt.Errorf("storing accepted item: %w", err)
		}

		scope.Add(id, text, embedding)
		result.Items = append(result.Items, Item{ID: id, Text: text})
		consecutiveFailures = 0
		if onProgress != nil {
			onProgress(len(result.Items) * 100 / req.Count)
		}
	}

	if result.Saturated {
		w.logger.Info("batch saturated",
			"job_id", req.JobID, "accepted", len(result.Items), "requested", req.Count)
	}
	return result, nil
}

// callGenerate runs one engine call through the full resilience chain.
// Transient failures (including rate-limit rejections and an open breaker)
// are retried with backoff; permanent failures stop the retry loop at once.
func (w *Worker) callGenerate(ctx context.Context, prompt string, p AdaptiveParams) (string, error) {
	var out string
	var permanent error
	err := w.backoff.Retry(ctx, w.retryMax, func(ctx context.Context) error {
		if !w.bucket.TryConsume(1) {
			return resilience.ErrRateLimited
		}
		genErr := w.breaker.Do(ctx, func(ctx context.Context) error {
			text, err := w.engine.Generate(ctx, prompt, llm.Params{
				Temperature: p.Temperature,
				TopP:        p.TopP,
				TopK:        p.TopK,
				MaxTokens:   w.tun.MaxTokens,
			})
			if err != nil {
				return err
			}
			out = text
			return nil
		})
		if genErr != nil && !isTransient(genErr) {
			// Returning nil ends the retry loop; the permanent error is
			// surfaced below.
			permanent = genErr
			return nil
		}
		return genErr
	})
	if err != nil {
		return "", err
	}
	if permanent != nil {
		return "", permanent
	}
	return out, nil
}

// sessionThreshold resolves the intra-batch cutoff: a configured pin when
// set, otherwise the same adaptive threshold as the corpus check.
func (w *Worker) sessionThreshold(adaptive float64) float32 {
	if w.tun.SessionThreshold > 0 {
		return float32(w.tun.SessionThreshold)
	}
	return float32(adaptive)
}

// isTransient extends the engine's classification with the resilience-layer
// rejections, which behave like upstream overload.
func isTransient(err error) bool {
	return llm.IsTransient(err) ||
		errors.Is(err, resilience.ErrRateLimited) ||
		errors.Is(err, resilience.ErrCircuitOpen)
}
