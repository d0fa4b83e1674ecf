package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"drillforge/internal/config"
	"drillforge/internal/generate"
	"drillforge/internal/resilience"
	"drillforge/internal/storage"
)

// persistRetries bounds how often a state-transition write is retried before
// the job is failed with the persistence error recorded.
const persistRetries = 3

// BatchRunner runs the generation loop for one job. Satisfied by
// *generate.Worker.
type BatchRunner interface {
	RunBatch(ctx context.Context, req generate.BatchRequest, onProgress func(percent int)) (generate.BatchResult, error)
}

// jobPayload is the parsed payload of both job kinds. Single-item jobs omit
// count.
type jobPayload struct {
	Prompt string `json:"prompt"`
	Count  int    `json:"count,omitempty"`
}

// Pool pulls waiting jobs from the store and runs them on a bounded set of
// worker slots. Each job runs sequentially within its slot; failed runs are
// retried in-slot with backoff up to the configured attempt budget, so the
// job stays active and its state never moves backward.
type Pool struct {
	store        *storage.Store
	runner       BatchRunner
	concurrency  int
	pollInterval time.Duration
	maxAttempts  int
	backoff      resilience.Backoff

	retainAge     time.Duration
	retainCount   int
	sweepInterval time.Duration

	logger *slog.Logger
}

// New wires a pool from config.
func New(store *storage.Store, runner BatchRunner, cfg config.Config) *Pool {
	return &Pool{
		store:        store,
		runner:       runner,
		concurrency:  cfg.Dispatcher.Concurrency,
		pollInterval: config.Duration(cfg.Dispatcher.PollInterval),
		maxAttempts:  cfg.Dispatcher.JobMaxAttempts,
		backoff: resilience.Backoff{
			Base: config.Duration(cfg.Limits.RetryBaseDelay),
			Max:  config.Duration(cfg.Limits.RetryMaxDelay),
		},
		retainAge:     config.Duration(cfg.Dispatcher.RetainAge),
		retainCount:   cfg.Dispatcher.RetainCount,
		sweepInterval: config.Duration(cfg.Dispatcher.SweepInterval),
		logger:        slog.Default(),
	}
}

// Run dispatches jobs until ctx is cancelled, then waits for in-flight jobs
// to finish. Jobs left active by a previous process are failed first; their
// records stay inspectable rather than silently vanishing.
func (p *Pool) Run(ctx context.Context) error {
	if n, err := p.store.FailOrphanedJobs(); err != nil {
		return fmt.Errorf("failing orphaned jobs: %w", err)
	} else if n > 0 {
		p.logger.Warn("failed orphaned jobs from previous run", "count", n)
	}

	go p.sweep(ctx)

	var g errgroup.Group
	g.SetLimit(p.concurrency)

	for ctx.Err() == nil {
		job, err := p.store.ClaimNextJob()
		if err != nil {
			p.logger.Error("claiming next job", "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
			case <-time.After(p.pollInterval):
			}
			continue
		}

		j := *job
		// Blocks while all slots are busy, which is exactly the
		// back-pressure we want on the claim loop.
		g.Go(func() error {
			p.runJob(ctx, j)
			return nil
		})
	}

	g.Wait()
	return ctx.Err()
}

// runJob drives one claimed job to a terminal state.
func (p *Pool) runJob(ctx context.Context, job storage.Job) {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		p.failJob(job.ID, fmt.Errorf("parsing job payload: %w", err))
		return
	}

	count := payload.Count
	if job.Kind == storage.KindSingleItem {
		count = 1
	}
	req := generate.BatchRequest{JobID: job.ID, Prompt: payload.Prompt, Count: count}

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := p.store.MarkAttempt(job.ID); err != nil {
			p.logger.Error("recording job attempt", "job_id", job.ID, "error", err)
		}

		res, err := p.runner.RunBatch(ctx, req, func(percent int) {
			opts := storage.TransitionOpts{Progress: &percent}
			if err := p.store.Transition(job.ID, storage.JobActive, opts); err != nil {
				p.logger.Warn("persisting job progress", "job_id", job.ID, "error", err)
			}
		})
		if err == nil {
			p.completeJob(job.ID, res)
			return
		}
		if errors.Is(err, generate.ErrInvalidRequest) {
			// Malformed requests fail fast; retrying cannot fix them.
			p.failJob(job.ID, err)
			return
		}
		if ctx.Err() != nil {
			// Shutdown: leave the job active for orphan recovery on restart.
			p.logger.Warn("job interrupted by shutdown", "job_id", job.ID)
			return
		}

		p.logger.Warn("job run failed", "job_id", job.ID, "attempt", attempt, "error", err)
		if attempt == p.maxAttempts {
			p.failJob(job.ID, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.backoff.Delay(attempt)):
		}
	}
}

// completeJob records a terminal success. Partial results complete too, with
// the shortfall visible in the result payload.
func (p *Pool) completeJob(id string, res generate.BatchResult) {
	resultJSON, err := json.Marshal(res)
	if err != nil {
		p.failJob(id, fmt.Errorf("encoding job result: %w", err))
		return
	}
	err = p.persistTransition(id, storage.JobCompleted, storage.TransitionOpts{ResultJSON: string(resultJSON)})
	if err != nil {
		p.logger.Error("persisting job completion", "job_id", id, "error", err)
		p.failJob(id, fmt.Errorf("persisting completion: %w", err))
	}
}

// failJob records a terminal failure with the error text.
func (p *Pool) failJob(id string, cause error) {
	err := p.persistTransition(id, storage.JobFailed, storage.TransitionOpts{Error: cause.Error()})
	if err != nil {
		// Nothing left to do but say so loudly; the orphan sweep at next
		// startup will fail the job record.
		p.logger.Error("persisting job failure", "job_id", id, "cause", cause, "error", err)
	}
}

// persistTransition retries the state write with backoff; a durable store
// hiccup must not drop a terminal state on the floor.
func (p *Pool) persistTransition(id, state string, opts storage.TransitionOpts) error {
	var permanent error
	err := p.backoff.Retry(context.Background(), persistRetries, func(context.Context) error {
		err := p.store.Transition(id, state, opts)
		if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
			// Retrying cannot make these legal; stop here.
			permanent = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return permanent
}

// sweep evicts terminal jobs past the retention window and expired cache
// entries on an interval.
func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.store.EvictTerminalJobs(p.retainAge, p.retainCount); err != nil {
				p.logger.Error("evicting terminal jobs", "error", err)
			} else if n > 0 {
				p.logger.Info("evicted terminal jobs", "count", n)
			}
			if n, err := p.store.CacheSweepExpired(); err != nil {
				p.logger.Error("sweeping expired cache entries", "error", err)
			} else if n > 0 {
				p.logger.Debug("swept expired cache entries", "count", n)
			}
		}
	}
}
