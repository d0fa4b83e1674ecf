package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"drillforge/internal/config"
	"drillforge/internal/generate"
	"drillforge/internal/storage"
)

type fakeRunner struct {
	fn func(ctx context.Context, req generate.BatchRequest, onProgress func(int)) (generate.BatchResult, error)
}

func (f *fakeRunner) RunBatch(ctx context.Context, req generate.BatchRequest, onProgress func(int)) (generate.BatchResult, error) {
	return f.fn(ctx, req, onProgress)
}

func testPoolConfig() config.Config {
	cfg := config.Default()
	cfg.Dispatcher.Concurrency = 2
	cfg.Dispatcher.PollInterval = "10ms"
	cfg.Dispatcher.JobMaxAttempts = 2
	cfg.Dispatcher.SweepInterval = "1h"
	cfg.Limits.RetryBaseDelay = "1ms"
	cfg.Limits.RetryMaxDelay = "2ms"
	return cfg
}

func openTestPool(t *testing.T, runner BatchRunner, cfg config.Config) (*Pool, *storage.Store) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, runner, cfg), st
}

// startPool runs the pool in the background for the duration of the test.
func startPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not shut down")
		}
	})
}

func enqueueBatch(t *testing.T, st *storage.Store, id string, count int) {
	t.Helper()
	err := st.EnqueueJob(storage.Job{
		ID:          id,
		Kind:        storage.KindBatch,
		PayloadJSON: fmt.Sprintf(`{"prompt":"make items","count":%d}`, count),
	})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

func waitForTerminal(t *testing.T, st *storage.Store, id string) storage.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.State == storage.JobCompleted || job.State == storage.JobFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return storage.Job{}
}

func TestPoolCompletesJob(t *testing.T) {
	runner := &fakeRunner{
		fn: func(_ context.Context, req generate.BatchRequest, onProgress func(int)) (generate.BatchResult, error) {
			items := make([]generate.Item, req.Count)
			for i := range items {
				items[i] = generate.Item{ID: fmt.Sprintf("i%d", i), Text: "item"}
				onProgress((i + 1) * 100 / req.Count)
			}
			return generate.BatchResult{Items: items, Requested: req.Count, AttemptsUsed: req.Count}, nil
		},
	}
	p, st := openTestPool(t, runner, testPoolConfig())
	enqueueBatch(t, st, "j1", 3)
	startPool(t, p)

	job := waitForTerminal(t, st, "j1")
	if job.State != storage.JobCompleted {
		t.Fatalf("state = %s (error %q), want completed", job.State, job.Error)
	}
	if job.Progress != 100 {
		t.Errorf("progress = %d, want 100", job.Progress)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}

	var res generate.BatchResult
	if err := json.Unmarshal([]byte(job.ResultJSON), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(res.Items) != 3 || res.Requested != 3 {
		t.Errorf("result = %+v, want 3 of 3 items", res)
	}
}

func TestPoolPartialResultCompletes(t *testing.T) {
	runner := &fakeRunner{
		fn: func(_ context.Context, req generate.BatchRequest, _ func(int)) (generate.BatchResult, error) {
			return generate.BatchResult{
				Items:        []generate.Item{{ID: "i0", Text: "the only one"}},
				Requested:    req.Count,
				AttemptsUsed: 11,
				Saturated:    true,
			}, nil
		},
	}
	p, st := openTestPool(t, runner, testPoolConfig())
	enqueueBatch(t, st, "j1", 5)
	startPool(t, p)

	job := waitForTerminal(t, st, "j1")
	if job.State != storage.JobCompleted {
		t.Fatalf("state = %s, want completed for a saturated batch", job.State)
	}

	var res generate.BatchResult
	if err := json.Unmarshal([]byte(job.ResultJSON), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !res.Saturated {
		t.Error("result.Saturated = false, want true")
	}
	if res.Shortfall() != 4 {
		t.Errorf("shortfall = %d, want 4", res.Shortfall())
	}
}

func TestPoolRetriesThenFails(t *testing.T) {
	runs := 0
	var mu sync.Mutex
	runner := &fakeRunner{
		fn: func(context.Context, generate.BatchRequest, func(int)) (generate.BatchResult, error) {
			mu.Lock()
			runs++
			mu.Unlock()
			return generate.BatchResult{}, errors.New("engine melted")
		},
	}
	p, st := openTestPool(t, runner, testPoolConfig())
	enqueueBatch(t, st, "j1", 2)
	startPool(t, p)

	job := waitForTerminal(t, st, "j1")
	if job.State != storage.JobFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if !strings.Contains(job.Error, "engine melted") {
		t.Errorf("error = %q, want the run error recorded", job.Error)
	}
	if job.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", job.Attempts)
	}
	mu.Lock()
	defer mu.Unlock()
	if runs != 2 {
		t.Errorf("runs = %d, want 2", runs)
	}
}

func TestPoolFailsFastOnInvalidRequest(t *testing.T) {
	runs := 0
	var mu sync.Mutex
	runner := &fakeRunner{
		fn: func(context.Context, generate.BatchRequest, func(int)) (generate.BatchResult, error) {
			mu.Lock()
			runs++
			mu.Unlock()
			return generate.BatchResult{}, fmt.Errorf("%w: count must be positive", generate.ErrInvalidRequest)
		},
	}
	p, st := openTestPool(t, runner, testPoolConfig())
	enqueueBatch(t, st, "j1", 0)
	startPool(t, p)

	job := waitForTerminal(t, st, "j1")
	if job.State != storage.JobFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry for invalid requests)", job.Attempts)
	}
	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
}

func TestPoolFailsMalformedPayload(t *testing.T) {
	runner := &fakeRunner{
		fn: func(context.Context, generate.BatchRequest, func(int)) (generate.BatchResult, error) {
			t.Error("runner invoked for a malformed payload")
			return generate.BatchResult{}, nil
		},
	}
	p, st := openTestPool(t, runner, testPoolConfig())
	if err := st.EnqueueJob(storage.Job{ID: "j1", Kind: storage.KindBatch, PayloadJSON: `{not json`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	startPool(t, p)

	job := waitForTerminal(t, st, "j1")
	if job.State != storage.JobFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if !strings.Contains(job.Error, "parsing job payload") {
		t.Errorf("error = %q, want a payload parse error", job.Error)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})

	runner := &fakeRunner{
		fn: func(context.Context, generate.BatchRequest, func(int)) (generate.BatchResult, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()

			<-release

			mu.Lock()
			running--
			mu.Unlock()
			return generate.BatchResult{Requested: 1}, nil
		},
	}
	p, st := openTestPool(t, runner, testPoolConfig())
	for i := 0; i < 4; i++ {
		enqueueBatch(t, st, fmt.Sprintf("j%d", i), 1)
	}
	startPool(t, p)

	// Give the pool time to claim as much as it is allowed to.
	time.Sleep(300 * time.Millisecond)
	close(release)

	for i := 0; i < 4; i++ {
		waitForTerminal(t, st, fmt.Sprintf("j%d", i))
	}
	mu.Lock()
	defer mu.Unlock()
	if peak != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak)
	}
}

func TestPoolRunWaitsForInflightJobs(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &fakeRunner{
		fn: func(context.Context, generate.BatchRequest, func(int)) (generate.BatchResult, error) {
			close(started)
			<-release
			return generate.BatchResult{Requested: 1}, nil
		},
	}
	p, st := openTestPool(t, runner, testPoolConfig())
	enqueueBatch(t, st, "j1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	cancel()

	// Run must block on the in-flight job; callers close the store only
	// after Run returns, so returning early would strand the final write.
	select {
	case <-done:
		t.Fatal("Run returned while a job was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the job finished")
	}

	job := waitForTerminal(t, st, "j1")
	if job.State != storage.JobCompleted {
		t.Fatalf("state = %s, want completed", job.State)
	}
}

func TestPoolFailsOrphanedJobsOnStartup(t *testing.T) {
	runner := &fakeRunner{
		fn: func(context.Context, generate.BatchRequest, func(int)) (generate.BatchResult, error) {
			return generate.BatchResult{Requested: 1}, nil
		},
	}
	p, st := openTestPool(t, runner, testPoolConfig())

	// Simulate a job left active by a crashed process.
	enqueueBatch(t, st, "orphan", 1)
	if err := st.Transition("orphan", storage.JobActive, storage.TransitionOpts{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	startPool(t, p)

	job := waitForTerminal(t, st, "orphan")
	if job.State != storage.JobFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if !strings.Contains(job.Error, "interrupted") {
		t.Errorf("error = %q, want interruption recorded", job.Error)
	}
}
