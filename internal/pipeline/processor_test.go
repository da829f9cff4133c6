package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"streamforge/internal/jobs"
)

// blockingRunner records the context state seen at the start of each run and
// optionally parks until released.
type blockingRunner struct {
	release chan struct{}

	mu     sync.Mutex
	runs   []Request
	ctxErr map[string]error
	seen   chan string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		release: make(chan struct{}),
		ctxErr:  make(map[string]error),
		seen:    make(chan string, 16),
	}
}

func (r *blockingRunner) Run(ctx context.Context, req Request) error {
	r.mu.Lock()
	r.runs = append(r.runs, req)
	r.ctxErr[req.JobID] = ctx.Err()
	r.mu.Unlock()
	r.seen <- req.JobID

	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return nil
}

func (r *blockingRunner) startErr(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctxErr[jobID]
}

func newTestProcessor(t *testing.T, runner Runner, workers, queueSize int) *Processor {
	t.Helper()
	proc, err := NewProcessor(ProcessorConfig{
		Runner:    runner,
		Workers:   workers,
		QueueSize: queueSize,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	proc.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		proc.Shutdown(ctx)
	})
	return proc
}

func waitForJob(t *testing.T, runner *blockingRunner, jobID string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case id := <-runner.seen:
			if id == jobID {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for job %s to start", jobID)
		}
	}
}

func TestProcessorRunsSubmittedJobs(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)
	proc := newTestProcessor(t, runner, 2, 8)

	if err := proc.Submit(Request{JobID: "job-1", SourcePath: "a.mp4"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForJob(t, runner, "job-1")

	if err := runner.startErr("job-1"); err != nil {
		t.Fatalf("expected live context at start, got %v", err)
	}
}

func TestProcessorRejectsDuplicateSubmissions(t *testing.T) {
	runner := newBlockingRunner()
	proc := newTestProcessor(t, runner, 1, 8)

	if err := proc.Submit(Request{JobID: "job-1"}); err != nil {
		t.Fatalf("submit job-1: %v", err)
	}
	waitForJob(t, runner, "job-1")

	if err := proc.Submit(Request{JobID: "job-2"}); err != nil {
		t.Fatalf("submit job-2: %v", err)
	}
	if err := proc.Submit(Request{JobID: "job-2"}); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if err := proc.Submit(Request{JobID: "job-1"}); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued for running job, got %v", err)
	}
	close(runner.release)
}

func TestProcessorRejectsWhenQueueFull(t *testing.T) {
	runner := newBlockingRunner()
	proc := newTestProcessor(t, runner, 1, 1)

	if err := proc.Submit(Request{JobID: "job-1"}); err != nil {
		t.Fatalf("submit job-1: %v", err)
	}
	waitForJob(t, runner, "job-1")

	if err := proc.Submit(Request{JobID: "job-2"}); err != nil {
		t.Fatalf("submit job-2: %v", err)
	}
	if err := proc.Submit(Request{JobID: "job-3"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(runner.release)
}

func TestProcessorCancelRunningJob(t *testing.T) {
	runner := newBlockingRunner()
	proc := newTestProcessor(t, runner, 1, 8)

	if err := proc.Submit(Request{JobID: "job-1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForJob(t, runner, "job-1")

	if err := proc.Cancel("job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// The runner is parked on ctx.Done; a follow-up job proves the worker
	// came back.
	close(runner.release)
	if err := proc.Submit(Request{JobID: "job-2"}); err != nil {
		t.Fatalf("submit job-2: %v", err)
	}
	waitForJob(t, runner, "job-2")
}

func TestProcessorCancelQueuedJobStartsCancelled(t *testing.T) {
	runner := newBlockingRunner()
	proc := newTestProcessor(t, runner, 1, 8)

	if err := proc.Submit(Request{JobID: "job-1"}); err != nil {
		t.Fatalf("submit job-1: %v", err)
	}
	waitForJob(t, runner, "job-1")

	if err := proc.Submit(Request{JobID: "job-2"}); err != nil {
		t.Fatalf("submit job-2: %v", err)
	}
	if err := proc.Cancel("job-2"); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}

	close(runner.release)
	waitForJob(t, runner, "job-2")
	if err := runner.startErr("job-2"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled context for queued cancellation, got %v", err)
	}
}

func TestProcessorCancelUnknownJob(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)
	proc := newTestProcessor(t, runner, 1, 8)

	if err := proc.Cancel("job-404"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProcessorShutdownDrainsQueuedJobs(t *testing.T) {
	runner := newBlockingRunner()
	proc, err := NewProcessor(ProcessorConfig{Runner: runner, Workers: 1, QueueSize: 4, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	proc.Start()

	if err := proc.Submit(Request{JobID: "job-1"}); err != nil {
		t.Fatalf("submit job-1: %v", err)
	}
	waitForJob(t, runner, "job-1")
	if err := proc.Submit(Request{JobID: "job-2"}); err != nil {
		t.Fatalf("submit job-2: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// The queued job must still reach the runner so it lands on the same
	// terminal path as a running cancellation.
	waitForJob(t, runner, "job-2")
	if err := runner.startErr("job-2"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled context for drained job, got %v", err)
	}
}

func TestProcessorStartFailsOrphanedJobs(t *testing.T) {
	tracker := jobs.NewMemoryTracker()
	t.Cleanup(func() { tracker.Close(context.Background()) })
	ctx := context.Background()

	if _, err := tracker.Create(ctx, "job-stuck", "content-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tracker.Update(ctx, "job-stuck", jobs.StatusTranscoding, 40, "encoding variants"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := tracker.Create(ctx, "job-done", "content-2"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tracker.Complete(ctx, "job-done", jobs.Result{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	runner := newBlockingRunner()
	close(runner.release)
	proc, err := NewProcessor(ProcessorConfig{Runner: runner, Tracker: tracker, Workers: 1, QueueSize: 4, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	proc.Start()
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		proc.Shutdown(shutdownCtx)
	})

	stuck, err := tracker.Get(ctx, "job-stuck")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stuck.Status != jobs.StatusFailed {
		t.Fatalf("expected orphan to be failed, got %s", stuck.Status)
	}
	if stuck.Error != "Cancelled: interrupted by service restart" {
		t.Fatalf("unexpected error reason %q", stuck.Error)
	}
	done, err := tracker.Get(ctx, "job-done")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != jobs.StatusCompleted {
		t.Fatalf("terminal job must be untouched, got %s", done.Status)
	}
}

func TestProcessorShutdownStopsWorkers(t *testing.T) {
	runner := newBlockingRunner()
	proc, err := NewProcessor(ProcessorConfig{Runner: runner, Workers: 2, QueueSize: 4, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	proc.Start()

	if err := proc.Submit(Request{JobID: "job-1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForJob(t, runner, "job-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
