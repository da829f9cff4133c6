package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamforge/internal/jobs"
	"streamforge/internal/observability/logging"
)

// ErrQueueFull is returned by Submit when the job queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// ErrAlreadyQueued is returned by Submit for a job ID that is queued or running.
var ErrAlreadyQueued = errors.New("job already queued")

const (
	defaultWorkers    = 2
	defaultQueueSize  = 64
	defaultJobTimeout = 2 * time.Hour
)

// Runner executes one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, req Request) error
}

// ProcessorConfig wires the worker pool. Tracker, when set, is swept at
// startup for jobs a previous process left unfinished.
type ProcessorConfig struct {
	Runner     Runner
	Tracker    jobs.Tracker
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// Processor owns the job queue and the workers draining it. Cancellation
// reaches running jobs through their context and reaches still-queued jobs
// by marking them, so a cancelled job always ends up failed with the same
// reason either way.
type Processor struct {
	runner  Runner
	tracker jobs.Tracker
	timeout time.Duration
	logger  *slog.Logger

	queue chan Request

	mu        sync.Mutex
	pending   map[string]struct{}
	running   map[string]context.CancelFunc
	cancelled map[string]struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	workers    int
	wg         sync.WaitGroup
	startOnce  sync.Once
}

// NewProcessor builds a stopped Processor; call Start before submitting.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		runner:     cfg.Runner,
		tracker:    cfg.Tracker,
		timeout:    timeout,
		logger:     logging.WithComponent(logger, "processor"),
		queue:      make(chan Request, queueSize),
		pending:    make(map[string]struct{}),
		running:    make(map[string]context.CancelFunc),
		cancelled:  make(map[string]struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
		workers:    workers,
	}, nil
}

// Start sweeps jobs orphaned by a previous process and launches the
// workers. It is safe to call once.
func (p *Processor) Start() {
	p.startOnce.Do(func() {
		p.recoverOrphaned()
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
		p.logger.Info("processor started", "workers", p.workers, "queue_size", cap(p.queue))
	})
}

// recoverOrphaned fails non-terminal jobs found in the tracker before any
// submission is accepted. The durable drivers can hold rows from before a
// restart; the submission request is not persisted, so the jobs cannot be
// resumed and must not stay queued forever.
func (p *Processor) recoverOrphaned() {
	if p.tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(p.baseCtx, 30*time.Second)
	defer cancel()
	orphans, err := p.tracker.ListNonTerminal(ctx)
	if err != nil {
		p.logger.Warn("listing unfinished jobs", "error", err)
		return
	}
	for _, job := range orphans {
		if _, err := p.tracker.Fail(ctx, job.ID, "Cancelled: interrupted by service restart"); err != nil {
			p.logger.Warn("failing orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		p.logger.Info("failed orphaned job from previous run", "job_id", job.ID, "last_status", string(job.Status))
	}
}

// Submit enqueues a job. It never blocks; a full queue is an error so the
// caller can shed load instead of stalling the API.
func (p *Processor) Submit(req Request) error {
	if req.JobID == "" {
		return errors.New("job id is required")
	}
	p.mu.Lock()
	if _, ok := p.pending[req.JobID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, req.JobID)
	}
	if _, ok := p.running[req.JobID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, req.JobID)
	}
	p.pending[req.JobID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- req:
		return nil
	default:
		p.mu.Lock()
		delete(p.pending, req.JobID)
		p.mu.Unlock()
		return ErrQueueFull
	}
}

// Cancel aborts the job. A running job has its context cancelled; a queued
// job is marked so the worker fails it immediately when it is picked up.
func (p *Processor) Cancel(jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[jobID]; ok {
		cancel()
		return nil
	}
	if _, ok := p.pending[jobID]; ok {
		p.cancelled[jobID] = struct{}{}
		return nil
	}
	return jobs.ErrNotFound
}

// Shutdown cancels in-flight jobs, waits for the workers to exit, then
// fails any requests still buffered in the queue so no job outlives the
// process in a non-terminal state.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.baseCancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.drainQueue(ctx)
	p.logger.Info("processor stopped")
	return nil
}

// drainQueue runs each request that never reached a worker under an
// already-cancelled context, so it takes the same terminal path a running
// cancellation would and its callback still fires.
func (p *Processor) drainQueue(ctx context.Context) {
	for {
		select {
		case req := <-p.queue:
			p.mu.Lock()
			delete(p.pending, req.JobID)
			delete(p.cancelled, req.JobID)
			p.mu.Unlock()

			runCtx, cancel := context.WithCancel(context.Background())
			cancel()
			if err := p.runner.Run(runCtx, req); err != nil {
				p.logger.Warn("job cancelled during shutdown", "job_id", req.JobID, "error", err)
			}
			if ctx.Err() != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case req := <-p.queue:
			p.handle(req)
		}
	}
}

// handle runs one job under its own timeout. A job cancelled while queued
// starts with an already-cancelled context so the runner records the same
// terminal state a running cancellation would.
func (p *Processor) handle(req Request) {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.timeout)

	p.mu.Lock()
	delete(p.pending, req.JobID)
	if _, ok := p.cancelled[req.JobID]; ok {
		delete(p.cancelled, req.JobID)
		cancel()
	}
	p.running[req.JobID] = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.running, req.JobID)
		p.mu.Unlock()
	}()

	if err := p.runner.Run(ctx, req); err != nil {
		p.logger.Warn("job finished with error", "job_id", req.JobID, "error", err)
	}
}
