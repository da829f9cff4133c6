package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultRetention     = 24 * time.Hour
	defaultEvictInterval = time.Minute
)

// MemoryTracker keeps job records in process memory. Terminal jobs are
// evicted once they exceed the retention window so the map stays bounded.
type MemoryTracker struct {
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	jobs map[string]Job

	done chan struct{}
	once sync.Once
}

// MemoryOption customises a MemoryTracker.
type MemoryOption func(*MemoryTracker)

// WithRetention sets how long terminal jobs remain queryable.
func WithRetention(d time.Duration) MemoryOption {
	return func(t *MemoryTracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(t *MemoryTracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewMemoryTracker constructs an in-memory tracker and starts its eviction
// loop. Call Close to stop the loop.
func NewMemoryTracker(opts ...MemoryOption) *MemoryTracker {
	tracker := &MemoryTracker{
		retention: defaultRetention,
		interval:  defaultEvictInterval,
		now:       time.Now,
		jobs:      make(map[string]Job),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(tracker)
	}
	go tracker.evictLoop()
	return tracker
}

func (t *MemoryTracker) Create(ctx context.Context, id, contentRef string) (Job, error) {
	if id == "" {
		return Job{}, fmt.Errorf("job id is required")
	}
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.jobs[id]; exists {
		return Job{}, fmt.Errorf("job %s already exists", id)
	}
	job := Job{
		ID:         id,
		ContentRef: contentRef,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.jobs[id] = job
	return cloneJob(job), nil
}

func (t *MemoryTracker) Get(ctx context.Context, id string) (Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (t *MemoryTracker) Update(ctx context.Context, id string, status Status, progress int, message string) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if err := advance(&job, status, progress, message, t.now().UTC()); err != nil {
		return Job{}, err
	}
	t.jobs[id] = job
	return cloneJob(job), nil
}

func (t *MemoryTracker) Complete(ctx context.Context, id string, result Result) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if err := advance(&job, StatusCompleted, 100, "completed", t.now().UTC()); err != nil {
		return Job{}, err
	}
	snapshot := result
	snapshot.Variants = append([]Variant(nil), result.Variants...)
	job.Result = &snapshot
	t.jobs[id] = job
	return cloneJob(job), nil
}

func (t *MemoryTracker) Fail(ctx context.Context, id string, reason string) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if err := advance(&job, StatusFailed, job.Progress, reason, t.now().UTC()); err != nil {
		return Job{}, err
	}
	job.Error = reason
	t.jobs[id] = job
	return cloneJob(job), nil
}

// ListNonTerminal returns every job that has not reached an end state.
func (t *MemoryTracker) ListNonTerminal(ctx context.Context) ([]Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Job
	for _, job := range t.jobs {
		if !job.Status.Terminal() {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

// Close stops the eviction loop. The tracker remains readable afterwards.
func (t *MemoryTracker) Close(ctx context.Context) error {
	t.once.Do(func() {
		close(t.done)
	})
	return nil
}

func (t *MemoryTracker) evictLoop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.evictExpired(t.now().UTC())
		}
	}
}

func (t *MemoryTracker) evictExpired(now time.Time) int {
	cutoff := now.Add(-t.retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, job := range t.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}
