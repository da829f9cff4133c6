package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakePurger struct {
	calls chan struct{}
	err   error
}

func newFakePurger() *fakePurger {
	return &fakePurger{calls: make(chan struct{}, 1)}
}

func (f *fakePurger) PurgeExpired(ctx context.Context) error {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartJobPurgeWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	purger := newFakePurger()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startJobPurgeWorkerWithTicker(ctx, logger, purger, time.Minute, func(time.Duration) purgeTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case <-purger.calls:
	case <-time.After(time.Second):
		t.Fatal("expected purge to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestStartJobPurgeWorkerDisabled(t *testing.T) {
	stop := startJobPurgeWorker(context.Background(), nil, nil, 0)
	stop()
}
