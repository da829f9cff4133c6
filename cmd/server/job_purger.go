package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type jobPurger interface {
	PurgeExpired(ctx context.Context) error
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// startJobPurgeWorker periodically removes terminal jobs that have outlived
// the retention window. The returned function stops the worker and waits for
// it to exit.
func startJobPurgeWorker(ctx context.Context, logger *slog.Logger, purger jobPurger, interval time.Duration) func() {
	return startJobPurgeWorkerWithTicker(ctx, logger, purger, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startJobPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	purger jobPurger,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if purger == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if err := purger.PurgeExpired(workerCtx); err != nil && logger != nil {
					logger.Error("failed to purge expired jobs", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
