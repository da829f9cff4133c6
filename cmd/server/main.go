// Command server starts the StreamForge transcoding API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamforge/internal/api"
	"streamforge/internal/config"
	"streamforge/internal/jobs"
	"streamforge/internal/media/probe"
	"streamforge/internal/media/transcode"
	"streamforge/internal/objectstore"
	"streamforge/internal/observability/logging"
	"streamforge/internal/pipeline"
)

const shutdownGrace = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting streamforge",
		"bind", cfg.Bind,
		"store", cfg.StoreDriver,
		"workers", cfg.MaxConcurrentJobs,
		"ladder_rungs", len(cfg.Ladder),
	)

	tracker, err := newTracker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init job tracker: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracker.Close(closeCtx); err != nil {
			logger.Warn("closing job tracker", "error", err)
		}
	}()

	stopPurger := func() {}
	if pg, ok := tracker.(*jobs.PostgresTracker); ok {
		stopPurger = startJobPurgeWorker(ctx, logger, pg, time.Hour)
	}
	defer stopPurger()

	store := objectstore.New(cfg.Storage)
	if !store.Enabled() {
		logger.Warn("object storage not configured, uploads will be skipped")
	}
	uploader := objectstore.NewUploader(store,
		objectstore.WithMaxAttempts(cfg.UploadMaxAttempts),
		objectstore.WithRetryDelay(cfg.UploadRetryInterval),
		objectstore.WithConcurrency(cfg.UploadConcurrency),
		objectstore.WithUploadLogger(logger),
	)

	var notifier pipeline.Notifier = pipeline.NoopNotifier{}
	if cfg.CallbackURL != "" {
		notifier = pipeline.NewCallbackNotifier(cfg.CallbackURL, cfg.CallbackToken, cfg.CallbackMaxAttempts, cfg.CallbackRetryInterval, logger)
	}

	inspector := probe.NewInspector(probe.WithBinary(cfg.FFprobePath), probe.WithLogger(logger))
	engine := transcode.NewEngine(
		transcode.WithBinary(cfg.FFmpegPath),
		transcode.WithSegmentSeconds(cfg.SegmentSeconds),
		transcode.WithParallelism(cfg.VariantParallelism),
		transcode.WithLogger(logger),
	)

	orchestrator, err := pipeline.NewOrchestrator(pipeline.Config{
		Tracker:  tracker,
		Prober:   inspector,
		Encoder:  engine,
		Uploader: uploader,
		Notifier: notifier,
		WorkRoot: cfg.WorkRoot,
		Ladder:   cfg.Ladder,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	processor, err := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Runner:     orchestrator,
		Tracker:    tracker,
		Workers:    cfg.MaxConcurrentJobs,
		QueueSize:  cfg.QueueSize,
		JobTimeout: cfg.JobTimeout,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init processor: %w", err)
	}
	processor.Start()

	server, err := api.NewServer(api.Config{
		Tracker:   tracker,
		Submitter: processor,
		APIToken:  cfg.APIToken,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Bind,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Bind)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("processor shutdown", "error", err)
	}
	return <-errCh
}

func newTracker(ctx context.Context, cfg config.Config) (jobs.Tracker, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		return jobs.NewPostgresTracker(ctx, jobs.PostgresConfig{
			DSN:       cfg.PostgresDSN,
			Retention: cfg.StoreRetention,
		})
	case config.StoreRedis:
		return jobs.NewRedisTracker(cfg.Redis)
	default:
		return jobs.NewMemoryTracker(jobs.WithRetention(cfg.StoreRetention)), nil
	}
}
