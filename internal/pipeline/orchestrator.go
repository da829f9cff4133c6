// Package pipeline runs transcoding jobs end to end: probe, encode, package,
// upload, and report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"streamforge/internal/jobs"
	"streamforge/internal/media/ladder"
	"streamforge/internal/media/manifest"
	"streamforge/internal/media/probe"
	"streamforge/internal/media/transcode"
	"streamforge/internal/objectstore"
	"streamforge/internal/observability/logging"
)

// Progress bands per stage. Within a stage progress only moves forward.
const (
	progressProbeStart     = 2
	progressProbeDone      = 10
	progressTranscodeStart = 10
	progressTranscodeDone  = 80
	progressUploadStart    = 80
	progressUploadDone     = 95
	progressFinalizing     = 95
)

const masterPlaylistName = "master.m3u8"

// Prober inspects a source file.
type Prober interface {
	Probe(ctx context.Context, path string) (probe.Result, error)
}

// Encoder produces every rendition of a job.
type Encoder interface {
	EncodeAll(ctx context.Context, req transcode.BatchRequest) ([]transcode.Output, error)
}

// Uploader pushes a finished working directory to object storage.
type Uploader interface {
	UploadDir(ctx context.Context, dir, keyPrefix, masterName string) (objectstore.UploadResult, error)
	DeletePrefix(ctx context.Context, keyPrefix string) error
}

// Notifier delivers the terminal state of a job to an external listener.
type Notifier interface {
	Notify(ctx context.Context, job jobs.Job) error
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Tracker  jobs.Tracker
	Prober   Prober
	Encoder  Encoder
	Uploader Uploader
	Notifier Notifier
	WorkRoot string
	Ladder   []ladder.Rung
	Logger   *slog.Logger
}

// Orchestrator executes one job at a time through every pipeline stage.
type Orchestrator struct {
	tracker  jobs.Tracker
	prober   Prober
	encoder  Encoder
	uploader Uploader
	notifier Notifier
	workRoot string
	ladder   []ladder.Rung
	logger   *slog.Logger
}

// NewOrchestrator validates the configuration and builds an Orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if cfg.Prober == nil {
		return nil, errors.New("prober is required")
	}
	if cfg.Encoder == nil {
		return nil, errors.New("encoder is required")
	}
	if cfg.Uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if cfg.WorkRoot == "" {
		return nil, errors.New("work root is required")
	}
	rungs := cfg.Ladder
	if len(rungs) == 0 {
		rungs = ladder.Default()
	}
	if err := ladder.Validate(rungs); err != nil {
		return nil, fmt.Errorf("ladder: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		tracker:  cfg.Tracker,
		prober:   cfg.Prober,
		encoder:  cfg.Encoder,
		uploader: cfg.Uploader,
		notifier: cfg.Notifier,
		workRoot: cfg.WorkRoot,
		ladder:   rungs,
		logger:   logging.WithComponent(logger, "pipeline"),
	}, nil
}

// Request identifies one job to execute.
type Request struct {
	JobID      string
	SourcePath string
	ContentRef string
	KeyPrefix  string
	Ladder     []ladder.Rung
}

// Run executes the job to a terminal state and notifies the listener exactly
// once. The tracker record is always terminal when Run returns.
func (o *Orchestrator) Run(ctx context.Context, req Request) error {
	ctx = logging.ContextWithJobID(ctx, req.JobID)
	logger := logging.WithContext(ctx, o.logger)

	job, runErr := o.run(ctx, req, logger)
	if runErr != nil {
		logger.Warn("job failed", "error", job.Error)
	} else {
		logger.Info("job completed", "manifest_url", job.Result.ManifestURL, "files", job.Result.FilesUploaded)
	}

	if o.notifier != nil && job.ID != "" {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := o.notifier.Notify(notifyCtx, job); err != nil {
			logger.Warn("callback delivery failed", "error", err)
		}
	}
	return runErr
}

// run drives the stages and leaves the tracker record terminal. It returns
// the terminal job snapshot for notification.
func (o *Orchestrator) run(ctx context.Context, req Request, logger *slog.Logger) (jobs.Job, error) {
	started := time.Now()

	if err := ctx.Err(); err != nil {
		return o.fail(ctx, req.JobID, err)
	}

	o.update(ctx, req.JobID, jobs.StatusProbing, progressProbeStart, "probing source")
	info, err := o.prober.Probe(ctx, req.SourcePath)
	if err != nil {
		return o.fail(ctx, req.JobID, err)
	}
	logger.Info("source probed",
		"width", info.Width,
		"height", info.Height,
		"duration_s", info.DurationSeconds,
		"codec", info.Codec,
		"has_audio", info.HasAudio,
	)

	rungs := req.Ladder
	if len(rungs) == 0 {
		rungs = o.ladder
	}
	selected, err := ladder.Select(info.Width, info.Height, rungs)
	if err != nil {
		return o.fail(ctx, req.JobID, err)
	}
	o.update(ctx, req.JobID, jobs.StatusProbing, progressProbeDone, fmt.Sprintf("selected %d renditions", len(selected)))

	workDir := filepath.Join(o.workRoot, req.JobID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return o.fail(ctx, req.JobID, fmt.Errorf("prepare work dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("work dir cleanup failed", "dir", workDir, "error", err)
		}
	}()

	o.update(ctx, req.JobID, jobs.StatusTranscoding, progressTranscodeStart, "transcoding")
	outputs, err := o.encoder.EncodeAll(ctx, transcode.BatchRequest{
		SourcePath:      req.SourcePath,
		OutputDir:       workDir,
		Variants:        selected,
		DurationSeconds: info.DurationSeconds,
		FrameRate:       info.FrameRate,
		HasAudio:        info.HasAudio,
		OnProgress:      o.transcodeProgress(ctx, req.JobID, len(selected)),
	})
	if err != nil {
		return o.fail(ctx, req.JobID, err)
	}

	master, err := buildMaster(selected, outputs)
	if err != nil {
		return o.fail(ctx, req.JobID, err)
	}
	if err := os.WriteFile(filepath.Join(workDir, masterPlaylistName), master, 0o644); err != nil {
		return o.fail(ctx, req.JobID, fmt.Errorf("write master playlist: %w", err))
	}

	o.update(ctx, req.JobID, jobs.StatusUploading, progressUploadStart, "uploading")
	if err := o.uploader.DeletePrefix(ctx, req.KeyPrefix); err != nil {
		logger.Warn("stale output cleanup failed", "prefix", req.KeyPrefix, "error", err)
	}
	uploaded, err := o.uploader.UploadDir(ctx, workDir, req.KeyPrefix, masterPlaylistName)
	if err != nil {
		return o.fail(ctx, req.JobID, err)
	}

	o.update(ctx, req.JobID, jobs.StatusUploading, progressFinalizing, "finalizing")
	result := jobs.Result{
		ManifestURL:       uploaded.ManifestURL,
		DurationSeconds:   info.DurationSeconds,
		Variants:          resultVariants(selected, outputs),
		FilesUploaded:     uploaded.FilesUploaded,
		ProcessingSeconds: time.Since(started).Seconds(),
	}
	job, err := o.tracker.Complete(context.WithoutCancel(ctx), req.JobID, result)
	if err != nil {
		// The record must not be left at uploading/95: fall back to a
		// terminal failure so pollers and the callback see an end state.
		return o.fail(ctx, req.JobID, fmt.Errorf("record completion: %w", err))
	}
	return job, nil
}

// fail records the terminal failure and returns the original error.
func (o *Orchestrator) fail(ctx context.Context, jobID string, cause error) (jobs.Job, error) {
	reason := failureReason(cause)
	job, err := o.tracker.Fail(context.WithoutCancel(ctx), jobID, reason)
	if err != nil {
		o.logger.Error("recording failure", "job_id", jobID, "reason", reason, "error", err)
	}
	return job, cause
}

// update records stage progress. Failures here are logged, not fatal; the
// tracker clamps regressions on its side as well.
func (o *Orchestrator) update(ctx context.Context, jobID string, status jobs.Status, progress int, message string) {
	if _, err := o.tracker.Update(context.WithoutCancel(ctx), jobID, status, progress, message); err != nil {
		o.logger.Debug("progress update dropped", "job_id", jobID, "error", err)
	}
}

// transcodeProgress maps per-variant percentages into the transcoding band.
// The aggregate is the plain average across variants, and the tracker is only
// touched when the rounded overall value moves.
func (o *Orchestrator) transcodeProgress(ctx context.Context, jobID string, variants int) func(int, float64) {
	var mu sync.Mutex
	perVariant := make([]float64, variants)
	last := progressTranscodeStart
	return func(idx int, percent float64) {
		if idx < 0 || idx >= variants {
			return
		}
		mu.Lock()
		if percent > perVariant[idx] {
			perVariant[idx] = percent
		}
		var sum float64
		for _, p := range perVariant {
			sum += p
		}
		average := sum / float64(variants)
		overall := progressTranscodeStart + int(average/100*float64(progressTranscodeDone-progressTranscodeStart))
		if overall > progressTranscodeDone {
			overall = progressTranscodeDone
		}
		changed := overall > last
		if changed {
			last = overall
		}
		mu.Unlock()

		if changed {
			o.update(ctx, jobID, jobs.StatusTranscoding, overall, "transcoding")
		}
	}
}

// buildMaster renders the master playlist referencing each variant playlist
// by its directory-relative path.
func buildMaster(selected []ladder.Rung, outputs []transcode.Output) ([]byte, error) {
	if len(selected) != len(outputs) {
		return nil, fmt.Errorf("expected %d encoder outputs, got %d", len(selected), len(outputs))
	}
	entries := make([]manifest.Entry, 0, len(selected))
	for i, rung := range selected {
		entries = append(entries, manifest.Entry{
			Bandwidth: rung.Bandwidth(),
			Width:     rung.Width,
			Height:    rung.Height,
			URI:       outputs[i].Label + "/index.m3u8",
		})
	}
	return manifest.Build(entries)
}

func resultVariants(selected []ladder.Rung, outputs []transcode.Output) []jobs.Variant {
	variants := make([]jobs.Variant, 0, len(selected))
	for i, rung := range selected {
		variants = append(variants, jobs.Variant{
			Label:        rung.Label,
			Width:        rung.Width,
			Height:       rung.Height,
			VideoBitrate: rung.VideoBitrate,
			AudioBitrate: rung.AudioBitrate,
			Bandwidth:    rung.Bandwidth(),
			SegmentCount: outputs[i].SegmentCount,
			Playlist:     outputs[i].Label + "/index.m3u8",
		})
	}
	return variants
}

// failureReason classifies an error into the reason string recorded on the
// job and surfaced to pollers. Context errors win because a killed encode
// reports them directly.
func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout: job exceeded its deadline"
	case errors.Is(err, context.Canceled):
		return "Cancelled"
	case errors.Is(err, probe.ErrUnreadableMedia):
		return "UnreadableMedia: " + err.Error()
	case errors.Is(err, probe.ErrUnsupportedFormat):
		return "UnsupportedFormat: " + err.Error()
	case errors.Is(err, transcode.ErrEncodingFailed):
		return "EncodingFailed: " + err.Error()
	case errors.Is(err, objectstore.ErrUploadFailed):
		return "UploadFailed: " + err.Error()
	default:
		return err.Error()
	}
}
