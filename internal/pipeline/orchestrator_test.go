package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"streamforge/internal/jobs"
	"streamforge/internal/media/ladder"
	"streamforge/internal/media/probe"
	"streamforge/internal/media/transcode"
	"streamforge/internal/objectstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProber struct {
	result probe.Result
	err    error
}

func (f *fakeProber) Probe(ctx context.Context, path string) (probe.Result, error) {
	return f.result, f.err
}

type fakeEncoder struct {
	err          error
	segmentCount int

	mu    sync.Mutex
	calls []transcode.BatchRequest
}

func (f *fakeEncoder) EncodeAll(ctx context.Context, req transcode.BatchRequest) ([]transcode.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	outputs := make([]transcode.Output, len(req.Variants))
	for i, variant := range req.Variants {
		if req.OnProgress != nil {
			req.OnProgress(i, 50)
			req.OnProgress(i, 100)
		}
		outputs[i] = transcode.Output{
			Label:        variant.Label,
			PlaylistPath: filepath.Join(req.OutputDir, variant.Label, "index.m3u8"),
			SegmentCount: f.segmentCount,
		}
	}
	return outputs, nil
}

func (f *fakeEncoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeUploader struct {
	err error

	mu       sync.Mutex
	uploads  int
	deleted  []string
	lastDir  string
	lastPref string
}

func (f *fakeUploader) UploadDir(ctx context.Context, dir, keyPrefix, masterName string) (objectstore.UploadResult, error) {
	f.mu.Lock()
	f.uploads++
	f.lastDir = dir
	f.lastPref = keyPrefix
	f.mu.Unlock()
	if f.err != nil {
		return objectstore.UploadResult{}, f.err
	}
	return objectstore.UploadResult{
		FilesUploaded: 9,
		ManifestURL:   "https://cdn.example.com/" + keyPrefix + "/" + masterName,
	}, nil
}

func (f *fakeUploader) DeletePrefix(ctx context.Context, keyPrefix string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, keyPrefix)
	f.mu.Unlock()
	return nil
}

func (f *fakeUploader) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (f *fakeNotifier) Notify(ctx context.Context, job jobs.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// recordingTracker captures every progress value the pipeline records.
type recordingTracker struct {
	*jobs.MemoryTracker

	mu       sync.Mutex
	progress []int
}

func (t *recordingTracker) Update(ctx context.Context, id string, status jobs.Status, progress int, message string) (jobs.Job, error) {
	job, err := t.MemoryTracker.Update(ctx, id, status, progress, message)
	if err == nil {
		t.mu.Lock()
		t.progress = append(t.progress, job.Progress)
		t.mu.Unlock()
	}
	return job, err
}

type testHarness struct {
	tracker  *recordingTracker
	prober   *fakeProber
	encoder  *fakeEncoder
	uploader *fakeUploader
	notifier *fakeNotifier
	workRoot string
	orch     *Orchestrator
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		tracker:  &recordingTracker{MemoryTracker: jobs.NewMemoryTracker()},
		prober:   &fakeProber{result: probe.Result{DurationSeconds: 120, Width: 1920, Height: 1080, Codec: "h264", FrameRate: 30, HasAudio: true}},
		encoder:  &fakeEncoder{segmentCount: 20},
		uploader: &fakeUploader{},
		notifier: &fakeNotifier{},
		workRoot: t.TempDir(),
	}
	t.Cleanup(func() { h.tracker.Close(context.Background()) })

	orch, err := NewOrchestrator(Config{
		Tracker:  h.tracker,
		Prober:   h.prober,
		Encoder:  h.encoder,
		Uploader: h.uploader,
		Notifier: h.notifier,
		WorkRoot: h.workRoot,
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func (h *testHarness) createJob(t *testing.T, id string) {
	t.Helper()
	if _, err := h.tracker.Create(context.Background(), id, "content-1"); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func TestRunCompletesJob(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "job-1")

	err := h.orch.Run(context.Background(), Request{
		JobID:      "job-1",
		SourcePath: "/media/source.mp4",
		ContentRef: "content-1",
		KeyPrefix:  "videos/content-1",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	job, err := h.tracker.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", job.Progress)
	}
	if job.Result == nil {
		t.Fatal("expected result")
	}
	if job.Result.ManifestURL != "https://cdn.example.com/videos/content-1/master.m3u8" {
		t.Fatalf("unexpected manifest URL %q", job.Result.ManifestURL)
	}
	if len(job.Result.Variants) != 4 {
		t.Fatalf("expected four 1080p-and-below variants, got %d", len(job.Result.Variants))
	}
	for i := 1; i < len(job.Result.Variants); i++ {
		if job.Result.Variants[i].Bandwidth <= job.Result.Variants[i-1].Bandwidth {
			t.Fatalf("variants not ascending by bandwidth: %+v", job.Result.Variants)
		}
	}
	if job.Result.Variants[0].SegmentCount != 20 {
		t.Fatalf("expected segment count 20, got %d", job.Result.Variants[0].SegmentCount)
	}
	if job.Result.Variants[0].Playlist != "360p/index.m3u8" {
		t.Fatalf("unexpected variant playlist %q", job.Result.Variants[0].Playlist)
	}
	if job.Result.FilesUploaded != 9 {
		t.Fatalf("expected 9 files uploaded, got %d", job.Result.FilesUploaded)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected exactly one callback, got %d", h.notifier.count())
	}
	if _, err := os.Stat(filepath.Join(h.workRoot, "job-1")); !os.IsNotExist(err) {
		t.Fatalf("expected work dir to be removed, stat err %v", err)
	}
}

func TestRunProgressIsMonotonicAndBanded(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "job-1")

	if err := h.orch.Run(context.Background(), Request{JobID: "job-1", SourcePath: "in.mp4"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	h.tracker.mu.Lock()
	recorded := append([]int(nil), h.tracker.progress...)
	h.tracker.mu.Unlock()
	if len(recorded) == 0 {
		t.Fatal("expected progress updates")
	}
	for i := 1; i < len(recorded); i++ {
		if recorded[i] < recorded[i-1] {
			t.Fatalf("progress regressed: %v", recorded)
		}
	}
	last := recorded[len(recorded)-1]
	if last != 95 {
		t.Fatalf("expected final recorded update at 95, got %d (%v)", last, recorded)
	}
}

func TestRunFailsOnUnsupportedSource(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "job-1")
	h.prober.err = fmt.Errorf("%w: no video stream", probe.ErrUnsupportedFormat)

	err := h.orch.Run(context.Background(), Request{JobID: "job-1", SourcePath: "slides.pdf"})
	if !errors.Is(err, probe.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format error, got %v", err)
	}

	job, _ := h.tracker.Get(context.Background(), "job-1")
	if job.Status != jobs.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if !strings.HasPrefix(job.Error, "UnsupportedFormat:") {
		t.Fatalf("unexpected error reason %q", job.Error)
	}
	if h.encoder.callCount() != 0 {
		t.Fatal("encoder should not run for an unsupported source")
	}
	if _, err := os.Stat(filepath.Join(h.workRoot, "job-1")); !os.IsNotExist(err) {
		t.Fatal("no work dir should exist when probing fails")
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected exactly one callback, got %d", h.notifier.count())
	}
}

func TestRunFailsOnEncodingError(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "job-1")
	h.encoder.err = fmt.Errorf("variant 720p: %w: exit status 1", transcode.ErrEncodingFailed)

	err := h.orch.Run(context.Background(), Request{JobID: "job-1", SourcePath: "in.mp4"})
	if !errors.Is(err, transcode.ErrEncodingFailed) {
		t.Fatalf("expected encoding error, got %v", err)
	}

	job, _ := h.tracker.Get(context.Background(), "job-1")
	if !strings.HasPrefix(job.Error, "EncodingFailed:") {
		t.Fatalf("unexpected error reason %q", job.Error)
	}
	if h.uploader.uploadCount() != 0 {
		t.Fatal("nothing should upload when encoding fails")
	}
	if _, err := os.Stat(filepath.Join(h.workRoot, "job-1")); !os.IsNotExist(err) {
		t.Fatal("work dir should be removed after an encoding failure")
	}
}

func TestRunFailsOnUploadError(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "job-1")
	h.uploader.err = fmt.Errorf("%w: 720p/segment_00001.ts: status 503", objectstore.ErrUploadFailed)

	err := h.orch.Run(context.Background(), Request{JobID: "job-1", SourcePath: "in.mp4"})
	if !errors.Is(err, objectstore.ErrUploadFailed) {
		t.Fatalf("expected upload error, got %v", err)
	}

	job, _ := h.tracker.Get(context.Background(), "job-1")
	if !strings.HasPrefix(job.Error, "UploadFailed:") {
		t.Fatalf("unexpected error reason %q", job.Error)
	}
	if !strings.Contains(job.Error, "segment_00001.ts") {
		t.Fatalf("error should name the failing file, got %q", job.Error)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "job-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.orch.Run(ctx, Request{JobID: "job-1", SourcePath: "in.mp4"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	job, _ := h.tracker.Get(context.Background(), "job-1")
	if job.Status != jobs.StatusFailed || job.Error != "Cancelled" {
		t.Fatalf("expected failed/Cancelled, got %s/%q", job.Status, job.Error)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected exactly one callback, got %d", h.notifier.count())
	}
}

// completeFailTracker simulates a store outage at the final write.
type completeFailTracker struct {
	*jobs.MemoryTracker
}

func (t *completeFailTracker) Complete(ctx context.Context, id string, result jobs.Result) (jobs.Job, error) {
	return jobs.Job{}, errors.New("store unavailable")
}

func TestRunFailsJobWhenCompletionCannotBeRecorded(t *testing.T) {
	tracker := &completeFailTracker{MemoryTracker: jobs.NewMemoryTracker()}
	t.Cleanup(func() { tracker.Close(context.Background()) })
	notifier := &fakeNotifier{}

	orch, err := NewOrchestrator(Config{
		Tracker:  tracker,
		Prober:   &fakeProber{result: probe.Result{DurationSeconds: 120, Width: 1920, Height: 1080, Codec: "h264", FrameRate: 30, HasAudio: true}},
		Encoder:  &fakeEncoder{segmentCount: 20},
		Uploader: &fakeUploader{},
		Notifier: notifier,
		WorkRoot: t.TempDir(),
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if _, err := tracker.Create(context.Background(), "job-1", "content-1"); err != nil {
		t.Fatalf("create job: %v", err)
	}

	err = orch.Run(context.Background(), Request{JobID: "job-1", SourcePath: "in.mp4"})
	if err == nil {
		t.Fatal("expected error when completion cannot be recorded")
	}

	job, err := tracker.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != jobs.StatusFailed {
		t.Fatalf("job must end terminal, got %s at progress %d", job.Status, job.Progress)
	}
	if !strings.Contains(job.Error, "record completion") {
		t.Fatalf("unexpected error reason %q", job.Error)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected exactly one callback, got %d", notifier.count())
	}
}

func TestRunUsesSingleNativeFallbackForTinySources(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "job-1")
	h.prober.result = probe.Result{DurationSeconds: 30, Width: 426, Height: 240, Codec: "h264", FrameRate: 30, HasAudio: false}

	if err := h.orch.Run(context.Background(), Request{JobID: "job-1", SourcePath: "tiny.mp4"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, _ := h.tracker.Get(context.Background(), "job-1")
	if len(job.Result.Variants) != 1 {
		t.Fatalf("expected a single native variant, got %d", len(job.Result.Variants))
	}
	if job.Result.Variants[0].Height != 240 {
		t.Fatalf("expected native height 240, got %d", job.Result.Variants[0].Height)
	}
}

func TestRunClearsStaleOutputBeforeUpload(t *testing.T) {
	h := newHarness(t)
	h.createJob(t, "job-1")

	if err := h.orch.Run(context.Background(), Request{JobID: "job-1", SourcePath: "in.mp4", KeyPrefix: "videos/content-1"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	h.uploader.mu.Lock()
	deleted := append([]string(nil), h.uploader.deleted...)
	h.uploader.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "videos/content-1" {
		t.Fatalf("expected stale prefix cleanup, got %v", deleted)
	}
}

func TestFailureReason(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want string
	}{
		{name: "timeout", err: context.DeadlineExceeded, want: "Timeout: job exceeded its deadline"},
		{name: "cancelled", err: context.Canceled, want: "Cancelled"},
		{name: "unreadable", err: fmt.Errorf("%w: no such file", probe.ErrUnreadableMedia), want: "UnreadableMedia: unreadable media: no such file"},
		{name: "unsupported", err: fmt.Errorf("%w: audio only", probe.ErrUnsupportedFormat), want: "UnsupportedFormat: unsupported format: audio only"},
		{name: "encoding", err: fmt.Errorf("variant 720p: %w", transcode.ErrEncodingFailed), want: "EncodingFailed: variant 720p: encoding failed"},
		{name: "upload", err: fmt.Errorf("%w: a.ts: 503", objectstore.ErrUploadFailed), want: "UploadFailed: upload failed: a.ts: 503"},
		{name: "other", err: errors.New("disk full"), want: "disk full"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := failureReason(tc.err); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestBuildMasterWritesVariantURIs(t *testing.T) {
	selected := []ladder.Rung{
		{Label: "360p", Width: 640, Height: 360, VideoBitrate: 800, AudioBitrate: 96},
		{Label: "720p", Width: 1280, Height: 720, VideoBitrate: 3000, AudioBitrate: 128},
	}
	outputs := []transcode.Output{
		{Label: "360p", SegmentCount: 10},
		{Label: "720p", SegmentCount: 10},
	}

	data, err := buildMaster(selected, outputs)
	if err != nil {
		t.Fatalf("build master: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, "360p/index.m3u8") || !strings.Contains(body, "720p/index.m3u8") {
		t.Fatalf("master playlist missing variant URIs:\n%s", body)
	}
	if strings.Index(body, "360p/index.m3u8") > strings.Index(body, "720p/index.m3u8") {
		t.Fatalf("variants not ascending by bandwidth:\n%s", body)
	}

	if _, err := buildMaster(selected, outputs[:1]); err == nil {
		t.Fatal("expected error for mismatched outputs")
	}
}
