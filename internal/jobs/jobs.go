package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status identifies where a job sits in the transcoding pipeline.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusProbing     Status = "probing"
	StatusTranscoding Status = "transcoding"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrNotFound is returned when a job identifier is unknown or has been
	// evicted by the retention policy.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when a mutation targets a completed or failed job.
	ErrTerminal = errors.New("job already terminal")
)

// Variant describes one rendition produced for a job.
type Variant struct {
	Label        string `json:"label"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	VideoBitrate int    `json:"videoBitrateKbps"`
	AudioBitrate int    `json:"audioBitrateKbps"`
	Bandwidth    int    `json:"bandwidth"`
	SegmentCount int    `json:"segmentCount"`
	Playlist     string `json:"playlist"`
}

// Result captures the outcome of a completed job.
type Result struct {
	ManifestURL       string    `json:"manifestUrl"`
	DurationSeconds   float64   `json:"durationSeconds"`
	Variants          []Variant `json:"variants"`
	FilesUploaded     int       `json:"filesUploaded"`
	ProcessingSeconds float64   `json:"processingSeconds"`
}

// Job is the tracked state of one transcoding request.
type Job struct {
	ID         string    `json:"id"`
	ContentRef string    `json:"contentRef"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message,omitempty"`
	Result     *Result   `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Tracker persists job records and serves consistent snapshots to pollers.
// The pipeline is the only writer; implementations must keep reads cheap and
// must never let a poller observe progress going backwards.
type Tracker interface {
	Create(ctx context.Context, id, contentRef string) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	Update(ctx context.Context, id string, status Status, progress int, message string) (Job, error)
	Complete(ctx context.Context, id string, result Result) (Job, error)
	Fail(ctx context.Context, id string, reason string) (Job, error)
	ListNonTerminal(ctx context.Context) ([]Job, error)
	Close(ctx context.Context) error
}

func cloneJob(j Job) Job {
	out := j
	if j.Result != nil {
		result := *j.Result
		result.Variants = append([]Variant(nil), j.Result.Variants...)
		out.Result = &result
	}
	return out
}

// advance applies the shared transition rules for read-modify-write drivers:
// terminal jobs are frozen and progress is clamped non-decreasing.
func advance(j *Job, status Status, progress int, message string, now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrTerminal, j.ID, j.Status)
	}
	if progress < j.Progress {
		progress = j.Progress
	}
	if progress > 100 {
		progress = 100
	}
	j.Status = status
	j.Progress = progress
	j.Message = message
	j.UpdatedAt = now
	return nil
}
