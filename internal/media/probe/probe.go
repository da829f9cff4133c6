// Package probe inspects source media with ffprobe.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnreadableMedia marks a source that is missing or corrupt.
	ErrUnreadableMedia = errors.New("unreadable media")
	// ErrUnsupportedFormat marks a source with no usable video stream.
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// Result holds the properties the pipeline needs from a source file.
type Result struct {
	DurationSeconds float64
	Width           int
	Height          int
	Codec           string
	FrameRate       float64
	HasAudio        bool
}

const (
	defaultBinary    = "ffprobe"
	defaultTimeout   = 30 * time.Second
	defaultFrameRate = 30
)

// Inspector runs ffprobe against source files.
type Inspector struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// Option customises an Inspector.
type Option func(*Inspector)

// WithBinary overrides the ffprobe executable path.
func WithBinary(path string) Option {
	return func(i *Inspector) {
		if trimmed := strings.TrimSpace(path); trimmed != "" {
			i.binary = trimmed
		}
	}
}

// WithTimeout bounds how long a single probe may run.
func WithTimeout(d time.Duration) Option {
	return func(i *Inspector) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Inspector) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewInspector constructs an Inspector with sensible defaults.
func NewInspector(opts ...Option) *Inspector {
	inspector := &Inspector{
		binary:  defaultBinary,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(inspector)
	}
	return inspector
}

// Probe inspects the file at path. It rejects missing or corrupt files with
// ErrUnreadableMedia and files without a playable video stream with
// ErrUnsupportedFormat. It reads nothing but the file itself.
func (i *Inspector) Probe(ctx context.Context, path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: stat %s: %v", ErrUnreadableMedia, path, err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("%w: %s is a directory", ErrUnreadableMedia, path)
	}
	if info.Size() == 0 {
		return Result{}, fmt.Errorf("%w: %s is empty", ErrUnsupportedFormat, path)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, i.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		i.logger.Debug("ffprobe failed", "path", path, "error", err)
		return Result{}, fmt.Errorf("%w: ffprobe: %v", ErrUnreadableMedia, err)
	}
	return parseOutput(stdout.Bytes())
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

func parseOutput(data []byte) (Result, error) {
	var payload ffprobeOutput
	if err := json.Unmarshal(data, &payload); err != nil {
		return Result{}, fmt.Errorf("%w: decode ffprobe output: %v", ErrUnreadableMedia, err)
	}

	var video *ffprobeStream
	hasAudio := false
	for idx := range payload.Streams {
		stream := &payload.Streams[idx]
		switch stream.CodecType {
		case "video":
			if video == nil {
				video = stream
			}
		case "audio":
			hasAudio = true
		}
	}
	if video == nil {
		return Result{}, fmt.Errorf("%w: no video stream", ErrUnsupportedFormat)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(payload.Format.Duration), 64)
	if err != nil || duration <= 0 {
		return Result{}, fmt.Errorf("%w: zero or unknown duration", ErrUnsupportedFormat)
	}
	if video.Width <= 0 || video.Height <= 0 {
		return Result{}, fmt.Errorf("%w: zero resolution", ErrUnsupportedFormat)
	}

	frameRate := parseFrameRate(video.AvgFrameRate)
	if frameRate <= 0 {
		frameRate = parseFrameRate(video.RFrameRate)
	}
	if frameRate <= 0 {
		frameRate = defaultFrameRate
	}

	return Result{
		DurationSeconds: duration,
		Width:           video.Width,
		Height:          video.Height,
		Codec:           video.CodecName,
		FrameRate:       frameRate,
		HasAudio:        hasAudio,
	}, nil
}

// parseFrameRate decodes ffprobe's rational form, e.g. "30000/1001".
func parseFrameRate(raw string) float64 {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "0/0" {
		return 0
	}
	if !strings.Contains(trimmed, "/") {
		value, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0
		}
		return value
	}
	parts := strings.SplitN(trimmed, "/", 2)
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}
