// Package transcode drives ffmpeg to produce segmented HLS renditions.
package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"streamforge/internal/media/ladder"
)

// ErrEncodingFailed marks a variant whose encode exited non-zero or produced
// no segments. It is not retried; the whole job stops.
var ErrEncodingFailed = errors.New("encoding failed")

const (
	defaultBinary         = "ffmpeg"
	defaultSegmentSeconds = 6
	defaultParallelism    = 1
	playlistName          = "index.m3u8"
	segmentPattern        = "segment_%05d.ts"
)

// Engine spawns one ffmpeg process per variant.
type Engine struct {
	binary         string
	segmentSeconds int
	parallelism    int
	logger         *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithBinary overrides the ffmpeg executable path.
func WithBinary(path string) Option {
	return func(e *Engine) {
		if trimmed := strings.TrimSpace(path); trimmed != "" {
			e.binary = trimmed
		}
	}
}

// WithSegmentSeconds sets the HLS segment duration.
func WithSegmentSeconds(seconds int) Option {
	return func(e *Engine) {
		if seconds > 0 {
			e.segmentSeconds = seconds
		}
	}
}

// WithParallelism bounds how many variants encode concurrently.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine constructs an Engine with conservative defaults.
func NewEngine(opts ...Option) *Engine {
	engine := &Engine{
		binary:         defaultBinary,
		segmentSeconds: defaultSegmentSeconds,
		parallelism:    defaultParallelism,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Request describes a single variant encode.
type Request struct {
	SourcePath      string
	OutputDir       string
	Variant         ladder.Rung
	DurationSeconds float64
	FrameRate       float64
	HasAudio        bool
	OnProgress      func(percent float64)
}

// Output describes where a finished variant landed.
type Output struct {
	Label        string
	PlaylistPath string
	SegmentCount int
}

// BatchRequest encodes every variant of a job against one source.
type BatchRequest struct {
	SourcePath      string
	OutputDir       string
	Variants        []ladder.Rung
	DurationSeconds float64
	FrameRate       float64
	HasAudio        bool
	OnProgress      func(variant int, percent float64)
}

// EncodeAll runs the batch with bounded parallelism. The first failing
// variant cancels the rest and is returned.
func (e *Engine) EncodeAll(ctx context.Context, req BatchRequest) ([]Output, error) {
	if len(req.Variants) == 0 {
		return nil, errors.New("no variants to encode")
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.parallelism)
	outputs := make([]Output, len(req.Variants))
	for idx := range req.Variants {
		idx := idx
		variant := req.Variants[idx]
		group.Go(func() error {
			out, err := e.Encode(groupCtx, Request{
				SourcePath:      req.SourcePath,
				OutputDir:       req.OutputDir,
				Variant:         variant,
				DurationSeconds: req.DurationSeconds,
				FrameRate:       req.FrameRate,
				HasAudio:        req.HasAudio,
				OnProgress: func(percent float64) {
					if req.OnProgress != nil {
						req.OnProgress(idx, percent)
					}
				},
			})
			if err != nil {
				return fmt.Errorf("variant %s: %w", variant.Label, err)
			}
			outputs[idx] = out
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// Encode produces one variant. Progress is reported as 0-100 for this
// variant only.
func (e *Engine) Encode(ctx context.Context, req Request) (Output, error) {
	label := sanitizeLabel(req.Variant.Label)
	variantDir := filepath.Join(req.OutputDir, label)
	if err := os.MkdirAll(variantDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("prepare variant dir: %w", err)
	}

	args := buildArgs(req.SourcePath, variantDir, req.Variant, e.segmentSeconds, req.FrameRate, req.HasAudio)
	cmd := exec.CommandContext(ctx, e.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Output{}, fmt.Errorf("attach progress pipe: %w", err)
	}
	cmd.Stderr = newLogWriter(e.logger, label)
	if err := cmd.Start(); err != nil {
		return Output{}, fmt.Errorf("%w: start ffmpeg: %v", ErrEncodingFailed, err)
	}

	e.readProgress(stdout, req.DurationSeconds, req.OnProgress)

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Output{}, ctxErr
		}
		return Output{}, fmt.Errorf("%w: ffmpeg: %v", ErrEncodingFailed, err)
	}

	count, err := countSegments(variantDir)
	if err != nil {
		return Output{}, err
	}
	if count == 0 {
		return Output{}, fmt.Errorf("%w: no segments produced for %s", ErrEncodingFailed, label)
	}
	if req.OnProgress != nil {
		req.OnProgress(100)
	}
	return Output{
		Label:        label,
		PlaylistPath: filepath.Join(variantDir, playlistName),
		SegmentCount: count,
	}, nil
}

// buildArgs assembles the ffmpeg invocation for one variant. The GOP is
// aligned to the segment duration so every segment starts on a keyframe.
func buildArgs(source, variantDir string, variant ladder.Rung, segmentSeconds int, frameRate float64, hasAudio bool) []string {
	fps := int(frameRate + 0.5)
	if fps <= 0 {
		fps = 30
	}
	gop := strconv.Itoa(fps * segmentSeconds)
	scale := fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease:force_divisible_by=2", variant.Width, variant.Height)

	args := []string{
		"-hide_banner",
		"-nostats",
		"-progress", "pipe:1",
		"-y",
		"-i", source,
		"-c:v", "libx264",
		"-preset", "fast",
		"-profile:v", "main",
		"-level", "4.0",
		"-pix_fmt", "yuv420p",
		"-vf", scale,
		"-b:v", fmt.Sprintf("%dk", variant.VideoBitrate),
		"-maxrate", fmt.Sprintf("%dk", variant.VideoBitrate),
		"-bufsize", fmt.Sprintf("%dk", variant.VideoBitrate*2),
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
	}
	if hasAudio {
		args = append(args,
			"-c:a", "aac",
			"-b:a", fmt.Sprintf("%dk", variant.AudioBitrate),
			"-ar", "48000",
			"-ac", "2",
		)
	} else {
		args = append(args, "-an")
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(variantDir, segmentPattern),
		filepath.Join(variantDir, playlistName),
	)
	return args
}

// readProgress consumes ffmpeg's -progress key=value stream until it closes.
func (e *Engine) readProgress(r io.Reader, durationSeconds float64, onProgress func(float64)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		percent, ok := parseProgressLine(scanner.Text(), durationSeconds)
		if ok && onProgress != nil {
			onProgress(percent)
		}
	}
}

// parseProgressLine converts one "out_time_us=..." line into a percentage of
// the source duration. "progress=end" maps to 100.
func parseProgressLine(line string, durationSeconds float64) (float64, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "progress=end" {
		return 100, true
	}
	var raw string
	switch {
	case strings.HasPrefix(trimmed, "out_time_us="):
		raw = strings.TrimPrefix(trimmed, "out_time_us=")
	case strings.HasPrefix(trimmed, "out_time_ms="):
		raw = strings.TrimPrefix(trimmed, "out_time_ms=")
	default:
		return 0, false
	}
	if durationSeconds <= 0 {
		return 0, false
	}
	micros, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || micros < 0 {
		return 0, false
	}
	percent := micros / 1e6 / durationSeconds * 100
	if percent > 100 {
		percent = 100
	}
	return percent, true
}

func countSegments(variantDir string) (int, error) {
	entries, err := os.ReadDir(variantDir)
	if err != nil {
		return 0, fmt.Errorf("list segments: %w", err)
	}
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, "segment_") && strings.HasSuffix(name, ".ts") {
			count++
		}
	}
	return count, nil
}

func sanitizeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "variant"
	}
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "variant"
	}
	return b.String()
}

type logWriter struct {
	logger *slog.Logger
	label  string
}

func newLogWriter(logger *slog.Logger, label string) *logWriter {
	return &logWriter{logger: logger, label: label}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg", "variant", w.label, "line", string(line))
	}
	return total, nil
}
