package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrUploadFailed marks a file that exhausted its retry budget. The error
// text names the failing relative path.
var ErrUploadFailed = errors.New("upload failed")

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 500 * time.Millisecond
	defaultConcurrency = 4
)

// Uploader pushes a finished HLS working directory to object storage.
type Uploader struct {
	client      Client
	maxAttempts int
	retryDelay  time.Duration
	concurrency int64
	logger      *slog.Logger
}

// UploaderOption customises an Uploader.
type UploaderOption func(*Uploader)

// WithMaxAttempts sets the per-file retry budget.
func WithMaxAttempts(n int) UploaderOption {
	return func(u *Uploader) {
		if n > 0 {
			u.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the base backoff delay; it doubles per attempt.
func WithRetryDelay(d time.Duration) UploaderOption {
	return func(u *Uploader) {
		if d > 0 {
			u.retryDelay = d
		}
	}
}

// WithConcurrency bounds how many files upload at once.
func WithConcurrency(n int) UploaderOption {
	return func(u *Uploader) {
		if n > 0 {
			u.concurrency = int64(n)
		}
	}
}

// WithUploadLogger attaches a logger.
func WithUploadLogger(logger *slog.Logger) UploaderOption {
	return func(u *Uploader) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// NewUploader wraps a Client with retry, ordering, and concurrency policy.
func NewUploader(client Client, opts ...UploaderOption) *Uploader {
	uploader := &Uploader{
		client:      client,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(uploader)
	}
	return uploader
}

// UploadResult reports what a successful upload produced.
type UploadResult struct {
	FilesUploaded int
	ManifestURL   string
}

// UploadDir uploads every file under dir to keyPrefix, preserving relative
// paths. Playlists go first so a readable manifest never references missing
// metadata, then segments. Each file is retried with exponential backoff;
// files that already succeeded are never re-sent. masterName is the
// manifest's path relative to dir; its public URL is returned.
func (u *Uploader) UploadDir(ctx context.Context, dir, keyPrefix, masterName string) (UploadResult, error) {
	files, err := collectFiles(dir)
	if err != nil {
		return UploadResult{}, err
	}
	if len(files) == 0 {
		return UploadResult{}, fmt.Errorf("%w: no files found in %s", ErrUploadFailed, dir)
	}

	prefix := strings.Trim(strings.TrimSpace(keyPrefix), "/")
	manifestURL := ""
	slots := semaphore.NewWeighted(u.concurrency)

	for _, batch := range orderBatches(files) {
		group, groupCtx := errgroup.WithContext(ctx)
		for _, rel := range batch {
			rel := rel
			group.Go(func() error {
				if err := slots.Acquire(groupCtx, 1); err != nil {
					return err
				}
				defer slots.Release(1)
				url, err := u.uploadFile(groupCtx, dir, prefix, rel)
				if err != nil {
					return err
				}
				if rel == masterName {
					manifestURL = url
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return UploadResult{}, err
		}
	}

	return UploadResult{FilesUploaded: len(files), ManifestURL: manifestURL}, nil
}

// DeletePrefix removes every object under the prefix. Used before re-running
// a job against a destination that already holds output.
func (u *Uploader) DeletePrefix(ctx context.Context, keyPrefix string) error {
	keys, err := u.client.List(ctx, keyPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := u.client.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) uploadFile(ctx context.Context, dir, prefix, rel string) (string, error) {
	body, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrUploadFailed, rel, err)
	}
	key := rel
	if prefix != "" {
		key = path.Join(prefix, rel)
	}
	contentType := contentTypeFor(rel)
	cacheControl := cacheControlFor(rel)

	var lastErr error
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		url, err := u.client.Put(ctx, key, contentType, cacheControl, body)
		if err == nil {
			return url, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt < u.maxAttempts {
			delay := u.retryDelay << (attempt - 1)
			u.logger.Warn("object upload retrying", "key", key, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, rel, lastErr)
}

// collectFiles walks dir and returns slash-separated relative paths.
func collectFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, current)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk %s: %v", ErrUploadFailed, dir, err)
	}
	return files, nil
}

// orderBatches splits files into upload phases: playlists, then segments,
// then everything else. Paths within a phase are sorted for deterministic
// behaviour.
func orderBatches(files []string) [][]string {
	var playlists, segments, rest []string
	for _, rel := range files {
		switch strings.ToLower(path.Ext(rel)) {
		case ".m3u8":
			playlists = append(playlists, rel)
		case ".ts":
			segments = append(segments, rel)
		default:
			rest = append(rest, rel)
		}
	}
	var batches [][]string
	for _, batch := range [][]string{playlists, segments, rest} {
		if len(batch) == 0 {
			continue
		}
		sort.Strings(batch)
		batches = append(batches, batch)
	}
	return batches
}

func contentTypeFor(rel string) string {
	switch strings.ToLower(path.Ext(rel)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// cacheControlFor keeps playlists fresh and segments immutable. Segment
// files never change once written, so they can cache indefinitely.
func cacheControlFor(rel string) string {
	switch strings.ToLower(path.Ext(rel)) {
	case ".m3u8":
		return "public, max-age=60"
	case ".ts":
		return "public, max-age=31536000, immutable"
	default:
		return "public, max-age=3600"
	}
}
