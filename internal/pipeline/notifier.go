package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamforge/internal/jobs"
)

// callbackPayload is the body posted to the callback URL when a job reaches
// a terminal state.
type callbackPayload struct {
	JobID      string       `json:"jobId"`
	ContentRef string       `json:"contentRef"`
	Status     jobs.Status  `json:"status"`
	Progress   int          `json:"progress"`
	Result     *jobs.Result `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// CallbackNotifier posts terminal job states to an HTTP endpoint with
// bounded retries.
type CallbackNotifier struct {
	url           string
	token         string
	maxAttempts   int
	retryInterval time.Duration
	client        *http.Client
	logger        *slog.Logger
}

// NewCallbackNotifier builds a notifier for the given URL. The token, when
// set, is sent as a bearer credential.
func NewCallbackNotifier(url, token string, maxAttempts int, retryInterval time.Duration, logger *slog.Logger) *CallbackNotifier {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryInterval <= 0 {
		retryInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackNotifier{
		url:           strings.TrimSpace(url),
		token:         strings.TrimSpace(token),
		maxAttempts:   maxAttempts,
		retryInterval: retryInterval,
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
	}
}

// Notify delivers the terminal job state, retrying on transport errors and
// non-2xx responses until the attempt budget runs out.
func (n *CallbackNotifier) Notify(ctx context.Context, job jobs.Job) error {
	body, err := json.Marshal(callbackPayload{
		JobID:      job.ID,
		ContentRef: job.ContentRef,
		Status:     job.Status,
		Progress:   job.Progress,
		Result:     job.Result,
		Error:      job.Error,
	})
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		lastErr = n.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < n.maxAttempts {
			n.logger.Warn("callback attempt failed", "job_id", job.ID, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.retryInterval):
			}
		}
	}
	return fmt.Errorf("callback to %s: %w", n.url, lastErr)
}

func (n *CallbackNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

// NoopNotifier discards notifications. Used when no callback URL is
// configured.
type NoopNotifier struct{}

// Notify implements Notifier.
func (NoopNotifier) Notify(context.Context, jobs.Job) error { return nil }
