// Package api exposes the transcoding service over HTTP.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"streamforge/internal/auth"
	"streamforge/internal/jobs"
	"streamforge/internal/media/ladder"
	"streamforge/internal/observability/logging"
	"streamforge/internal/pipeline"
)

// Submitter hands accepted jobs to the worker pool and cancels them.
type Submitter interface {
	Submit(req pipeline.Request) error
	Cancel(jobID string) error
}

// Config wires the HTTP server's collaborators. APIToken, when set, is
// required as a bearer credential on every /v1 route.
type Config struct {
	Tracker   jobs.Tracker
	Submitter Submitter
	APIToken  string
	Logger    *slog.Logger
}

// Server routes job submissions, polls, and cancellations.
type Server struct {
	tracker   jobs.Tracker
	submitter Submitter
	tokenHash string
	logger    *slog.Logger
}

// NewServer validates the configuration and hashes the API token so the
// plain value is not kept in memory.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if cfg.Submitter == nil {
		return nil, errors.New("submitter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	server := &Server{
		tracker:   cfg.Tracker,
		submitter: cfg.Submitter,
		logger:    logging.WithComponent(logger, "api"),
	}
	if token := strings.TrimSpace(cfg.APIToken); token != "" {
		hash, err := auth.HashToken(token)
		if err != nil {
			return nil, fmt.Errorf("hash api token: %w", err)
		}
		server.tokenHash = hash
	}
	return server, nil
}

// Handler returns the full middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/jobs", s.handleJobs)
	mux.HandleFunc("/v1/jobs/", s.handleJob)
	return requestID(logging.RequestLogger(s.logger)(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createJobRequest struct {
	SourcePath string `json:"sourcePath"`
	ContentRef string `json:"contentRef"`
	KeyPrefix  string `json:"keyPrefix"`
	Ladder     string `json:"ladder"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if !s.authorize(w, r) {
		return
	}

	var payload createJobRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	payload.SourcePath = strings.TrimSpace(payload.SourcePath)
	payload.ContentRef = strings.TrimSpace(payload.ContentRef)
	if payload.SourcePath == "" {
		writeError(w, http.StatusBadRequest, errors.New("sourcePath is required"))
		return
	}
	if payload.ContentRef == "" {
		writeError(w, http.StatusBadRequest, errors.New("contentRef is required"))
		return
	}
	keyPrefix := strings.Trim(strings.TrimSpace(payload.KeyPrefix), "/")
	if keyPrefix == "" {
		keyPrefix = payload.ContentRef
	}
	var rungs []ladder.Rung
	if strings.TrimSpace(payload.Ladder) != "" {
		parsed, err := ladder.Parse(payload.Ladder)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid ladder: %w", err))
			return
		}
		rungs = parsed
	}

	jobID := newJobID()
	if _, err := s.tracker.Create(r.Context(), jobID, payload.ContentRef); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create job: %w", err))
		return
	}
	err := s.submitter.Submit(pipeline.Request{
		JobID:      jobID,
		SourcePath: payload.SourcePath,
		ContentRef: payload.ContentRef,
		KeyPrefix:  keyPrefix,
		Ladder:     rungs,
	})
	if err != nil {
		if _, failErr := s.tracker.Fail(r.Context(), jobID, "not scheduled: "+err.Error()); failErr != nil {
			s.logger.Error("failing unscheduled job", "job_id", jobID, "error", failErr)
		}
		if errors.Is(err, pipeline.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, errors.New("job queue is full, retry later"))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Errorf("schedule job: %w", err))
		return
	}

	logging.WithContext(logging.ContextWithJobID(r.Context(), jobID), s.logger).
		Info("job accepted", "content_ref", payload.ContentRef, "key_prefix", keyPrefix)
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getJob(w, r, jobID)
	case http.MethodDelete:
		s.cancelJob(w, r, jobID)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.tracker.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("job not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Errorf("load job: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.tracker.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("job not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Errorf("load job: %w", err))
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Errorf("job is already %s", job.Status))
		return
	}
	if err := s.submitter.Cancel(jobID); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			// The job finished between the lookup and the cancel.
			writeError(w, http.StatusConflict, errors.New("job is no longer active"))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Errorf("cancel job: %w", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": "cancelling"})
}

// authorize enforces the bearer token when one is configured.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.tokenHash == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if err := auth.VerifyToken(s.tokenHash, token); err != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
		return false
	}
	return true
}

// requestID tags every request with a short random identifier that shows up
// in logs and the X-Request-ID response header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newID()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

func newJobID() string {
	return "job-" + newID()
}

func newID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf)
}
