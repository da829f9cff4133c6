package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures the Postgres-backed tracker.
type PostgresConfig struct {
	DSN               string
	Retention         time.Duration
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
}

// PostgresTracker persists jobs to a Postgres table so multiple service
// replicas can share state. Callers are expected to run PurgeExpired
// periodically to enforce the retention policy.
type PostgresTracker struct {
	pool      *pgxpool.Pool
	retention time.Duration
	now       func() time.Time
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS transcode_jobs (
    id          TEXT PRIMARY KEY,
    content_ref TEXT NOT NULL,
    status      TEXT NOT NULL,
    progress    INT NOT NULL DEFAULT 0,
    message     TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    result      JSONB,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
)
`

// NewPostgresTracker opens a connection pool using the provided DSN and
// ensures the jobs table exists.
func NewPostgresTracker(ctx context.Context, cfg PostgresConfig) (*PostgresTracker, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "streamforge"
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure jobs table: %w", err)
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &PostgresTracker{pool: pool, retention: retention, now: time.Now}, nil
}

func (t *PostgresTracker) Create(ctx context.Context, id, contentRef string) (Job, error) {
	if id == "" {
		return Job{}, fmt.Errorf("job id is required")
	}
	now := t.now().UTC()
	tag, err := t.pool.Exec(ctx, `
INSERT INTO transcode_jobs (id, content_ref, status, progress, created_at, updated_at)
VALUES ($1, $2, $3, 0, $4, $4)
ON CONFLICT (id) DO NOTHING
`, id, contentRef, string(StatusQueued), now)
	if err != nil {
		return Job{}, fmt.Errorf("insert job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return Job{}, fmt.Errorf("job %s already exists", id)
	}
	return Job{
		ID:         id,
		ContentRef: contentRef,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (t *PostgresTracker) Get(ctx context.Context, id string) (Job, error) {
	row := t.pool.QueryRow(ctx, `
SELECT id, content_ref, status, progress, message, error, result, created_at, updated_at
FROM transcode_jobs
WHERE id = $1
`, id)
	return scanJob(row, id)
}

func (t *PostgresTracker) Update(ctx context.Context, id string, status Status, progress int, message string) (Job, error) {
	if progress > 100 {
		progress = 100
	}
	tag, err := t.pool.Exec(ctx, `
UPDATE transcode_jobs
SET status = $2, progress = GREATEST(progress, $3), message = $4, updated_at = $5
WHERE id = $1 AND status NOT IN ($6, $7)
`, id, string(status), progress, message, t.now().UTC(), string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return Job{}, t.mutationConflict(ctx, id)
	}
	return t.Get(ctx, id)
}

func (t *PostgresTracker) Complete(ctx context.Context, id string, result Result) (Job, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return Job{}, fmt.Errorf("marshal result: %w", err)
	}
	tag, err := t.pool.Exec(ctx, `
UPDATE transcode_jobs
SET status = $2, progress = 100, message = 'completed', result = $3, updated_at = $4
WHERE id = $1 AND status NOT IN ($5, $6)
`, id, string(StatusCompleted), payload, t.now().UTC(), string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return Job{}, fmt.Errorf("complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return Job{}, t.mutationConflict(ctx, id)
	}
	return t.Get(ctx, id)
}

func (t *PostgresTracker) Fail(ctx context.Context, id string, reason string) (Job, error) {
	tag, err := t.pool.Exec(ctx, `
UPDATE transcode_jobs
SET status = $2, message = $3, error = $3, updated_at = $4
WHERE id = $1 AND status NOT IN ($5, $6)
`, id, string(StatusFailed), reason, t.now().UTC(), string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return Job{}, fmt.Errorf("fail job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return Job{}, t.mutationConflict(ctx, id)
	}
	return t.Get(ctx, id)
}

// ListNonTerminal returns every job that has not reached an end state,
// oldest first.
func (t *PostgresTracker) ListNonTerminal(ctx context.Context) ([]Job, error) {
	rows, err := t.pool.Query(ctx, `
SELECT id, content_ref, status, progress, message, error, result, created_at, updated_at
FROM transcode_jobs
WHERE status NOT IN ($1, $2)
ORDER BY created_at
`, string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	return out, nil
}

// PurgeExpired removes terminal jobs older than the retention window.
func (t *PostgresTracker) PurgeExpired(ctx context.Context) error {
	cutoff := t.now().UTC().Add(-t.retention)
	_, err := t.pool.Exec(ctx, `
DELETE FROM transcode_jobs
WHERE status IN ($1, $2) AND updated_at <= $3
`, string(StatusCompleted), string(StatusFailed), cutoff)
	if err != nil {
		return fmt.Errorf("purge expired jobs: %w", err)
	}
	return nil
}

// Close releases the connection pool, honouring the context deadline.
func (t *PostgresTracker) Close(ctx context.Context) error {
	if t == nil || t.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		t.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// mutationConflict distinguishes a missing row from a frozen terminal row.
func (t *PostgresTracker) mutationConflict(ctx context.Context, id string) error {
	job, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrTerminal, id, job.Status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner, id string) (Job, error) {
	var (
		job       Job
		status    string
		resultRaw []byte
	)
	err := row.Scan(&job.ID, &job.ContentRef, &status, &job.Progress, &job.Message, &job.Error, &resultRaw, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("scan job %s: %w", id, err)
	}
	job.Status = Status(status)
	if len(resultRaw) > 0 {
		var result Result
		if err := json.Unmarshal(resultRaw, &result); err != nil {
			return Job{}, fmt.Errorf("decode job %s result: %w", id, err)
		}
		job.Result = &result
	}
	return job, nil
}
