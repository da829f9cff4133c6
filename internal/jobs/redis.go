package jobs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed tracker.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	KeyPrefix    string
	Retention    time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisTracker stores one JSON record per job. Terminal records carry the
// retention window as a key TTL so Redis handles eviction itself.
type RedisTracker struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisTracker connects to Redis and verifies the connection before
// returning the tracker.
func NewRedisTracker(cfg RedisConfig) (*RedisTracker, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "streamforge:jobs:"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	tlsConfig, err := buildRedisTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisTracker{
		client:    client,
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
	}, nil
}

func (t *RedisTracker) key(id string) string {
	return t.prefix + id
}

func (t *RedisTracker) Create(ctx context.Context, id, contentRef string) (Job, error) {
	if id == "" {
		return Job{}, fmt.Errorf("job id is required")
	}
	now := t.now().UTC()
	job := Job{
		ID:         id,
		ContentRef: contentRef,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job: %w", err)
	}
	created, err := t.client.SetNX(ctx, t.key(id), payload, 0).Result()
	if err != nil {
		return Job{}, fmt.Errorf("store job %s: %w", id, err)
	}
	if !created {
		return Job{}, fmt.Errorf("job %s already exists", id)
	}
	return job, nil
}

func (t *RedisTracker) Get(ctx context.Context, id string) (Job, error) {
	payload, err := t.client.Get(ctx, t.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (t *RedisTracker) Update(ctx context.Context, id string, status Status, progress int, message string) (Job, error) {
	job, err := t.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if err := advance(&job, status, progress, message, t.now().UTC()); err != nil {
		return Job{}, err
	}
	if err := t.save(ctx, job, 0); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (t *RedisTracker) Complete(ctx context.Context, id string, result Result) (Job, error) {
	job, err := t.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if err := advance(&job, StatusCompleted, 100, "completed", t.now().UTC()); err != nil {
		return Job{}, err
	}
	snapshot := result
	snapshot.Variants = append([]Variant(nil), result.Variants...)
	job.Result = &snapshot
	if err := t.save(ctx, job, t.retention); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (t *RedisTracker) Fail(ctx context.Context, id string, reason string) (Job, error) {
	job, err := t.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if err := advance(&job, StatusFailed, job.Progress, reason, t.now().UTC()); err != nil {
		return Job{}, err
	}
	job.Error = reason
	if err := t.save(ctx, job, t.retention); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (t *RedisTracker) save(ctx context.Context, job Job, ttl time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := t.client.Set(ctx, t.key(job.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return nil
}

// ListNonTerminal scans the key prefix and returns every job that has not
// reached an end state. Terminal records carry a TTL, so the scan stays
// proportional to recent activity.
func (t *RedisTracker) ListNonTerminal(ctx context.Context) ([]Job, error) {
	var out []Job
	iter := t.client.Scan(ctx, 0, t.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		payload, err := t.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("load job %s: %w", iter.Val(), err)
		}
		var job Job
		if err := json.Unmarshal(payload, &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", iter.Val(), err)
		}
		if !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	return out, nil
}

// Close releases the Redis client.
func (t *RedisTracker) Close(ctx context.Context) error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}

func buildRedisTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
