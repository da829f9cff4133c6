// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"streamforge/internal/jobs"
	"streamforge/internal/media/ladder"
	"streamforge/internal/objectstore"
)

// Store drivers accepted by STREAMFORGE_STORE_DRIVER.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds everything the server needs to run.
type Config struct {
	Bind      string
	LogLevel  string
	LogFormat string
	APIToken  string

	WorkRoot       string
	FFmpegPath     string
	FFprobePath    string
	SegmentSeconds int

	MaxConcurrentJobs  int
	VariantParallelism int
	QueueSize          int
	JobTimeout         time.Duration

	Ladder []ladder.Rung

	StoreDriver    string
	StoreRetention time.Duration
	PostgresDSN    string
	Redis          jobs.RedisConfig

	Storage objectstore.Config

	UploadMaxAttempts   int
	UploadRetryInterval time.Duration
	UploadConcurrency   int

	CallbackURL           string
	CallbackToken         string
	CallbackMaxAttempts   int
	CallbackRetryInterval time.Duration
}

// Load reads configuration from STREAMFORGE_* environment variables and
// validates it.
func Load() (Config, error) {
	cfg := Config{
		Bind:                  envOrDefault("STREAMFORGE_BIND", ":8080"),
		LogLevel:              envOrDefault("STREAMFORGE_LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("STREAMFORGE_LOG_FORMAT", "json"),
		APIToken:              strings.TrimSpace(os.Getenv("STREAMFORGE_API_TOKEN")),
		WorkRoot:              envOrDefault("STREAMFORGE_WORK_ROOT", "./work"),
		FFmpegPath:            envOrDefault("STREAMFORGE_FFMPEG", "ffmpeg"),
		FFprobePath:           envOrDefault("STREAMFORGE_FFPROBE", "ffprobe"),
		SegmentSeconds:        6,
		MaxConcurrentJobs:     2,
		VariantParallelism:    1,
		QueueSize:             64,
		JobTimeout:            2 * time.Hour,
		StoreDriver:           envOrDefault("STREAMFORGE_STORE_DRIVER", StoreMemory),
		PostgresDSN:           strings.TrimSpace(os.Getenv("STREAMFORGE_POSTGRES_DSN")),
		UploadMaxAttempts:     3,
		UploadRetryInterval:   500 * time.Millisecond,
		UploadConcurrency:     4,
		CallbackURL:           strings.TrimSpace(os.Getenv("STREAMFORGE_CALLBACK_URL")),
		CallbackToken:         strings.TrimSpace(os.Getenv("STREAMFORGE_CALLBACK_TOKEN")),
		CallbackMaxAttempts:   3,
		CallbackRetryInterval: 2 * time.Second,
	}

	var err error
	if cfg.SegmentSeconds, err = intFromEnv("STREAMFORGE_SEGMENT_SECONDS", cfg.SegmentSeconds); err != nil {
		return Config{}, err
	}
	if cfg.MaxConcurrentJobs, err = intFromEnv("STREAMFORGE_MAX_JOBS", cfg.MaxConcurrentJobs); err != nil {
		return Config{}, err
	}
	if cfg.VariantParallelism, err = intFromEnv("STREAMFORGE_VARIANT_PARALLELISM", cfg.VariantParallelism); err != nil {
		return Config{}, err
	}
	if cfg.QueueSize, err = intFromEnv("STREAMFORGE_QUEUE_SIZE", cfg.QueueSize); err != nil {
		return Config{}, err
	}
	if cfg.JobTimeout, err = durationFromEnv("STREAMFORGE_JOB_TIMEOUT", cfg.JobTimeout); err != nil {
		return Config{}, err
	}
	if cfg.StoreRetention, err = durationFromEnv("STREAMFORGE_STORE_RETENTION", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.UploadMaxAttempts, err = intFromEnv("STREAMFORGE_UPLOAD_MAX_ATTEMPTS", cfg.UploadMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.UploadRetryInterval, err = durationFromEnv("STREAMFORGE_UPLOAD_RETRY_INTERVAL", cfg.UploadRetryInterval); err != nil {
		return Config{}, err
	}
	if cfg.UploadConcurrency, err = intFromEnv("STREAMFORGE_UPLOAD_CONCURRENCY", cfg.UploadConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.CallbackMaxAttempts, err = intFromEnv("STREAMFORGE_CALLBACK_MAX_ATTEMPTS", cfg.CallbackMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.CallbackRetryInterval, err = durationFromEnv("STREAMFORGE_CALLBACK_RETRY_INTERVAL", cfg.CallbackRetryInterval); err != nil {
		return Config{}, err
	}

	if spec := strings.TrimSpace(os.Getenv("STREAMFORGE_LADDER")); spec != "" {
		rungs, err := ladder.Parse(spec)
		if err != nil {
			return Config{}, fmt.Errorf("parse STREAMFORGE_LADDER: %w", err)
		}
		cfg.Ladder = rungs
	} else {
		cfg.Ladder = ladder.Default()
	}

	cfg.Redis = jobs.RedisConfig{
		Addr:       strings.TrimSpace(os.Getenv("STREAMFORGE_REDIS_ADDR")),
		Addrs:      splitList(os.Getenv("STREAMFORGE_REDIS_ADDRS")),
		Username:   strings.TrimSpace(os.Getenv("STREAMFORGE_REDIS_USERNAME")),
		Password:   os.Getenv("STREAMFORGE_REDIS_PASSWORD"),
		MasterName: strings.TrimSpace(os.Getenv("STREAMFORGE_REDIS_MASTER")),
		KeyPrefix:  strings.TrimSpace(os.Getenv("STREAMFORGE_REDIS_KEY_PREFIX")),
		Retention:  cfg.StoreRetention,
		TLS: jobs.RedisTLSConfig{
			CAFile:             strings.TrimSpace(os.Getenv("STREAMFORGE_REDIS_TLS_CA")),
			CertFile:           strings.TrimSpace(os.Getenv("STREAMFORGE_REDIS_TLS_CERT")),
			KeyFile:            strings.TrimSpace(os.Getenv("STREAMFORGE_REDIS_TLS_KEY")),
			ServerName:         strings.TrimSpace(os.Getenv("STREAMFORGE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: boolFromEnv("STREAMFORGE_REDIS_TLS_INSECURE"),
		},
	}
	if cfg.Redis.PoolSize, err = intFromEnv("STREAMFORGE_REDIS_POOL_SIZE", 0); err != nil {
		return Config{}, err
	}

	cfg.Storage = objectstore.Config{
		Endpoint:      strings.TrimSpace(os.Getenv("STREAMFORGE_S3_ENDPOINT")),
		Region:        strings.TrimSpace(os.Getenv("STREAMFORGE_S3_REGION")),
		Bucket:        strings.TrimSpace(os.Getenv("STREAMFORGE_S3_BUCKET")),
		AccessKey:     strings.TrimSpace(os.Getenv("STREAMFORGE_S3_ACCESS_KEY")),
		SecretKey:     strings.TrimSpace(os.Getenv("STREAMFORGE_S3_SECRET_KEY")),
		UseSSL:        boolFromEnv("STREAMFORGE_S3_USE_SSL"),
		PublicBaseURL: strings.TrimSpace(os.Getenv("STREAMFORGE_S3_PUBLIC_BASE_URL")),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Bind) == "" {
		return errors.New("bind address is required")
	}
	if strings.TrimSpace(c.WorkRoot) == "" {
		return errors.New("work root is required")
	}
	if c.SegmentSeconds <= 0 {
		return errors.New("segment seconds must be positive")
	}
	if c.MaxConcurrentJobs <= 0 {
		return errors.New("max concurrent jobs must be positive")
	}
	if c.VariantParallelism <= 0 {
		return errors.New("variant parallelism must be positive")
	}
	if c.QueueSize <= 0 {
		return errors.New("queue size must be positive")
	}
	if c.JobTimeout <= 0 {
		return errors.New("job timeout must be positive")
	}
	if err := ladder.Validate(c.Ladder); err != nil {
		return fmt.Errorf("ladder: %w", err)
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return errors.New("STREAMFORGE_POSTGRES_DSN is required for the postgres store")
		}
	case StoreRedis:
		if c.Redis.Addr == "" && len(c.Redis.Addrs) == 0 {
			return errors.New("STREAMFORGE_REDIS_ADDR is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if (c.Storage.Bucket == "") != (c.Storage.Endpoint == "") {
		return errors.New("S3 bucket and endpoint must be set together")
	}
	if c.UploadMaxAttempts <= 0 {
		return errors.New("upload max attempts must be positive")
	}
	if c.CallbackMaxAttempts <= 0 {
		return errors.New("callback max attempts must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func boolFromEnv(key string) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return raw == "1" || raw == "true" || raw == "yes"
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
