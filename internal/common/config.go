package common

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServiceName string

	HTTPPort    int
	MetricsPort int

	RedisURL    string
	ResolverURL string

	OTLPEndpoint string

	DefaultDebounceSeconds int
	MaxWaitSeconds         int
	PollInterval           time.Duration
	IngestBatchSize        int
	IdempotencyTTL         time.Duration

	MaxRetries          int
	RetryBackoffBase    float64
	DispatchTimeout     time.Duration
	DispatchConcurrency int
}

func LoadConfig(service string) (*Config, error) {
	cfg := &Config{ServiceName: service}

	httpPort, err := getEnvInt("HTTP_PORT", 8771)
	if err != nil {
		return nil, err
	}
	cfg.HTTPPort = httpPort

	metricsPort, err := getEnvInt("METRICS_PORT", httpPort+1000)
	if err != nil {
		return nil, err
	}
	cfg.MetricsPort = metricsPort

	cfg.RedisURL = getEnv("REDIS_URL", "redis://localhost:6379/0")
	cfg.ResolverURL = getEnv("RESOLVER_URL", "http://localhost:8772/resolve")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	if cfg.DefaultDebounceSeconds, err = getEnvInt("DEBOUNCE_SECONDS", 10); err != nil {
		return nil, err
	}
	if cfg.MaxWaitSeconds, err = getEnvInt("MAX_WAIT_SECONDS", 300); err != nil {
		return nil, err
	}

	pollSeconds, err := getEnvFloat("POLL_INTERVAL_SECONDS", 1.0)
	if err != nil {
		return nil, err
	}
	cfg.PollInterval = time.Duration(pollSeconds * float64(time.Second))

	if cfg.IngestBatchSize, err = getEnvInt("INGEST_BATCH_SIZE", 100); err != nil {
		return nil, err
	}

	idemSeconds, err := getEnvInt("IDEMPOTENCY_TTL_SECONDS", 3600)
	if err != nil {
		return nil, err
	}
	cfg.IdempotencyTTL = time.Duration(idemSeconds) * time.Second

	if cfg.MaxRetries, err = getEnvInt("MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.RetryBackoffBase, err = getEnvFloat("RETRY_BACKOFF_BASE", 2.0); err != nil {
		return nil, err
	}

	timeoutSeconds, err := getEnvInt("DISPATCH_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	cfg.DispatchTimeout = time.Duration(timeoutSeconds) * time.Second

	if cfg.DispatchConcurrency, err = getEnvInt("DISPATCH_CONCURRENCY", 4); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}
