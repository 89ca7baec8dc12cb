package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
	RetryBackoff       time.Duration
	RetryInterval      time.Duration
	DispatchWorkers    int
	DispatchQueueSize  int
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource: dbSource,
		Port:     envOr("SERVER_PORT", "8080"),
		Env:      envOr("ENVIRONMENT", "development"),
	}

	var err error
	if cfg.WebhookTimeout, err = envDuration("WEBHOOK_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryBackoff, err = envDuration("RETRY_BACKOFF", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RetryInterval, err = envDuration("RETRY_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.WebhookMaxAttempts, err = envInt("WEBHOOK_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.DispatchWorkers, err = envInt("DISPATCH_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.DispatchQueueSize, err = envInt("DISPATCH_QUEUE_SIZE", 256); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
