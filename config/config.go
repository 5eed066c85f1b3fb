package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/vnmchuo/metergate/pkg/ratelimit"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache / rate-limit store
	RedisAddr string

	// Search backend
	SearchBackendURL string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate limiting
	RateLimitAlgorithm   string // fixed_window | sliding_window | leaky_bucket | tiered
	RateLimitDefault     int    // requests per window when the credential carries no quota of its own
	RateLimitWindow      time.Duration
	RateLimitBurst       int // tiered only: short burst quota
	RateLimitBurstWindow time.Duration

	// Billing
	CreditsPerSearch    int64
	ChargeCachedResults bool // whether a cache hit is still billable

	// Cache sweep
	CacheSweepSchedule string // cron spec; empty disables the sweep
	CacheMaxAgeDays    int
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		SearchBackendURL:     os.Getenv("SEARCH_BACKEND_URL"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		RateLimitAlgorithm:   getEnv("RATE_LIMIT_ALGORITHM", ratelimit.AlgorithmSlidingWindow),
		CacheSweepSchedule:   getEnv("CACHE_SWEEP_SCHEDULE", "@hourly"),
	}

	var err error
	if cfg.RateLimitDefault, err = getEnvInt("RATE_LIMIT_DEFAULT", 60); err != nil {
		return nil, err
	}
	windowSec, err := getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(windowSec) * time.Second

	if cfg.RateLimitBurst, err = getEnvInt("RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}
	burstSec, err := getEnvInt("RATE_LIMIT_BURST_WINDOW_SECONDS", 10)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitBurstWindow = time.Duration(burstSec) * time.Second

	credits, err := getEnvInt("CREDITS_PER_SEARCH", 1)
	if err != nil {
		return nil, err
	}
	cfg.CreditsPerSearch = int64(credits)

	if cfg.ChargeCachedResults, err = getEnvBool("CHARGE_CACHED_RESULTS", true); err != nil {
		return nil, err
	}
	if cfg.CacheMaxAgeDays, err = getEnvInt("CACHE_MAX_AGE_DAYS", 30); err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.SearchBackendURL == "" {
		return nil, fmt.Errorf("SEARCH_BACKEND_URL is required")
	}
	switch cfg.RateLimitAlgorithm {
	case ratelimit.AlgorithmFixedWindow, ratelimit.AlgorithmSlidingWindow,
		ratelimit.AlgorithmLeakyBucket, ratelimit.AlgorithmTiered:
	default:
		return nil, fmt.Errorf("invalid RATE_LIMIT_ALGORITHM: %q", cfg.RateLimitAlgorithm)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
