package config

import (
	"testing"

	"github.com/vnmchuo/metergate/pkg/ratelimit"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_DSN", "postgres://localhost/metergate_test")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SEARCH_BACKEND_URL", "http://localhost:9000")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RateLimitAlgorithm != ratelimit.AlgorithmSlidingWindow {
		t.Errorf("default algorithm: got %q, want %q", cfg.RateLimitAlgorithm, ratelimit.AlgorithmSlidingWindow)
	}
	if !cfg.ChargeCachedResults {
		t.Errorf("cache hits should be billable by default")
	}
	if cfg.RateLimitDefault != 60 {
		t.Errorf("default quota: got %d, want 60", cfg.RateLimitDefault)
	}
}

func TestLoadAcceptsEveryLimiterAlgorithm(t *testing.T) {
	setRequiredEnv(t)

	for _, alg := range []string{
		ratelimit.AlgorithmFixedWindow,
		ratelimit.AlgorithmSlidingWindow,
		ratelimit.AlgorithmLeakyBucket,
		ratelimit.AlgorithmTiered,
	} {
		t.Setenv("RATE_LIMIT_ALGORITHM", alg)
		if _, err := Load(); err != nil {
			t.Errorf("Load rejected algorithm %q: %v", alg, err)
		}
	}
}

func TestLoadRejectsUnknownAlgorithm(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RATE_LIMIT_ALGORITHM", "token_bucket")

	if _, err := Load(); err == nil {
		t.Fatalf("Load accepted an unknown algorithm")
	}
}

func TestLoadRequiresBackends(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POSTGRES_DSN", "")

	if _, err := Load(); err == nil {
		t.Fatalf("Load accepted an empty POSTGRES_DSN")
	}
}
