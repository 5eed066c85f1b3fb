package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/metergate/config"
	"github.com/vnmchuo/metergate/internal/auth"
	"github.com/vnmchuo/metergate/internal/cache"
	"github.com/vnmchuo/metergate/internal/gate"
	"github.com/vnmchuo/metergate/internal/ledger"
	"github.com/vnmchuo/metergate/internal/search"
	"github.com/vnmchuo/metergate/internal/seeder"
	"github.com/vnmchuo/metergate/internal/telemetry"
	"github.com/vnmchuo/metergate/internal/usage"
	"github.com/vnmchuo/metergate/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "metergate").Logger()
	ctx := context.Background()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(ctx, "metergate", cfg, logger)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init stores
	authStore := auth.NewPostgresStore(pool)
	ledgerStore := ledger.NewPostgresStore(pool, logger)
	cacheStore := cache.NewPostgresStore(pool, logger)
	usageStore := usage.NewPostgresStore(pool)

	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	// 6. Init rate limiter. The gate must keep serving through a Redis
	// outage, so the chosen algorithm is wrapped to fail open.
	algo, err := ratelimit.New(cfg.RateLimitAlgorithm, rdb, ratelimit.Options{
		BurstLimit:  cfg.RateLimitBurst,
		BurstWindow: cfg.RateLimitBurstWindow,
	})
	if err != nil {
		log.Fatalf("failed to init rate limiter: %v", err)
	}
	limiter := ratelimit.NewFailOpen(algo, logger)

	// 7. Init search backend client
	backend := search.NewClient(cfg.SearchBackendURL)

	// 8. Init gate
	tracer := otel.GetTracerProvider().Tracer("metergate")
	g := gate.New(limiter, ledgerStore, cacheStore, backend, usageStore, tracer, logger, gate.Config{
		DefaultLimit:        cfg.RateLimitDefault,
		Window:              cfg.RateLimitWindow,
		CreditsPerSearch:    cfg.CreditsPerSearch,
		ChargeCachedResults: cfg.ChargeCachedResults,
	})
	handler := gate.NewHandler(g, ledgerStore, usageStore, logger)

	// 9. Seed test credential if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestCredential(ctx, authStore, ledgerStore)
	}

	// 10. Schedule the cache sweep
	sweeper := cron.New()
	if cfg.CacheSweepSchedule != "" {
		maxAge := time.Duration(cfg.CacheMaxAgeDays) * 24 * time.Hour
		_, err := sweeper.AddFunc(cfg.CacheSweepSchedule, func() {
			removed, err := cacheStore.Sweep(context.Background(), maxAge)
			if err != nil {
				logger.Error().Err(err).Msg("cache sweep failed")
				return
			}
			logger.Info().Int64("removed", removed).Msg("cache sweep completed")
		})
		if err != nil {
			log.Fatalf("invalid CACHE_SWEEP_SCHEDULE: %v", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"metergate"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/search", handler.HandleSearch)
		r.Get("/v1/credits", handler.HandleBalance)
		r.Get("/v1/credits/history", handler.HandleHistory)
		r.Post("/v1/credits/purchase", handler.HandlePurchase)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Metergate starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
