package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/sitestack/db/migrations"
	"github.com/splax/sitestack/internal/app/migrate"
	"github.com/splax/sitestack/internal/dispatch"
	"github.com/splax/sitestack/internal/events"
	httpx "github.com/splax/sitestack/internal/http"
	"github.com/splax/sitestack/internal/repository/postgres"
	"github.com/splax/sitestack/internal/service/allocator"
	"github.com/splax/sitestack/internal/service/jobs"
	"github.com/splax/sitestack/internal/ws"
	"github.com/splax/sitestack/pkg/config"
	"github.com/splax/sitestack/pkg/crypto"
	"github.com/splax/sitestack/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, migrations.FS, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	sealer, err := crypto.NewSealer(cfg.SecretsKey)
	if err != nil {
		log.Error("invalid secrets key", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	dispatcher, err := dispatch.New(cfg.Dispatch, repo, log)
	if err != nil {
		log.Error("failed to configure dispatcher", "error", err)
		os.Exit(1)
	}
	defer dispatcher.Close()

	bus := events.Open(redisAddr(cfg.Dispatch), cfg.Dispatch.RedisPassword, cfg.Dispatch.RedisDB, cfg.EventsChannel, log)
	defer bus.Close()
	hub := ws.NewHub()
	defer hub.Close()
	go func() {
		if err := bus.Subscribe(ctx, events.ToHub(hub, log)); err != nil {
			log.Error("job event subscription ended", "error", err)
		}
	}()

	jobSvc := jobs.New(repo, dispatcher, log, jobs.WithSealer(sealer), jobs.WithEvents(bus))
	allocSvc := allocator.New(repo, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := redisAddr(cfg.Dispatch); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.Dispatch.RedisPassword, cfg.Dispatch.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, jobSvc, allocSvc, hub, httpx.Options{
		Auth: httpx.AuthConfig{
			JWTSecret:            cfg.JWTSecret,
			OperatorPasswordHash: cfg.OperatorPasswordHash,
			TokenTTL:             cfg.TokenTTL,
		},
		Limiter:      limiter,
		SubmitLimit:  cfg.SubmitRateLimit,
		SubmitWindow: cfg.SubmitRateWindow,
		DBHealth:     pool.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "dispatch", cfg.Dispatch.Backend)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// redisAddr returns the redis address when the deployment runs redis.
func redisAddr(cfg config.DispatchConfig) string {
	if !strings.EqualFold(cfg.Backend, dispatch.BackendRedis) && cfg.Backend != "" {
		return ""
	}
	return strings.TrimSpace(cfg.RedisAddr)
}
