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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/sitestack/internal/backup"
	"github.com/splax/sitestack/internal/dispatch"
	"github.com/splax/sitestack/internal/docker"
	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/events"
	"github.com/splax/sitestack/internal/repository/postgres"
	"github.com/splax/sitestack/internal/service/allocator"
	"github.com/splax/sitestack/internal/service/jobs"
	"github.com/splax/sitestack/internal/service/provision"
	"github.com/splax/sitestack/internal/supervisor"
	"github.com/splax/sitestack/internal/worker"
	"github.com/splax/sitestack/pkg/config"
	"github.com/splax/sitestack/pkg/crypto"
	"github.com/splax/sitestack/pkg/logger"
)

func main() {
	cfg := config.LoadWorkerConfig()
	log := logger.New("worker", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = pool.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Error("database ping failed", "error", err)
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

	var busAddr string
	if strings.EqualFold(cfg.Dispatch.Backend, dispatch.BackendRedis) || cfg.Dispatch.Backend == "" {
		busAddr = cfg.Dispatch.RedisAddr
	}
	bus := events.Open(busAddr, cfg.Dispatch.RedisPassword, cfg.Dispatch.RedisDB, cfg.EventsChannel, log)
	defer bus.Close()

	jobSvc := jobs.New(repo, dispatcher, log, jobs.WithSealer(sealer), jobs.WithEvents(bus))

	allocSvc := allocator.New(repo, log)
	if err := allocSvc.EnsurePool(ctx, domain.ResourcePool{
		Class:      cfg.PortClass,
		RangeStart: cfg.PortRangeStart,
		RangeEnd:   cfg.PortRangeEnd,
	}); err != nil {
		log.Error("failed to configure port pool", "error", err)
		os.Exit(1)
	}

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable", "error", err)
	}

	backups, err := backup.New(cfg.BackupAgentURL, cfg.BackupTimeout)
	if err != nil {
		log.Error("failed to configure backup agent", "error", err)
		os.Exit(1)
	}

	registry := worker.NewRegistry()
	provision.New(repo, allocSvc, dockerClient, backups, sealer, cfg, log).Register(registry)

	sup := supervisor.New(jobSvc, log, cfg)
	if cfg.SweepEnabled {
		go sup.Run(ctx)
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	workers := worker.New(dispatcher, jobSvc, registry, sup, log, worker.Config{Concurrency: cfg.Concurrency})
	log.Info("worker starting", "concurrency", cfg.Concurrency, "dispatch", cfg.Dispatch.Backend)
	if err := workers.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker pool stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("worker stopped")
}
