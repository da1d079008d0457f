package postgres_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/sitestack/db/migrations"
	"github.com/splax/sitestack/internal/app/migrate"
	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
	"github.com/splax/sitestack/internal/repository/postgres"
	"github.com/splax/sitestack/internal/service/allocator"
)

func openTestRepo(t *testing.T) (*postgres.Repository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("SITESTACK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SITESTACK_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner, err := migrate.New(pool, dsn, migrations.FS, logger)
	if err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return postgres.New(pool), pool
}

func TestConcurrentAllocationsAreDistinct(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	class := "port-" + uuid.NewString()[:8]
	svc := allocator.New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := svc.EnsurePool(ctx, domain.ResourcePool{Class: class, RangeStart: 8100, RangeEnd: 8104}); err != nil {
		t.Fatalf("ensure pool: %v", err)
	}

	var wg sync.WaitGroup
	values := make([]int, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := svc.Allocate(ctx, class, uuid.NewString())
			values[i], errs[i] = a.Value, err
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		if seen[values[i]] {
			t.Fatalf("value %d handed out twice", values[i])
		}
		seen[values[i]] = true
	}
	if _, err := svc.Allocate(ctx, class, uuid.NewString()); !errors.Is(err, allocator.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	list, err := svc.List(ctx, class)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 5 {
		t.Fatalf("expected 5 allocations, got %d", len(list))
	}
}

func TestJobTransitionsAreGuarded(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	job := &domain.Job{ID: uuid.NewString(), Type: domain.JobBackup, EnvironmentID: "env-" + uuid.NewString()[:8]}
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now()
	running, err := repo.TransitionJob(ctx, domain.JobTransition{JobID: job.ID, From: []domain.JobStatus{domain.JobPending}, To: domain.JobRunning, At: now})
	if err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if running.Status != domain.JobRunning || running.StartedAt == nil {
		t.Fatalf("unexpected running job %+v", running)
	}
	if _, err := repo.TransitionJob(ctx, domain.JobTransition{JobID: job.ID, From: []domain.JobStatus{domain.JobRunning}, To: domain.JobCompleted, Result: []byte(`{"ok":true}`), At: now}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	_, err = repo.TransitionJob(ctx, domain.JobTransition{JobID: job.ID, From: []domain.JobStatus{domain.JobPending, domain.JobRunning}, To: domain.JobFailed, Error: "late", At: now})
	if !errors.Is(err, repository.ErrTransitionRejected) {
		t.Fatalf("expected ErrTransitionRejected, got %v", err)
	}
	stored, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.JobCompleted || stored.Error != "" {
		t.Fatalf("terminal job was mutated: %+v", stored)
	}
}

func TestFailStaleJobsHonoursCutoff(t *testing.T) {
	repo, pool := openTestRepo(t)
	ctx := context.Background()
	env := "env-" + uuid.NewString()[:8]
	stale := &domain.Job{ID: uuid.NewString(), Type: domain.JobProvision, EnvironmentID: env}
	fresh := &domain.Job{ID: uuid.NewString(), Type: domain.JobProvision, EnvironmentID: env}
	for _, j := range []*domain.Job{stale, fresh} {
		if err := repo.CreateJob(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := pool.Exec(ctx, `UPDATE jobs SET created_at = now() - interval '3 hours' WHERE id = $1`, stale.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	failed, err := repo.FailStaleJobs(ctx, time.Now().Add(-2*time.Hour), "timed out")
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	var sawStale bool
	for _, j := range failed {
		if j.ID == fresh.ID {
			t.Fatalf("fresh job failed by sweep")
		}
		if j.ID == stale.ID {
			sawStale = true
		}
	}
	if !sawStale {
		t.Fatalf("expected stale job in sweep result")
	}
	got, err := repo.GetJob(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobPending {
		t.Fatalf("expected fresh job pending, got %s", got.Status)
	}
}
