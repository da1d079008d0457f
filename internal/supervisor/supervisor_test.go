package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository/memory"
	"github.com/splax/sitestack/internal/service/jobs"
	"github.com/splax/sitestack/pkg/config"
)

type fixture struct {
	repo  *memory.Repository
	jobs  *jobs.Service
	sup   *Supervisor
	clock time.Time
}

func newFixture(t *testing.T, staleAfter time.Duration) *fixture {
	t.Helper()
	f := &fixture{repo: memory.New(), clock: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	now := func() time.Time { return f.clock }
	f.repo.SetClock(now)
	f.jobs = jobs.New(f.repo, nil, logger, jobs.WithClock(now))
	f.sup = New(f.jobs, logger, config.WorkerConfig{StaleAfter: staleAfter, SweepInterval: time.Minute})
	f.sup.now = now
	return f
}

func (f *fixture) submit(t *testing.T) *domain.Job {
	t.Helper()
	job, err := f.jobs.Submit(context.Background(), domain.JobProvision, "env-1", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func (f *fixture) status(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := f.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return job
}

func TestSweepFailsOnlyJobsOlderThanThreshold(t *testing.T) {
	threshold := 2 * time.Hour
	f := newFixture(t, threshold)
	ctx := context.Background()

	orphan := f.submit(t)
	if _, err := f.jobs.MarkRunning(ctx, orphan.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	// Just inside the threshold nothing is reclaimed.
	f.clock = f.clock.Add(threshold - time.Second)
	fresh := f.submit(t)
	count, err := f.sup.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no reclaimed jobs before threshold, got %d", count)
	}

	f.clock = f.clock.Add(2 * time.Second)
	count, err = f.sup.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one reclaimed job, got %d", count)
	}
	got := f.status(t, orphan.ID)
	if got.Status != domain.JobFailed || got.Error != TimeoutMessage {
		t.Fatalf("expected orphan failed with timeout message, got %s %q", got.Status, got.Error)
	}
	if f.status(t, fresh.ID).Status != domain.JobPending {
		t.Fatalf("expected recent job to stay pending")
	}
}

func TestSweepLeavesCompletedJobs(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	job := f.submit(t)
	_, _ = f.jobs.MarkRunning(ctx, job.ID)
	_, _ = f.jobs.MarkCompleted(ctx, job.ID, json.RawMessage(`{}`))

	f.clock = f.clock.Add(3 * time.Hour)
	count, _ := f.sup.Sweep(ctx)
	if count != 0 {
		t.Fatalf("expected completed job to be ignored, got %d", count)
	}
	if f.status(t, job.ID).Status != domain.JobCompleted {
		t.Fatalf("expected job to remain completed")
	}
}

func TestOnFailureMarksRunningJobFailed(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	job := f.submit(t)
	_, _ = f.jobs.MarkRunning(ctx, job.ID)

	if err := f.sup.OnFailure(ctx, job.ID, "UnmarshalTypeError: bad field"); err != nil {
		t.Fatalf("on failure: %v", err)
	}
	got := f.status(t, job.ID)
	if got.Status != domain.JobFailed || got.Error != "UnmarshalTypeError: bad field" {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestOnFailureIsNoOpForTerminalJob(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	job := f.submit(t)
	_, _ = f.jobs.MarkRunning(ctx, job.ID)
	_, _ = f.jobs.MarkCompleted(ctx, job.ID, nil)

	if err := f.sup.OnFailure(ctx, job.ID, "late error"); err != nil {
		t.Fatalf("expected no error for terminal job, got %v", err)
	}
	got := f.status(t, job.ID)
	if got.Status != domain.JobCompleted || got.Error != "" {
		t.Fatalf("expected completed job untouched, got %+v", got)
	}
}

func TestDefaultsApplyWhenUnset(t *testing.T) {
	sup := New(nil, nil, config.WorkerConfig{})
	if sup.staleAfter != 2*time.Hour || sup.interval != 5*time.Minute {
		t.Fatalf("unexpected defaults %s / %s", sup.staleAfter, sup.interval)
	}
}
