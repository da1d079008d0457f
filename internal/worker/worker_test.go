package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/sitestack/internal/dispatch"
	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository/memory"
	"github.com/splax/sitestack/internal/service/jobs"
	"github.com/splax/sitestack/internal/supervisor"
	"github.com/splax/sitestack/pkg/config"
)

type harness struct {
	repo     *memory.Repository
	jobs     *jobs.Service
	queue    *dispatch.Memory
	registry *Registry
	pool     *Pool
}

func newHarness(t *testing.T, concurrency int) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	h := &harness{repo: memory.New(), queue: dispatch.NewMemory(16), registry: NewRegistry()}
	h.jobs = jobs.New(h.repo, h.queue, logger)
	sup := supervisor.New(h.jobs, logger, config.WorkerConfig{})
	h.pool = New(h.queue, h.jobs, h.registry, sup, logger, Config{Concurrency: concurrency})
	return h
}

func (h *harness) submit(t *testing.T, jobType domain.JobType, params string) string {
	t.Helper()
	job, err := h.jobs.Submit(context.Background(), jobType, "env-1", json.RawMessage(params))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job.ID
}

func (h *harness) processNext(t *testing.T) string {
	t.Helper()
	id, err := h.queue.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	h.pool.Process(context.Background(), id)
	return id
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.repo.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func TestProcessCompletesSuccessfulJob(t *testing.T) {
	h := newHarness(t, 1)
	h.registry.Register(domain.JobBackup, HandlerFunc(func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"snapshot":"s-1"}`), nil
	}))
	id := h.submit(t, domain.JobBackup, `{}`)
	h.processNext(t)

	got := h.job(t, id)
	if got.Status != domain.JobCompleted || string(got.Result) != `{"snapshot":"s-1"}` {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestProcessRecordsHandlerError(t *testing.T) {
	h := newHarness(t, 1)
	h.registry.Register(domain.JobRestore, HandlerFunc(func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return nil, errors.New("agent refused snapshot")
	}))
	id := h.submit(t, domain.JobRestore, `{}`)
	h.processNext(t)

	got := h.job(t, id)
	if got.Status != domain.JobFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error != "Error: agent refused snapshot" {
		t.Fatalf("unexpected error summary %q", got.Error)
	}
}

func TestProcessRecoversPanics(t *testing.T) {
	h := newHarness(t, 1)
	h.registry.Register(domain.JobProvision, HandlerFunc(func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		var m map[string]int
		m["boom"]++
		return nil, nil
	}))
	id := h.submit(t, domain.JobProvision, `{}`)
	h.processNext(t)

	got := h.job(t, id)
	if got.Status != domain.JobFailed {
		t.Fatalf("expected failed after panic, got %s", got.Status)
	}
	if !strings.HasPrefix(got.Error, "panic") || !strings.Contains(got.Error, "nil map") {
		t.Fatalf("expected panic summary, got %q", got.Error)
	}
}

func TestParameterTypeMismatchNamesErrorType(t *testing.T) {
	type resizeParams struct {
		MemoryMB int `json:"memory_mb"`
	}
	h := newHarness(t, 1)
	h.registry.Register(domain.JobResourceChange, HandlerFunc(func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		if _, err := DecodeParams[resizeParams](job); err != nil {
			return nil, err
		}
		return nil, nil
	}))
	id := h.submit(t, domain.JobResourceChange, `{"memory_mb":"lots"}`)
	h.processNext(t)

	got := h.job(t, id)
	if got.Status != domain.JobFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.HasPrefix(got.Error, "UnmarshalTypeError: ") {
		t.Fatalf("expected summary to name UnmarshalTypeError, got %q", got.Error)
	}
}

func TestProcessUnknownJobTypeFails(t *testing.T) {
	h := newHarness(t, 1)
	id := h.submit(t, domain.JobDeprovision, `{}`)
	h.processNext(t)
	got := h.job(t, id)
	if got.Status != domain.JobFailed || !strings.HasPrefix(got.Error, "UnknownJobTypeError: ") {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestProcessIgnoresTerminalJob(t *testing.T) {
	h := newHarness(t, 1)
	var calls atomic.Int32
	h.registry.Register(domain.JobBackup, HandlerFunc(func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	}))
	id := h.submit(t, domain.JobBackup, `{}`)
	h.processNext(t)
	h.pool.Process(context.Background(), id)

	if calls.Load() != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls.Load())
	}
	if h.job(t, id).Status != domain.JobCompleted {
		t.Fatalf("expected completed")
	}
}

func TestRunDrainsInFlightOnShutdown(t *testing.T) {
	h := newHarness(t, 2)
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	h.registry.Register(domain.JobBackup, HandlerFunc(func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		started <- struct{}{}
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return json.RawMessage(`{}`), nil
	}))
	a := h.submit(t, domain.JobBackup, `{}`)
	b := h.submit(t, domain.JobBackup, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.pool.Run(ctx)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatalf("handlers did not start")
		}
	}
	cancel()
	close(release)
	wg.Wait()

	for _, id := range []string{a, b} {
		if got := h.job(t, id); got.Status != domain.JobCompleted {
			t.Fatalf("expected %s completed after drain, got %s (%s)", id, got.Status, got.Error)
		}
	}
}

func TestSummarizeTruncatesAndFlattens(t *testing.T) {
	err := errors.New("line one\nline two " + strings.Repeat("x", 600))
	got := Summarize(err, SummaryLimit)
	if len(got) > SummaryLimit {
		t.Fatalf("expected at most %d bytes, got %d", SummaryLimit, len(got))
	}
	if strings.Contains(got, "\n") {
		t.Fatalf("expected single line summary")
	}
	if !strings.HasPrefix(got, "Error: line one line two") {
		t.Fatalf("unexpected summary %q", got)
	}
}

type panickingStore struct {
	*jobs.Service
}

func (panickingStore) OpenParams(json.RawMessage) (json.RawMessage, error) {
	panic("sealer not initialised")
}

func TestProcessRecoversPanicWhileOpeningParams(t *testing.T) {
	h := newHarness(t, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	sup := supervisor.New(h.jobs, logger, config.WorkerConfig{})
	h.pool = New(h.queue, panickingStore{h.jobs}, h.registry, sup, logger, Config{Concurrency: 1})
	h.registry.Register(domain.JobBackup, HandlerFunc(func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))
	id := h.submit(t, domain.JobBackup, `{}`)
	h.processNext(t)

	got := h.job(t, id)
	if got.Status != domain.JobFailed || got.Error != "panic: sealer not initialised" {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestErrorKindNamesRuntimePanics(t *testing.T) {
	res := Execute(context.Background(), HandlerFunc(func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		var m map[string]int
		m["boom"]++
		return nil, nil
	}), domain.Job{})
	if want := "panic(runtime.Error): assignment to entry in nil map"; res.Summary != want {
		t.Fatalf("expected %q, got %q", want, res.Summary)
	}
}

func TestSummarizeRespectsTinyLimits(t *testing.T) {
	err := errors.New("disk full")
	for _, limit := range []int{1, 2, 3, 4} {
		if got := Summarize(err, limit); len(got) > limit {
			t.Fatalf("limit %d: expected at most %d bytes, got %q", limit, limit, got)
		}
	}
}
