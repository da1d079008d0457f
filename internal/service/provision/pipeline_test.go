package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/sitestack/internal/dispatch"
	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/service/jobs"
	"github.com/splax/sitestack/internal/supervisor"
	"github.com/splax/sitestack/internal/worker"
	"github.com/splax/sitestack/pkg/config"
)

func TestConcurrentProvisionJobsOnFivePortPool(t *testing.T) {
	f := newFixtureWithPorts(t, 8100, 8104)
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	queue := dispatch.NewMemory(16)
	jobSvc := jobs.New(f.repo, queue, logger)
	sup := supervisor.New(jobSvc, logger, config.WorkerConfig{})
	reg := worker.NewRegistry()
	f.svc.Register(reg)
	pool := worker.New(queue, jobSvc, reg, sup, logger, worker.Config{Concurrency: 6})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()

	ids := make([]string, 6)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := jobSvc.Submit(context.Background(), domain.JobProvision, fmt.Sprintf("env-%d", i), json.RawMessage(wordpressParams))
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			ids[i] = job.ID
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		cancel()
		<-done
		t.FailNow()
	}

	deadline := time.Now().Add(5 * time.Second)
	var final []*domain.Job
	for {
		final = final[:0]
		for _, id := range ids {
			job, err := jobSvc.Get(context.Background(), id)
			if err != nil {
				t.Fatalf("get %s: %v", id, err)
			}
			if job.Status.Terminal() {
				final = append(final, job)
			}
		}
		if len(final) == len(ids) || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if len(final) != len(ids) {
		t.Fatalf("expected all %d jobs terminal, got %d", len(ids), len(final))
	}

	ports := map[int]bool{}
	var failed []*domain.Job
	for _, job := range final {
		switch job.Status {
		case domain.JobCompleted:
			var res ProvisionResult
			if err := json.Unmarshal(job.Result, &res); err != nil {
				t.Fatalf("decode result of %s: %v", job.ID, err)
			}
			if res.Port < 8100 || res.Port > 8104 || ports[res.Port] {
				t.Fatalf("port %d out of range or handed out twice", res.Port)
			}
			ports[res.Port] = true
		case domain.JobFailed:
			failed = append(failed, job)
		}
	}
	if len(ports) != 5 || len(failed) != 1 {
		t.Fatalf("expected 5 completed and 1 failed, got %d completed and %d failed", len(ports), len(failed))
	}
	if !strings.Contains(failed[0].Error, "exhausted") {
		t.Fatalf("expected exhaustion error, got %q", failed[0].Error)
	}
	allocs, err := f.alloc.List(context.Background(), "port")
	if err != nil {
		t.Fatalf("list allocations: %v", err)
	}
	if len(allocs) != 5 {
		t.Fatalf("expected 5 allocations, got %d", len(allocs))
	}
}
