// Package worker runs registered job handlers on a bounded pool of
// goroutines fed by a dispatcher.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/sitestack/internal/dispatch"
	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
	"github.com/splax/sitestack/internal/service/jobs"
)

// Source yields job ids to process.
type Source interface {
	Next(ctx context.Context) (string, error)
}

// JobStore is the subset of the job service the pool drives.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	MarkRunning(ctx context.Context, jobID string) (*domain.Job, error)
	MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) (*domain.Job, error)
	OpenParams(params json.RawMessage) (json.RawMessage, error)
}

// FailureCallback records a job failure.
type FailureCallback interface {
	OnFailure(ctx context.Context, jobID, summary string) error
}

// Config tunes a Pool.
type Config struct {
	Concurrency int
	// ErrorBackoff is the pause after a failed Next call.
	ErrorBackoff time.Duration
}

// Pool pulls job ids and executes them with at most Concurrency handlers in flight.
type Pool struct {
	source   Source
	store    JobStore
	registry *Registry
	failures FailureCallback
	logger   *slog.Logger
	cfg      Config
	metrics  *metrics
}

// New constructs a pool.
func New(source Source, store JobStore, registry *Registry, failures FailureCallback, logger *slog.Logger, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		source:   source,
		store:    store,
		registry: registry,
		failures: failures,
		logger:   logger.With("component", "worker"),
		cfg:      cfg,
		metrics:  newMetrics(),
	}
}

// Run blocks until ctx is cancelled or the source closes. It stops pulling
// new ids at once and waits for in-flight handlers, which run on a context
// that is not cancelled by shutdown.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", "concurrency", p.cfg.Concurrency)
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	execCtx := context.WithoutCancel(ctx)

	defer func() {
		p.logger.Info("worker pool draining")
		wg.Wait()
		p.logger.Info("worker pool stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sem <- struct{}{}:
		}

		jobID, err := p.source.Next(ctx)
		if err != nil {
			<-sem
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, dispatch.ErrClosed):
				return nil
			}
			p.logger.Warn("dispatcher receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}

		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			defer func() { <-sem }()
			p.Process(execCtx, jobID)
		}(jobID)
	}
}

// Process handles one job id end to end. Ids of jobs that are not pending are
// ignored, so duplicate or late notifications are harmless.
func (p *Pool) Process(ctx context.Context, jobID string) {
	logger := p.logger.With("job_id", jobID)
	job, err := p.store.Get(ctx, jobID)
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, jobs.ErrInvalidRequest):
		logger.Warn("dispatched job not found")
		return
	case err != nil:
		logger.Error("load job failed", "error", err)
		return
	}
	if job.Status != domain.JobPending {
		logger.Debug("skipping job not pending", "status", job.Status)
		return
	}

	running, err := p.store.MarkRunning(ctx, jobID)
	if errors.Is(err, jobs.ErrInvalidTransition) {
		logger.Debug("job claimed elsewhere")
		return
	}
	if err != nil {
		logger.Error("mark running failed", "error", err)
		return
	}
	logger = logger.With("job_type", running.Type, "environment_id", running.EnvironmentID)
	done := p.metrics.track()
	defer done()

	res := p.run(ctx, running)
	if res.Failed() {
		if res.Panicked {
			logger.Error("job handler panicked", "error", res.Err, "stack", string(res.Stack))
		} else {
			logger.Warn("job failed", "error", res.Err, "duration", res.Duration)
		}
		p.metrics.observe(string(running.Type), string(domain.JobFailed), res)
		if err := p.failures.OnFailure(ctx, jobID, res.Summary); err != nil {
			logger.Error("record job failure failed", "error", err)
		}
		return
	}

	if _, err := p.store.MarkCompleted(ctx, jobID, res.Output); err != nil {
		// The job stays running; the staleness sweep reclaims it.
		logger.Error("mark completed failed", "error", err)
		return
	}
	p.metrics.observe(string(running.Type), string(domain.JobCompleted), res)
	logger.Info("job completed", "duration", res.Duration)
}

// run resolves the handler and opens params inside Execute so a panic in
// either still reaches the failure callback.
func (p *Pool) run(ctx context.Context, job *domain.Job) Result {
	return Execute(ctx, HandlerFunc(func(ctx context.Context, job domain.Job) (json.RawMessage, error) {
		handler, err := p.registry.Lookup(job.Type)
		if err != nil {
			return nil, err
		}
		params, err := p.store.OpenParams(job.Params)
		if err != nil {
			return nil, err
		}
		job.Params = params
		return handler.Handle(ctx, job)
	}), *job)
}
