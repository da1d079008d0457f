// Package supervisor owns the two ways a job reaches failed outside a
// handler's own control: the failure callback at the execution boundary and
// the periodic staleness sweep.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/service/jobs"
	"github.com/splax/sitestack/pkg/config"
)

// TimeoutMessage is stored on jobs failed by the sweep.
const TimeoutMessage = "timed out — no response from worker"

const (
	defaultStaleAfter = 2 * time.Hour
	defaultInterval   = 5 * time.Minute
	sweepTimeout      = 30 * time.Second
)

// JobStore is the subset of the job service the supervisor needs.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	MarkFailed(ctx context.Context, jobID, message string) (*domain.Job, error)
	FailStale(ctx context.Context, cutoff time.Time, message string) (int, error)
}

// Supervisor fails jobs that errored, panicked or were orphaned.
type Supervisor struct {
	store      JobStore
	logger     *slog.Logger
	staleAfter time.Duration
	interval   time.Duration
	reclaimed  prometheus.Counter
	failures   prometheus.Counter

	now func() time.Time
}

// New constructs a supervisor from the worker configuration.
func New(store JobStore, logger *slog.Logger, cfg config.WorkerConfig) *Supervisor {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		store:      store,
		logger:     logger.With("component", "supervisor"),
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
	}
	s.reclaimed = registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sitestack",
		Subsystem: "supervisor",
		Name:      "stale_jobs_reclaimed_total",
		Help:      "Jobs failed by the staleness sweep",
	}))
	s.failures = registerCounter(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sitestack",
		Subsystem: "supervisor",
		Name:      "job_failures_recorded_total",
		Help:      "Jobs failed by the failure callback",
	}))
	return s
}

// OnFailure marks the job failed with summary unless it already reached a
// terminal state. Losing the race against another terminal write is not an error.
func (s *Supervisor) OnFailure(ctx context.Context, jobID, summary string) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("supervisor: load %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		s.logger.Info("failure ignored for terminal job", "job_id", jobID, "status", job.Status)
		return nil
	}
	if _, err := s.store.MarkFailed(ctx, jobID, summary); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("supervisor: fail %s: %w", jobID, err)
	}
	s.failures.Inc()
	s.logger.Warn("job marked failed", "job_id", jobID, "error", summary)
	return nil
}

// Sweep fails every pending or running job created more than the stale
// threshold ago and returns how many were reclaimed.
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	count, err := s.store.FailStale(ctx, cutoff, TimeoutMessage)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.reclaimed.Add(float64(count))
		s.logger.Warn("stale jobs reclaimed", "count", count, "cutoff", cutoff)
	}
	return count, nil
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("staleness sweep started", "interval", s.interval, "stale_after", s.staleAfter)
	s.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("staleness sweep stopped")
			return
		case <-ticker.C:
			s.runIteration(ctx)
		}
	}
}

func (s *Supervisor) runIteration(parent context.Context) {
	timeout := sweepTimeout
	if s.interval < timeout {
		timeout = s.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if _, err := s.Sweep(opCtx); err != nil {
		s.logger.Error("staleness sweep failed", "error", err)
	}
}

func registerCounter(c prometheus.Counter) prometheus.Counter {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}
	return c
}
