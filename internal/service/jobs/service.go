// Package jobs is the job store façade: submission, status queries and the
// guarded lifecycle transitions workers and the supervisor rely on.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
	"github.com/splax/sitestack/pkg/crypto"
)

var (
	// ErrInvalidJobType is returned when a submission names an unknown job type.
	ErrInvalidJobType = errors.New("jobs: invalid job type")
	// ErrInvalidRequest is returned for malformed submissions.
	ErrInvalidRequest = errors.New("jobs: invalid request")
	// ErrInvalidTransition is returned when a job is not in the state a transition requires.
	ErrInvalidTransition = errors.New("jobs: invalid status transition")
)

const defaultListLimit = 50

// Notifier wakes a worker for a persisted job. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, jobID string) error
}

// EventPublisher fans job status changes out to live subscribers.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event domain.JobEvent) error
}

// Service manages job records.
type Service struct {
	repo     repository.JobRepository
	notifier Notifier
	events   EventPublisher
	sealer   *crypto.Sealer
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithSealer encrypts secret parameters before they are persisted.
func WithSealer(s *crypto.Sealer) Option {
	return func(svc *Service) { svc.sealer = s }
}

// WithEvents publishes a JobEvent on every status change.
func WithEvents(p EventPublisher) Option {
	return func(svc *Service) { svc.events = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// New constructs a job service. notifier may be nil for processes that only
// update existing jobs.
func New(repo repository.JobRepository, notifier Notifier, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger.With("component", "jobs"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit persists a pending job and notifies the dispatcher. The job is
// durable once Submit returns; a failed notification is only logged because
// the polling dispatcher or a later redelivery still picks the job up.
func (s *Service) Submit(ctx context.Context, jobType domain.JobType, environmentID string, params json.RawMessage) (*domain.Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, jobType)
	}
	environmentID = strings.TrimSpace(environmentID)
	if environmentID == "" {
		return nil, fmt.Errorf("%w: environment id required", ErrInvalidRequest)
	}
	sealed, err := s.sealParams(params)
	if err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:            uuid.NewString(),
		Type:          jobType,
		EnvironmentID: environmentID,
		Params:        sealed,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("jobs: persist %s: %w", jobType, err)
	}
	s.logger.Info("job submitted", "job_id", job.ID, "job_type", job.Type, "environment_id", job.EnvironmentID)
	s.publish(ctx, job)

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, job.ID); err != nil {
			s.logger.Warn("job notification failed", "job_id", job.ID, "error", err)
		}
	}
	return job, nil
}

// Get returns the authoritative job record.
func (s *Service) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("%w: job id %q", ErrInvalidRequest, jobID)
	}
	return s.repo.GetJob(ctx, jobID)
}

// ListByEnvironment returns the newest jobs of an environment.
func (s *Service) ListByEnvironment(ctx context.Context, environmentID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.ListJobsByEnvironment(ctx, environmentID, limit)
}

// ListByStatus returns the oldest jobs in status.
func (s *Service) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.ListJobsByStatus(ctx, status, limit)
}

// MarkRunning moves a pending job to running.
func (s *Service) MarkRunning(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.transition(ctx, domain.JobTransition{
		JobID: jobID,
		From:  []domain.JobStatus{domain.JobPending},
		To:    domain.JobRunning,
	})
}

// MarkCompleted moves a running job to completed, storing result.
func (s *Service) MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) (*domain.Job, error) {
	return s.transition(ctx, domain.JobTransition{
		JobID:  jobID,
		From:   []domain.JobStatus{domain.JobRunning},
		To:     domain.JobCompleted,
		Result: result,
	})
}

// MarkFailed moves a pending or running job to failed with message.
func (s *Service) MarkFailed(ctx context.Context, jobID, message string) (*domain.Job, error) {
	return s.transition(ctx, domain.JobTransition{
		JobID: jobID,
		From:  []domain.JobStatus{domain.JobPending, domain.JobRunning},
		To:    domain.JobFailed,
		Error: message,
	})
}

// FailStale fails every open job created before cutoff and returns how many
// were reclaimed.
func (s *Service) FailStale(ctx context.Context, cutoff time.Time, message string) (int, error) {
	failed, err := s.repo.FailStaleJobs(ctx, cutoff, message)
	if err != nil {
		return 0, fmt.Errorf("jobs: fail stale: %w", err)
	}
	for i := range failed {
		s.publish(ctx, &failed[i])
	}
	return len(failed), nil
}

func (s *Service) transition(ctx context.Context, t domain.JobTransition) (*domain.Job, error) {
	t.At = s.now()
	job, err := s.repo.TransitionJob(ctx, t)
	if errors.Is(err, repository.ErrTransitionRejected) {
		return nil, fmt.Errorf("%w: %s to %s: %v", ErrInvalidTransition, t.JobID, t.To, err)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("job status changed", "job_id", job.ID, "status", job.Status)
	s.publish(ctx, job)
	return job, nil
}

func (s *Service) publish(ctx context.Context, job *domain.Job) {
	if s.events == nil {
		return
	}
	event := domain.JobEvent{
		JobID:         job.ID,
		EnvironmentID: job.EnvironmentID,
		Type:          job.Type,
		Status:        job.Status,
		Error:         job.Error,
		At:            job.UpdatedAt,
	}
	if err := s.events.PublishJobEvent(ctx, event); err != nil {
		s.logger.Warn("job event publish failed", "job_id", job.ID, "error", err)
	}
}
