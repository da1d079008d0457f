// Package memory is an in-process implementation of the repository
// interfaces. It backs unit tests and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
)

// Repository stores jobs, allocations and environments in maps.
type Repository struct {
	mu          sync.Mutex
	allocMu     sync.Mutex
	jobs        map[string]domain.Job
	dispatched  map[string]time.Time
	pools       map[string]domain.ResourcePool
	allocations []domain.Allocation
	envs        map[string]domain.Environment
	now         func() time.Time
}

var (
	_ repository.JobRepository         = (*Repository)(nil)
	_ repository.AllocationRepository  = (*Repository)(nil)
	_ repository.EnvironmentRepository = (*Repository)(nil)
)

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		jobs:       make(map[string]domain.Job),
		dispatched: make(map[string]time.Time),
		pools:      make(map[string]domain.ResourcePool),
		envs:       make(map[string]domain.Environment),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for timestamps.
func (r *Repository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// CreateJob stores a pending job.
func (r *Repository) CreateJob(_ context.Context, job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("job required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return repository.ErrAlreadyExists
	}
	now := r.now()
	job.Status = domain.JobPending
	if len(job.Params) == 0 {
		job.Params = []byte(`{}`)
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	r.jobs[job.ID] = copyJob(*job)
	return nil
}

// GetJob returns a copy of the stored job.
func (r *Repository) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := copyJob(job)
	return &out, nil
}

// TransitionJob applies a guarded status change.
func (r *Repository) TransitionJob(_ context.Context, t domain.JobTransition) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[t.JobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !slices.Contains(t.From, job.Status) {
		return nil, fmt.Errorf("%w: job %s is %s", repository.ErrTransitionRejected, t.JobID, job.Status)
	}
	at := t.At
	if at.IsZero() {
		at = r.now()
	}
	job.Status = t.To
	switch {
	case t.To == domain.JobRunning:
		job.StartedAt = &at
	case t.To.Terminal():
		job.CompletedAt = &at
	}
	if len(t.Result) > 0 {
		job.Result = append([]byte(nil), t.Result...)
	}
	if t.Error != "" {
		job.Error = t.Error
	}
	job.UpdatedAt = at
	r.jobs[t.JobID] = job
	out := copyJob(job)
	return &out, nil
}

// FailStaleJobs fails open jobs created strictly before cutoff.
func (r *Repository) FailStaleJobs(_ context.Context, cutoff time.Time, message string) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	failed := make([]domain.Job, 0)
	for id, job := range r.jobs {
		if job.Status.Terminal() || !job.CreatedAt.Before(cutoff) {
			continue
		}
		job.Status = domain.JobFailed
		job.Error = message
		job.CompletedAt = &now
		job.UpdatedAt = now
		r.jobs[id] = job
		failed = append(failed, copyJob(job))
	}
	sortJobs(failed, true)
	return failed, nil
}

// ListJobsByEnvironment returns the newest jobs targeting environmentID.
func (r *Repository) ListJobsByEnvironment(_ context.Context, environmentID string, limit int) ([]domain.Job, error) {
	return r.filterJobs(func(j domain.Job) bool { return j.EnvironmentID == environmentID }, false, limit), nil
}

// ListJobsByStatus returns the oldest jobs in status.
func (r *Repository) ListJobsByStatus(_ context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	return r.filterJobs(func(j domain.Job) bool { return j.Status == status }, true, limit), nil
}

// ClaimPendingJob hands out the oldest pending job not dispatched since redeliverBefore.
func (r *Repository) ClaimPendingJob(_ context.Context, redeliverBefore time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := make([]domain.Job, 0)
	for id, job := range r.jobs {
		if job.Status != domain.JobPending {
			continue
		}
		if at, ok := r.dispatched[id]; ok && !at.Before(redeliverBefore) {
			continue
		}
		pending = append(pending, job)
	}
	if len(pending) == 0 {
		return "", repository.ErrNotFound
	}
	sortJobs(pending, true)
	id := pending[0].ID
	r.dispatched[id] = r.now()
	return id, nil
}

func (r *Repository) filterJobs(keep func(domain.Job) bool, ascending bool, limit int) []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Job, 0)
	for _, job := range r.jobs {
		if keep(job) {
			out = append(out, copyJob(job))
		}
	}
	sortJobs(out, ascending)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortJobs(jobs []domain.Job, ascending bool) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		if ascending {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

func copyJob(job domain.Job) domain.Job {
	job.Params = append([]byte(nil), job.Params...)
	if job.Result != nil {
		job.Result = append([]byte(nil), job.Result...)
	}
	if job.StartedAt != nil {
		v := *job.StartedAt
		job.StartedAt = &v
	}
	if job.CompletedAt != nil {
		v := *job.CompletedAt
		job.CompletedAt = &v
	}
	return job
}
