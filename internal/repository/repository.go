package repository

import (
	"context"
	"time"

	"github.com/splax/sitestack/internal/domain"
)

// JobRepository is the durable job store.
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	// TransitionJob applies t only when the job is in one of t.From and
	// returns the updated record. It returns ErrTransitionRejected otherwise.
	TransitionJob(ctx context.Context, t domain.JobTransition) (*domain.Job, error)
	// FailStaleJobs fails every pending or running job created before cutoff
	// in one guarded update and returns the affected jobs.
	FailStaleJobs(ctx context.Context, cutoff time.Time, message string) ([]domain.Job, error)
	ListJobsByEnvironment(ctx context.Context, environmentID string, limit int) ([]domain.Job, error)
	ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
}

// AllocationTx is the view of an allocation transaction. All reads observe
// the locked pool row so concurrent allocators for a class serialize.
type AllocationTx interface {
	// LockPool takes a write lock on the resource class and returns its range.
	LockPool(ctx context.Context, class string) (domain.ResourcePool, error)
	// Allocated returns every committed value of the class in ascending order.
	Allocated(ctx context.Context, class string) ([]int, error)
	// Existing returns the environment's allocation for class, or ErrNotFound.
	Existing(ctx context.Context, class, environmentID string) (*domain.Allocation, error)
	// Insert records an allocation. A duplicate value yields ErrDuplicateValue
	// and leaves the transaction usable for another candidate.
	Insert(ctx context.Context, allocation *domain.Allocation) error
}

// AllocationRepository persists resource allocations.
type AllocationRepository interface {
	WithAllocationTx(ctx context.Context, fn func(tx AllocationTx) error) error
	EnsurePool(ctx context.Context, pool domain.ResourcePool) error
	ReleaseAllocations(ctx context.Context, environmentID string) (int64, error)
	ListAllocations(ctx context.Context, class string) ([]domain.Allocation, error)
	GetAllocation(ctx context.Context, class, environmentID string) (*domain.Allocation, error)
}

// EnvironmentRepository persists customer environments.
type EnvironmentRepository interface {
	CreateEnvironment(ctx context.Context, env *domain.Environment) error
	GetEnvironment(ctx context.Context, environmentID string) (*domain.Environment, error)
	UpdateEnvironmentStatus(ctx context.Context, environmentID string, status domain.EnvironmentStatus) error
	UpdateEnvironmentLimits(ctx context.Context, environmentID string, memoryMB int, cpu float64) error
}
