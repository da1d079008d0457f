// Package allocator assigns scarce per-environment values, such as host ports,
// from a configured range without handing the same value to two environments.
//
// Allocation is first-fit: the lowest free value is chosen. Concurrent
// allocators serialize on a row lock of the resource class held for the whole
// transaction, and the (class, value) unique constraint rejects any duplicate
// that slips past the lock.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
	"github.com/splax/sitestack/pkg/retry"
)

var (
	// ErrExhausted means the configured range has no free value left.
	ErrExhausted = errors.New("allocator: resource range exhausted")
	// ErrConflict means another writer bound the environment outside the allocation lock.
	ErrConflict = errors.New("allocator: conflicting allocation for environment")
	// ErrUnknownClass means no range is configured for the resource class.
	ErrUnknownClass = errors.New("allocator: unknown resource class")
)

const (
	defaultCandidates = 8
	defaultLockTries  = 5
)

// Service allocates and releases resource values.
type Service struct {
	repo       repository.AllocationRepository
	logger     *slog.Logger
	candidates int
	lockPolicy retry.Policy
	metrics    *metrics
}

// Option customises a Service.
type Option func(*Service)

// WithCandidates bounds how many free values are tried after unique-constraint rejections.
func WithCandidates(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.candidates = n
		}
	}
}

// WithLockRetry sets the backoff applied when the class lock cannot be acquired.
func WithLockRetry(p retry.Policy) Option {
	return func(s *Service) {
		s.lockPolicy = p
	}
}

// New constructs an allocator service.
func New(repo repository.AllocationRepository, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:       repo,
		logger:     logger.With("component", "allocator"),
		candidates: defaultCandidates,
		lockPolicy: retry.Exponential(defaultLockTries, 100*time.Millisecond, 2*time.Second),
		metrics:    newMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsurePool registers or resizes the value range of a resource class.
func (s *Service) EnsurePool(ctx context.Context, pool domain.ResourcePool) error {
	if strings.TrimSpace(pool.Class) == "" || pool.Capacity() == 0 {
		return fmt.Errorf("allocator: invalid pool %q [%d, %d]", pool.Class, pool.RangeStart, pool.RangeEnd)
	}
	if err := s.repo.EnsurePool(ctx, pool); err != nil {
		return fmt.Errorf("allocator: ensure pool %s: %w", pool.Class, err)
	}
	return nil
}

// Allocate returns the value bound to environmentID for class, reserving the
// lowest free one when the environment holds none yet.
func (s *Service) Allocate(ctx context.Context, class, environmentID string) (domain.Allocation, error) {
	class = strings.TrimSpace(class)
	environmentID = strings.TrimSpace(environmentID)
	if class == "" || environmentID == "" {
		return domain.Allocation{}, fmt.Errorf("allocator: resource class and environment id are required")
	}

	var result domain.Allocation
	err := retry.Do(ctx, s.lockPolicy, func(ctx context.Context) error {
		alloc, err := s.allocateOnce(ctx, class, environmentID)
		if errors.Is(err, repository.ErrLockTimeout) {
			s.metrics.lockRetries.WithLabelValues(class).Inc()
			s.logger.Warn("allocation lock busy, retrying", "class", class, "environment_id", environmentID)
			return retry.Retryable(err)
		}
		if err != nil {
			return err
		}
		result = alloc
		return nil
	})
	if err != nil {
		s.metrics.observe(class, err)
		if retry.IsExhausted(err) {
			return domain.Allocation{}, fmt.Errorf("allocator: lock on %s not acquired: %w", class, err)
		}
		return domain.Allocation{}, err
	}
	s.metrics.observe(class, nil)
	return result, nil
}

func (s *Service) allocateOnce(ctx context.Context, class, environmentID string) (domain.Allocation, error) {
	var result domain.Allocation
	err := s.repo.WithAllocationTx(ctx, func(tx repository.AllocationTx) error {
		pool, err := tx.LockPool(ctx, class)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownClass, class)
		}
		if err != nil {
			return err
		}

		existing, err := tx.Existing(ctx, class, environmentID)
		switch {
		case err == nil:
			result = *existing
			return nil
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		taken, err := tx.Allocated(ctx, class)
		if err != nil {
			return err
		}
		candidates := freeValues(pool, taken, s.candidates)
		if len(candidates) == 0 {
			return fmt.Errorf("%w: %s has %d values, all allocated", ErrExhausted, class, pool.Capacity())
		}

		next := 0
		err = retry.Do(ctx, retry.Constant(len(candidates), 0), func(ctx context.Context) error {
			alloc := domain.Allocation{
				EnvironmentID: environmentID,
				ResourceClass: class,
				Value:         candidates[next],
			}
			next++
			err := tx.Insert(ctx, &alloc)
			switch {
			case errors.Is(err, repository.ErrDuplicateValue):
				s.logger.Warn("allocation value taken outside lock, trying next", "class", class, "value", alloc.Value)
				return retry.Retryable(err)
			case errors.Is(err, repository.ErrAlreadyAllocated):
				return fmt.Errorf("%w: %s", ErrConflict, environmentID)
			case err != nil:
				return err
			}
			result = alloc
			return nil
		})
		if retry.IsExhausted(err) {
			return fmt.Errorf("%w: %s rejected %d candidates", ErrExhausted, class, len(candidates))
		}
		return err
	})
	if err != nil {
		return domain.Allocation{}, err
	}
	return result, nil
}

// Release frees every value held by environmentID.
func (s *Service) Release(ctx context.Context, environmentID string) (int64, error) {
	released, err := s.repo.ReleaseAllocations(ctx, environmentID)
	if err != nil {
		return 0, fmt.Errorf("allocator: release %s: %w", environmentID, err)
	}
	if released > 0 {
		s.logger.Info("allocations released", "environment_id", environmentID, "count", released)
	}
	return released, nil
}

// List returns current allocations of class for diagnostics.
func (s *Service) List(ctx context.Context, class string) ([]domain.Allocation, error) {
	return s.repo.ListAllocations(ctx, strings.TrimSpace(class))
}

// Lookup returns the environment's allocation for class.
func (s *Service) Lookup(ctx context.Context, class, environmentID string) (domain.Allocation, error) {
	alloc, err := s.repo.GetAllocation(ctx, class, environmentID)
	if err != nil {
		return domain.Allocation{}, err
	}
	return *alloc, nil
}

// freeValues returns up to limit unallocated values of pool in ascending order.
func freeValues(pool domain.ResourcePool, taken []int, limit int) []int {
	used := make(map[int]struct{}, len(taken))
	for _, v := range taken {
		used[v] = struct{}{}
	}
	out := make([]int, 0, limit)
	for v := pool.RangeStart; v <= pool.RangeEnd && len(out) < limit; v++ {
		if _, ok := used[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
