package memory

import (
	"context"
	"sort"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
)

// WithAllocationTx serializes allocation transactions. Inserts are staged
// and become visible only when fn returns nil.
func (r *Repository) WithAllocationTx(ctx context.Context, fn func(tx repository.AllocationTx) error) error {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &allocationTx{repo: r}
	if err := fn(tx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocations = append(r.allocations, tx.staged...)
	return nil
}

type allocationTx struct {
	repo   *Repository
	staged []domain.Allocation
}

func (t *allocationTx) LockPool(_ context.Context, class string) (domain.ResourcePool, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	pool, ok := t.repo.pools[class]
	if !ok {
		return domain.ResourcePool{}, repository.ErrNotFound
	}
	return pool, nil
}

func (t *allocationTx) Allocated(_ context.Context, class string) ([]int, error) {
	values := make([]int, 0)
	for _, a := range t.all() {
		if a.ResourceClass == class {
			values = append(values, a.Value)
		}
	}
	sort.Ints(values)
	return values, nil
}

func (t *allocationTx) Existing(_ context.Context, class, environmentID string) (*domain.Allocation, error) {
	for _, a := range t.all() {
		if a.ResourceClass == class && a.EnvironmentID == environmentID {
			out := a
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *allocationTx) Insert(_ context.Context, allocation *domain.Allocation) error {
	for _, a := range t.all() {
		if a.ResourceClass != allocation.ResourceClass {
			continue
		}
		if a.Value == allocation.Value {
			return repository.ErrDuplicateValue
		}
		if a.EnvironmentID == allocation.EnvironmentID {
			return repository.ErrAlreadyAllocated
		}
	}
	t.repo.mu.Lock()
	allocation.AllocatedAt = t.repo.now()
	t.repo.mu.Unlock()
	t.staged = append(t.staged, *allocation)
	return nil
}

func (t *allocationTx) all() []domain.Allocation {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	out := make([]domain.Allocation, 0, len(t.repo.allocations)+len(t.staged))
	out = append(out, t.repo.allocations...)
	return append(out, t.staged...)
}

// EnsurePool creates or resizes a resource class range.
func (r *Repository) EnsurePool(_ context.Context, pool domain.ResourcePool) error {
	if pool.Capacity() == 0 {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[pool.Class] = pool
	return nil
}

// ReleaseAllocations frees every value held by environmentID.
func (r *Repository) ReleaseAllocations(_ context.Context, environmentID string) (int64, error) {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.allocations[:0]
	var released int64
	for _, a := range r.allocations {
		if a.EnvironmentID == environmentID {
			released++
			continue
		}
		kept = append(kept, a)
	}
	r.allocations = kept
	return released, nil
}

// ListAllocations returns allocations of class ordered by value. An empty class lists all.
func (r *Repository) ListAllocations(_ context.Context, class string) ([]domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Allocation, 0)
	for _, a := range r.allocations {
		if class == "" || a.ResourceClass == class {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceClass != out[j].ResourceClass {
			return out[i].ResourceClass < out[j].ResourceClass
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}

// GetAllocation returns the environment's allocation for class.
func (r *Repository) GetAllocation(_ context.Context, class, environmentID string) (*domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.allocations {
		if a.ResourceClass == class && a.EnvironmentID == environmentID {
			out := a
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}
