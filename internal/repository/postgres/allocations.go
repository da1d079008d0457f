package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
)

const (
	constraintAllocationValue       = "allocations_value_key"
	constraintAllocationEnvironment = "allocations_environment_key"
)

// WithAllocationTx runs fn inside one transaction bounded by the configured lock timeout.
func (r *Repository) WithAllocationTx(ctx context.Context, fn func(tx repository.AllocationTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	lockTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, lockTimeout); err != nil {
		return mapError(err)
	}
	if err := fn(&allocationTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

type allocationTx struct {
	tx pgx.Tx
}

func (a *allocationTx) LockPool(ctx context.Context, class string) (domain.ResourcePool, error) {
	const query = `SELECT resource_class, range_start, range_end
		FROM resource_pools WHERE resource_class = $1 FOR UPDATE`
	var pool domain.ResourcePool
	if err := a.tx.QueryRow(ctx, query, class).Scan(&pool.Class, &pool.RangeStart, &pool.RangeEnd); err != nil {
		return domain.ResourcePool{}, mapError(err)
	}
	return pool, nil
}

func (a *allocationTx) Allocated(ctx context.Context, class string) ([]int, error) {
	const query = `SELECT resource_value FROM allocations WHERE resource_class = $1 ORDER BY resource_value`
	rows, err := a.tx.Query(ctx, query, class)
	if err != nil {
		return nil, mapError(err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, mapError(err)
	}
	return values, nil
}

func (a *allocationTx) Existing(ctx context.Context, class, environmentID string) (*domain.Allocation, error) {
	const query = `SELECT environment_id, resource_class, resource_value, allocated_at
		FROM allocations WHERE resource_class = $1 AND environment_id = $2`
	return scanAllocation(a.tx.QueryRow(ctx, query, class, environmentID))
}

func (a *allocationTx) Insert(ctx context.Context, allocation *domain.Allocation) error {
	sp, err := a.tx.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	const query = `INSERT INTO allocations (environment_id, resource_class, resource_value)
		VALUES ($1, $2, $3) RETURNING allocated_at`
	err = sp.QueryRow(ctx, query, allocation.EnvironmentID, allocation.ResourceClass, allocation.Value).Scan(&allocation.AllocatedAt)
	if err != nil {
		_ = sp.Rollback(ctx)
		if name, ok := constraintName(err); ok {
			switch name {
			case constraintAllocationValue:
				return repository.ErrDuplicateValue
			case constraintAllocationEnvironment:
				return repository.ErrAlreadyAllocated
			}
		}
		return mapError(err)
	}
	return mapError(sp.Commit(ctx))
}

// EnsurePool creates or resizes a resource class range.
func (r *Repository) EnsurePool(ctx context.Context, pool domain.ResourcePool) error {
	const query = `INSERT INTO resource_pools (resource_class, range_start, range_end)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource_class) DO UPDATE
		SET range_start = EXCLUDED.range_start, range_end = EXCLUDED.range_end`
	_, err := r.pool.Exec(ctx, query, pool.Class, pool.RangeStart, pool.RangeEnd)
	return mapError(err)
}

// ReleaseAllocations frees every value held by an environment.
func (r *Repository) ReleaseAllocations(ctx context.Context, environmentID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM allocations WHERE environment_id = $1`, environmentID)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

// ListAllocations returns allocations of a class ordered by value. An empty class lists all.
func (r *Repository) ListAllocations(ctx context.Context, class string) ([]domain.Allocation, error) {
	const query = `SELECT environment_id, resource_class, resource_value, allocated_at
		FROM allocations
		WHERE ($1 = '' OR resource_class = $1)
		ORDER BY resource_class, resource_value`
	rows, err := r.pool.Query(ctx, query, class)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	allocations := make([]domain.Allocation, 0)
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, *alloc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return allocations, nil
}

// GetAllocation returns the environment's allocation for class.
func (r *Repository) GetAllocation(ctx context.Context, class, environmentID string) (*domain.Allocation, error) {
	const query = `SELECT environment_id, resource_class, resource_value, allocated_at
		FROM allocations WHERE resource_class = $1 AND environment_id = $2`
	return scanAllocation(r.pool.QueryRow(ctx, query, class, environmentID))
}

func scanAllocation(row pgx.Row) (*domain.Allocation, error) {
	var alloc domain.Allocation
	if err := row.Scan(&alloc.EnvironmentID, &alloc.ResourceClass, &alloc.Value, &alloc.AllocatedAt); err != nil {
		return nil, mapError(err)
	}
	return &alloc, nil
}
