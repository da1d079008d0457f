package allocator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
	"github.com/splax/sitestack/internal/repository/memory"
	"github.com/splax/sitestack/pkg/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func newMemoryAllocator(t *testing.T, start, end int) (*Service, *memory.Repository) {
	t.Helper()
	repo := memory.New()
	svc := New(repo, testLogger(), WithLockRetry(retry.Constant(3, 0)))
	if err := svc.EnsurePool(context.Background(), domain.ResourcePool{Class: "port", RangeStart: start, RangeEnd: end}); err != nil {
		t.Fatalf("ensure pool: %v", err)
	}
	return svc, repo
}

func TestConcurrentAllocationsAreDistinctAndSixthIsExhausted(t *testing.T) {
	svc, _ := newMemoryAllocator(t, 8100, 8104)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]domain.Allocation, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Allocate(ctx, "port", fmt.Sprintf("env-%d", i))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]string)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		value := results[i].Value
		if value < 8100 || value > 8104 {
			t.Fatalf("value %d outside range", value)
		}
		if other, dup := seen[value]; dup {
			t.Fatalf("value %d handed to both %s and %s", value, other, results[i].EnvironmentID)
		}
		seen[value] = results[i].EnvironmentID
	}

	_, err := svc.Allocate(ctx, "port", "env-6")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion for the sixth environment, got %v", err)
	}
	allocs, _ := svc.List(ctx, "port")
	if len(allocs) != 5 {
		t.Fatalf("expected no partial allocation after exhaustion, got %d rows", len(allocs))
	}
}

func TestAllocateReturnsExistingAllocation(t *testing.T) {
	svc, _ := newMemoryAllocator(t, 9000, 9010)
	ctx := context.Background()

	first, err := svc.Allocate(ctx, "port", "env-a")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	again, err := svc.Allocate(ctx, "port", "env-a")
	if err != nil {
		t.Fatalf("allocate again: %v", err)
	}
	if first.Value != again.Value {
		t.Fatalf("expected the same value on repeat, got %d and %d", first.Value, again.Value)
	}
	if first.Value != 9000 {
		t.Fatalf("expected lowest value 9000, got %d", first.Value)
	}
}

func TestReleaseMakesValueReusable(t *testing.T) {
	svc, _ := newMemoryAllocator(t, 9000, 9010)
	ctx := context.Background()

	a, _ := svc.Allocate(ctx, "port", "env-a")
	b, _ := svc.Allocate(ctx, "port", "env-b")
	if a.Value != 9000 || b.Value != 9001 {
		t.Fatalf("unexpected first-fit values %d, %d", a.Value, b.Value)
	}
	released, err := svc.Release(ctx, "env-a")
	if err != nil || released != 1 {
		t.Fatalf("expected one released allocation, got %d (%v)", released, err)
	}
	c, err := svc.Allocate(ctx, "port", "env-c")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if c.Value != 9000 {
		t.Fatalf("expected freed value 9000 to be reused, got %d", c.Value)
	}
}

func TestAllocateUnknownClass(t *testing.T) {
	svc, _ := newMemoryAllocator(t, 9000, 9001)
	_, err := svc.Allocate(context.Background(), "ipv4-slot", "env-a")
	if !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("expected unknown class error, got %v", err)
	}
}

func TestAllocateRetriesNextCandidateOnDuplicate(t *testing.T) {
	repo := &scriptedRepo{
		pool:       domain.ResourcePool{Class: "port", RangeStart: 100, RangeEnd: 110},
		duplicates: map[int]bool{100: true, 101: true},
	}
	svc := New(repo, testLogger())
	alloc, err := svc.Allocate(context.Background(), "port", "env-a")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if alloc.Value != 102 {
		t.Fatalf("expected third candidate 102, got %d", alloc.Value)
	}
	if len(repo.attempted) != 3 {
		t.Fatalf("expected three insert attempts, got %v", repo.attempted)
	}
}

func TestAllocateGivesUpAfterBoundedDuplicates(t *testing.T) {
	dups := make(map[int]bool)
	for v := 100; v <= 200; v++ {
		dups[v] = true
	}
	repo := &scriptedRepo{pool: domain.ResourcePool{Class: "port", RangeStart: 100, RangeEnd: 200}, duplicates: dups}
	svc := New(repo, testLogger(), WithCandidates(4))
	_, err := svc.Allocate(context.Background(), "port", "env-a")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion after bounded retries, got %v", err)
	}
	if len(repo.attempted) != 4 {
		t.Fatalf("expected four attempts, got %d", len(repo.attempted))
	}
}

func TestAllocateRetriesLockTimeouts(t *testing.T) {
	repo := &scriptedRepo{pool: domain.ResourcePool{Class: "port", RangeStart: 100, RangeEnd: 110}, lockFailures: 2}
	svc := New(repo, testLogger(), WithLockRetry(retry.Constant(3, 0)))
	alloc, err := svc.Allocate(context.Background(), "port", "env-a")
	if err != nil {
		t.Fatalf("expected success after lock retries, got %v", err)
	}
	if alloc.Value != 100 {
		t.Fatalf("expected 100, got %d", alloc.Value)
	}
}

func TestAllocateEscalatesPersistentLockTimeout(t *testing.T) {
	repo := &scriptedRepo{pool: domain.ResourcePool{Class: "port", RangeStart: 100, RangeEnd: 110}, lockFailures: 10}
	svc := New(repo, testLogger(), WithLockRetry(retry.Constant(3, 0)))
	_, err := svc.Allocate(context.Background(), "port", "env-a")
	if !errors.Is(err, repository.ErrLockTimeout) {
		t.Fatalf("expected lock timeout to surface, got %v", err)
	}
	if repo.lockCalls != 3 {
		t.Fatalf("expected 3 lock attempts, got %d", repo.lockCalls)
	}
}

func TestAllocateReportsConflictWhenEnvironmentBoundElsewhere(t *testing.T) {
	repo := &scriptedRepo{pool: domain.ResourcePool{Class: "port", RangeStart: 100, RangeEnd: 110}, envTaken: true}
	svc := New(repo, testLogger())
	_, err := svc.Allocate(context.Background(), "port", "env-a")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

// scriptedRepo drives the allocator through failure paths the memory store cannot reach.
type scriptedRepo struct {
	pool         domain.ResourcePool
	duplicates   map[int]bool
	lockFailures int
	lockCalls    int
	envTaken     bool
	attempted    []int
}

func (r *scriptedRepo) WithAllocationTx(ctx context.Context, fn func(tx repository.AllocationTx) error) error {
	return fn(r)
}

func (r *scriptedRepo) LockPool(context.Context, string) (domain.ResourcePool, error) {
	r.lockCalls++
	if r.lockCalls <= r.lockFailures {
		return domain.ResourcePool{}, repository.ErrLockTimeout
	}
	return r.pool, nil
}

func (r *scriptedRepo) Allocated(context.Context, string) ([]int, error) { return nil, nil }

func (r *scriptedRepo) Existing(context.Context, string, string) (*domain.Allocation, error) {
	return nil, repository.ErrNotFound
}

func (r *scriptedRepo) Insert(_ context.Context, a *domain.Allocation) error {
	r.attempted = append(r.attempted, a.Value)
	if r.envTaken {
		return repository.ErrAlreadyAllocated
	}
	if r.duplicates[a.Value] {
		return repository.ErrDuplicateValue
	}
	return nil
}

func (r *scriptedRepo) EnsurePool(context.Context, domain.ResourcePool) error { return nil }

func (r *scriptedRepo) ReleaseAllocations(context.Context, string) (int64, error) { return 0, nil }

func (r *scriptedRepo) ListAllocations(context.Context, string) ([]domain.Allocation, error) {
	return nil, nil
}

func (r *scriptedRepo) GetAllocation(context.Context, string, string) (*domain.Allocation, error) {
	return nil, repository.ErrNotFound
}
