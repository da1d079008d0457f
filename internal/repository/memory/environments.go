package memory

import (
	"context"
	"fmt"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
)

// CreateEnvironment stores an environment.
func (r *Repository) CreateEnvironment(_ context.Context, env *domain.Environment) error {
	if env == nil {
		return fmt.Errorf("environment required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.envs[env.ID]; exists {
		return repository.ErrAlreadyExists
	}
	now := r.now()
	env.CreatedAt = now
	env.UpdatedAt = now
	r.envs[env.ID] = *env
	return nil
}

// GetEnvironment returns a copy of the stored environment.
func (r *Repository) GetEnvironment(_ context.Context, environmentID string) (*domain.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[environmentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &env, nil
}

// UpdateEnvironmentStatus records a lifecycle change.
func (r *Repository) UpdateEnvironmentStatus(_ context.Context, environmentID string, status domain.EnvironmentStatus) error {
	return r.updateEnv(environmentID, func(env *domain.Environment) {
		env.Status = status
	})
}

// UpdateEnvironmentLimits stores new resource limits.
func (r *Repository) UpdateEnvironmentLimits(_ context.Context, environmentID string, memoryMB int, cpu float64) error {
	return r.updateEnv(environmentID, func(env *domain.Environment) {
		env.MemoryLimitMB = memoryMB
		env.CPULimit = cpu
	})
}

func (r *Repository) updateEnv(environmentID string, mutate func(*domain.Environment)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[environmentID]
	if !ok {
		return repository.ErrNotFound
	}
	mutate(&env)
	env.UpdatedAt = r.now()
	r.envs[environmentID] = env
	return nil
}
