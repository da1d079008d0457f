package postgres

import (
	"context"
	"fmt"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
)

// CreateEnvironment inserts an environment record.
func (r *Repository) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	if env == nil {
		return fmt.Errorf("environment required")
	}
	const query = `INSERT INTO environments (
			id, customer_id, platform, status, site_url, container_name, volume_root,
			db_name, db_user, db_password, admin_user, admin_email, admin_password,
			memory_limit_mb, cpu_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		env.ID,
		env.CustomerID,
		string(env.Platform),
		string(env.Status),
		env.SiteURL,
		env.ContainerName,
		env.VolumeRoot,
		env.DBName,
		env.DBUser,
		env.DBPassword,
		env.AdminUser,
		env.AdminEmail,
		env.AdminPassword,
		env.MemoryLimitMB,
		env.CPULimit,
	).Scan(&env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		if name, ok := constraintName(err); ok && name == "environments_pkey" {
			return repository.ErrAlreadyExists
		}
		return mapError(err)
	}
	return nil
}

// GetEnvironment fetches an environment by identifier.
func (r *Repository) GetEnvironment(ctx context.Context, environmentID string) (*domain.Environment, error) {
	const query = `SELECT id, customer_id, platform, status, site_url, container_name, volume_root,
			db_name, db_user, db_password, admin_user, admin_email, admin_password,
			memory_limit_mb, cpu_limit, created_at, updated_at
		FROM environments WHERE id = $1`
	var (
		env      domain.Environment
		platform string
		status   string
	)
	err := r.pool.QueryRow(ctx, query, environmentID).Scan(
		&env.ID,
		&env.CustomerID,
		&platform,
		&status,
		&env.SiteURL,
		&env.ContainerName,
		&env.VolumeRoot,
		&env.DBName,
		&env.DBUser,
		&env.DBPassword,
		&env.AdminUser,
		&env.AdminEmail,
		&env.AdminPassword,
		&env.MemoryLimitMB,
		&env.CPULimit,
		&env.CreatedAt,
		&env.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	env.Platform = domain.Platform(platform)
	env.Status = domain.EnvironmentStatus(status)
	return &env, nil
}

// UpdateEnvironmentStatus records a lifecycle change.
func (r *Repository) UpdateEnvironmentStatus(ctx context.Context, environmentID string, status domain.EnvironmentStatus) error {
	const query = `UPDATE environments SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, environmentID, string(status))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateEnvironmentLimits stores new resource limits.
func (r *Repository) UpdateEnvironmentLimits(ctx context.Context, environmentID string, memoryMB int, cpu float64) error {
	const query = `UPDATE environments SET memory_limit_mb = $2, cpu_limit = $3, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, environmentID, memoryMB, cpu)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
