package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/splax/sitestack/internal/backup"
	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
	"github.com/splax/sitestack/internal/worker"
)

// DeprovisionParams are the inputs of a deprovision job.
type DeprovisionParams struct {
	PurgeVolumes bool `json:"purge_volumes"`
}

// Deprovision removes the container, releases every allocation and marks the
// environment destroyed. Volumes are kept unless PurgeVolumes is set.
func (s *Service) Deprovision(ctx context.Context, job domain.Job) (json.RawMessage, error) {
	params, err := worker.DecodeParams[DeprovisionParams](job)
	if err != nil {
		return nil, err
	}
	env, err := s.envs.GetEnvironment(ctx, job.EnvironmentID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load environment %s: %w", job.EnvironmentID, err)
	}
	if env != nil {
		if err := s.runtime.RemoveContainer(ctx, env.ContainerName); err != nil {
			return nil, err
		}
	}
	released, err := s.alloc.Release(ctx, job.EnvironmentID)
	if err != nil {
		return nil, err
	}
	purged := false
	if env != nil {
		if params.PurgeVolumes && env.VolumeRoot != "" {
			if err := os.RemoveAll(env.VolumeRoot); err != nil {
				return nil, fmt.Errorf("purge volumes: %w", err)
			}
			purged = true
		}
		if err := s.envs.UpdateEnvironmentStatus(ctx, env.ID, domain.EnvironmentDestroyed); err != nil {
			return nil, fmt.Errorf("mark destroyed: %w", err)
		}
	}
	s.logger.Info("environment deprovisioned", "environment_id", job.EnvironmentID, "released", released, "purged", purged)
	return result(map[string]any{
		"environment_id":       job.EnvironmentID,
		"released_allocations": released,
		"volumes_purged":       purged,
	})
}

// BackupParams are the inputs of a backup job.
type BackupParams struct {
	Label string `json:"label"`
}

// Backup asks the backup agent for a snapshot of the environment.
func (s *Service) Backup(ctx context.Context, job domain.Job) (json.RawMessage, error) {
	params, err := worker.DecodeParams[BackupParams](job)
	if err != nil {
		return nil, err
	}
	env, err := s.loadEnvironment(ctx, job.EnvironmentID)
	if err != nil {
		return nil, err
	}
	snap, err := s.backups.CreateSnapshot(ctx, backup.SnapshotRequest{
		EnvironmentID: env.ID,
		VolumeRoot:    env.VolumeRoot,
		DBName:        env.DBName,
		Label:         params.Label,
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	s.logger.Info("environment backed up", "environment_id", env.ID, "snapshot_id", snap.ID)
	return result(snap)
}

// RestoreParams are the inputs of a restore job.
type RestoreParams struct {
	SnapshotID string `json:"snapshot_id"`
}

// Restore stops the container, restores the snapshot and starts it again.
func (s *Service) Restore(ctx context.Context, job domain.Job) (json.RawMessage, error) {
	params, err := worker.DecodeParams[RestoreParams](job)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.SnapshotID) == "" {
		return nil, &ParamError{Field: "snapshot_id", Reason: "required"}
	}
	env, err := s.loadEnvironment(ctx, job.EnvironmentID)
	if err != nil {
		return nil, err
	}
	if err := s.runtime.StopContainer(ctx, env.ContainerName, stopGrace); err != nil {
		return nil, err
	}
	restored, err := s.backups.RestoreSnapshot(ctx, backup.RestoreRequest{
		EnvironmentID: env.ID,
		SnapshotID:    params.SnapshotID,
		VolumeRoot:    env.VolumeRoot,
		DBName:        env.DBName,
	})
	if err != nil {
		if env.Status != domain.EnvironmentSuspended {
			if startErr := s.runtime.StartContainer(ctx, env.ContainerName); startErr != nil {
				s.logger.Error("restart after failed restore", "environment_id", env.ID, "error", startErr)
			}
		}
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	if env.Status != domain.EnvironmentSuspended {
		if err := s.runtime.StartContainer(ctx, env.ContainerName); err != nil {
			return nil, err
		}
	}
	s.logger.Info("environment restored", "environment_id", env.ID, "snapshot_id", params.SnapshotID)
	return result(restored)
}

// Resource-change actions.
const (
	ActionSuspend = "suspend"
	ActionResume  = "resume"
	ActionRestart = "restart"
	ActionResize  = "resize"
)

// ResourceChangeParams are the inputs of a resource-change job.
type ResourceChangeParams struct {
	Action   string  `json:"action"`
	MemoryMB int     `json:"memory_mb"`
	CPUs     float64 `json:"cpus"`
}

// ChangeResources suspends, resumes, restarts or resizes an environment.
func (s *Service) ChangeResources(ctx context.Context, job domain.Job) (json.RawMessage, error) {
	params, err := worker.DecodeParams[ResourceChangeParams](job)
	if err != nil {
		return nil, err
	}
	env, err := s.loadEnvironment(ctx, job.EnvironmentID)
	if err != nil {
		return nil, err
	}
	status := env.Status

	switch params.Action {
	case ActionSuspend:
		if err := s.runtime.StopContainer(ctx, env.ContainerName, stopGrace); err != nil {
			return nil, err
		}
		status = domain.EnvironmentSuspended
	case ActionResume:
		if err := s.runtime.StartContainer(ctx, env.ContainerName); err != nil {
			return nil, err
		}
		status = domain.EnvironmentActive
	case ActionRestart:
		if env.Status == domain.EnvironmentSuspended {
			return nil, fmt.Errorf("%w: %s is suspended", ErrEnvironmentState, env.ID)
		}
		if err := s.runtime.RestartContainer(ctx, env.ContainerName, stopGrace); err != nil {
			return nil, err
		}
	case ActionResize:
		if params.MemoryMB <= 0 && params.CPUs <= 0 {
			return nil, &ParamError{Field: "memory_mb", Reason: "resize needs memory_mb or cpus"}
		}
		memory, cpus := env.MemoryLimitMB, env.CPULimit
		if params.MemoryMB > 0 {
			memory = params.MemoryMB
		}
		if params.CPUs > 0 {
			cpus = params.CPUs
		}
		if err := s.runtime.UpdateResources(ctx, env.ContainerName, memory, cpus); err != nil {
			return nil, err
		}
		if err := s.envs.UpdateEnvironmentLimits(ctx, env.ID, memory, cpus); err != nil {
			return nil, fmt.Errorf("store limits: %w", err)
		}
		env.MemoryLimitMB, env.CPULimit = memory, cpus
	default:
		return nil, &ParamError{Field: "action", Reason: fmt.Sprintf("unknown action %q", params.Action)}
	}

	if status != env.Status {
		if err := s.envs.UpdateEnvironmentStatus(ctx, env.ID, status); err != nil {
			return nil, fmt.Errorf("store status: %w", err)
		}
	}
	s.logger.Info("environment resources changed", "environment_id", env.ID, "action", params.Action, "status", status)
	return result(map[string]any{
		"environment_id": env.ID,
		"action":         params.Action,
		"status":         status,
		"memory_mb":      env.MemoryLimitMB,
		"cpus":           env.CPULimit,
		"changed_at":     time.Now().UTC(),
	})
}
