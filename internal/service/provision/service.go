// Package provision implements the job handlers that act on customer
// environments: provisioning, teardown, backup, restore and resource changes.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/sitestack/internal/backup"
	"github.com/splax/sitestack/internal/docker"
	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
	"github.com/splax/sitestack/internal/worker"
	"github.com/splax/sitestack/pkg/config"
	"github.com/splax/sitestack/pkg/crypto"
)

const stopGrace = 30 * time.Second

// Allocator reserves and releases per-environment resource values.
type Allocator interface {
	Allocate(ctx context.Context, class, environmentID string) (domain.Allocation, error)
	Release(ctx context.Context, environmentID string) (int64, error)
}

// Runtime manages environment containers.
type Runtime interface {
	PullImage(ctx context.Context, ref string, onOutput docker.PullOutputCallback) error
	RunContainer(ctx context.Context, spec docker.ContainerSpec) (docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, name string) error
	StopContainer(ctx context.Context, name string, grace time.Duration) error
	StartContainer(ctx context.Context, name string) error
	RestartContainer(ctx context.Context, name string, grace time.Duration) error
	UpdateResources(ctx context.Context, name string, memoryMB int, cpus float64) error
}

// BackupAgent snapshots and restores environments.
type BackupAgent interface {
	CreateSnapshot(ctx context.Context, req backup.SnapshotRequest) (backup.Snapshot, error)
	RestoreSnapshot(ctx context.Context, req backup.RestoreRequest) (backup.Restore, error)
}

// ParamError reports an unusable job parameter.
type ParamError struct {
	Field  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %s: %s", e.Field, e.Reason)
}

// ErrEnvironmentState is returned when an environment cannot take the requested action.
var ErrEnvironmentState = errors.New("provision: environment not in a usable state")

// Service holds the dependencies shared by the handlers.
type Service struct {
	envs    repository.EnvironmentRepository
	alloc   Allocator
	runtime Runtime
	backups BackupAgent
	sealer  *crypto.Sealer
	cfg     config.WorkerConfig
	logger  *slog.Logger
}

// New constructs the provisioning service.
func New(envs repository.EnvironmentRepository, alloc Allocator, runtime Runtime, backups BackupAgent, sealer *crypto.Sealer, cfg config.WorkerConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		envs:    envs,
		alloc:   alloc,
		runtime: runtime,
		backups: backups,
		sealer:  sealer,
		cfg:     cfg,
		logger:  logger.With("component", "provision"),
	}
}

// Register binds every handler to its job type.
func (s *Service) Register(reg *worker.Registry) {
	reg.Register(domain.JobProvision, worker.HandlerFunc(s.Provision))
	reg.Register(domain.JobDeprovision, worker.HandlerFunc(s.Deprovision))
	reg.Register(domain.JobBackup, worker.HandlerFunc(s.Backup))
	reg.Register(domain.JobRestore, worker.HandlerFunc(s.Restore))
	reg.Register(domain.JobResourceChange, worker.HandlerFunc(s.ChangeResources))
}

func (s *Service) loadEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	env, err := s.envs.GetEnvironment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load environment %s: %w", id, err)
	}
	if env.Status == domain.EnvironmentDestroyed {
		return nil, fmt.Errorf("%w: %s is destroyed", ErrEnvironmentState, id)
	}
	return env, nil
}

func result(v any) (json.RawMessage, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}
