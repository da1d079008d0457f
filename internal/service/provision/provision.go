package provision

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"sort"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/splax/sitestack/internal/docker"
	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
	"github.com/splax/sitestack/internal/worker"
)

// ProvisionParams are the inputs of a provision job.
type ProvisionParams struct {
	CustomerID    string  `json:"customer_id"`
	Platform      string  `json:"platform"`
	SiteURL       string  `json:"site_url"`
	SiteTitle     string  `json:"site_title"`
	AdminUser     string  `json:"admin_user"`
	AdminEmail    string  `json:"admin_email"`
	AdminPassword string  `json:"admin_password"`
	DBPassword    string  `json:"db_password"`
	MemoryMB      int     `json:"memory_mb"`
	CPUs          float64 `json:"cpus"`
}

// ProvisionResult is stored on a completed provision job.
type ProvisionResult struct {
	EnvironmentID string `json:"environment_id"`
	ContainerName string `json:"container_name"`
	ContainerID   string `json:"container_id,omitempty"`
	Port          int    `json:"port"`
	SiteURL       string `json:"site_url"`
}

func (p *ProvisionParams) validate() error {
	if !domain.Platform(p.Platform).Valid() {
		return &ParamError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", p.Platform)}
	}
	if strings.TrimSpace(p.CustomerID) == "" {
		return &ParamError{Field: "customer_id", Reason: "required"}
	}
	if strings.TrimSpace(p.AdminUser) == "" {
		return &ParamError{Field: "admin_user", Reason: "required"}
	}
	if _, err := mail.ParseAddress(p.AdminEmail); err != nil {
		return &ParamError{Field: "admin_email", Reason: "not a valid address"}
	}
	if len(p.AdminPassword) < 8 {
		return &ParamError{Field: "admin_password", Reason: "must be at least 8 characters"}
	}
	if p.MemoryMB < 0 {
		return &ParamError{Field: "memory_mb", Reason: "cannot be negative"}
	}
	if p.CPUs < 0 {
		return &ParamError{Field: "cpus", Reason: "cannot be negative"}
	}
	return nil
}

// Provision creates the environment record, reserves a host port, prepares
// the volume layout and starts the container. Re-running a provision job for
// the same environment reuses the record and the port.
func (s *Service) Provision(ctx context.Context, job domain.Job) (json.RawMessage, error) {
	params, err := worker.DecodeParams[ProvisionParams](job)
	if err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	env, err := s.ensureEnvironment(ctx, job.EnvironmentID, params)
	if err != nil {
		return nil, err
	}
	adminPassword, dbPassword, err := s.openCredentials(env)
	if err != nil {
		return nil, err
	}

	alloc, err := s.alloc.Allocate(ctx, s.cfg.PortClass, env.ID)
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}
	logger := s.logger.With("environment_id", env.ID, "port", alloc.Value)

	if err := prepareVolumes(env.VolumeRoot, env.Platform); err != nil {
		return nil, err
	}

	image := s.cfg.StackImages[string(env.Platform)]
	if err := s.runtime.PullImage(ctx, image, nil); err != nil {
		// A locally present image still lets the container start.
		logger.Warn("image pull failed", "image", image, "error", err)
	}
	if err := s.runtime.RemoveContainer(ctx, env.ContainerName); err != nil {
		return nil, err
	}
	info, err := s.runtime.RunContainer(ctx, docker.ContainerSpec{
		Name:          env.ContainerName,
		Image:         image,
		Env:           containerEnv(env, s.cfg.DatabaseHost, s.cfg.DatabasePort, adminPassword, dbPassword, params.SiteTitle),
		Mounts:        []docker.Mount{{Source: env.VolumeRoot, Target: "/data"}},
		HostPort:      alloc.Value,
		ContainerPort: s.cfg.ContainerPort,
		MemoryMB:      env.MemoryLimitMB,
		CPUs:          env.CPULimit,
		Labels: map[string]string{
			"sitestack.environment": env.ID,
			"sitestack.customer":    env.CustomerID,
			"sitestack.platform":    string(env.Platform),
		},
	})
	if err != nil {
		return nil, err
	}
	if err := s.envs.UpdateEnvironmentStatus(ctx, env.ID, domain.EnvironmentActive); err != nil {
		return nil, fmt.Errorf("activate environment: %w", err)
	}
	logger.Info("environment provisioned", "container", env.ContainerName)

	return result(ProvisionResult{
		EnvironmentID: env.ID,
		ContainerName: env.ContainerName,
		ContainerID:   info.ID,
		Port:          alloc.Value,
		SiteURL:       env.SiteURL,
	})
}

func (s *Service) ensureEnvironment(ctx context.Context, id string, params ProvisionParams) (*domain.Environment, error) {
	existing, err := s.envs.GetEnvironment(ctx, id)
	switch {
	case err == nil:
		if existing.Status == domain.EnvironmentDestroyed {
			return nil, fmt.Errorf("%w: %s is destroyed", ErrEnvironmentState, id)
		}
		return existing, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("load environment %s: %w", id, err)
	}

	root, err := securejoin.SecureJoin(s.cfg.VolumeRoot, id)
	if err != nil {
		return nil, fmt.Errorf("resolve volume root: %w", err)
	}
	dbPassword := params.DBPassword
	if dbPassword == "" {
		if dbPassword, err = randomSecret(); err != nil {
			return nil, err
		}
	}
	sealedAdmin, err := s.seal(params.AdminPassword)
	if err != nil {
		return nil, err
	}
	sealedDB, err := s.seal(dbPassword)
	if err != nil {
		return nil, err
	}

	memory, cpus := params.MemoryMB, params.CPUs
	if memory == 0 {
		memory = s.cfg.MemoryLimitMB
	}
	if cpus == 0 {
		cpus = s.cfg.CPULimit
	}
	siteURL := strings.TrimSpace(params.SiteURL)
	if siteURL == "" {
		siteURL = fmt.Sprintf("https://%s.%s", shortID(id), s.cfg.SiteDomain)
	}
	dbName := "site_" + strings.ReplaceAll(shortID(id), "-", "_")
	env := &domain.Environment{
		ID:            id,
		CustomerID:    params.CustomerID,
		Platform:      domain.Platform(params.Platform),
		Status:        domain.EnvironmentProvisioning,
		SiteURL:       siteURL,
		ContainerName: s.cfg.ContainerPrefix + "-" + shortID(id),
		VolumeRoot:    root,
		DBName:        dbName,
		DBUser:        dbName,
		DBPassword:    sealedDB,
		AdminUser:     params.AdminUser,
		AdminEmail:    params.AdminEmail,
		AdminPassword: sealedAdmin,
		MemoryLimitMB: memory,
		CPULimit:      cpus,
	}
	if err := s.envs.CreateEnvironment(ctx, env); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return s.envs.GetEnvironment(ctx, id)
		}
		return nil, fmt.Errorf("create environment: %w", err)
	}
	s.logger.Info("environment created", "environment_id", id, "platform", env.Platform)
	return env, nil
}

func (s *Service) seal(secret string) ([]byte, error) {
	if s.sealer == nil {
		return []byte(secret), nil
	}
	out, err := s.sealer.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}
	return out, nil
}

func (s *Service) openCredentials(env *domain.Environment) (admin, db string, err error) {
	if s.sealer == nil {
		return string(env.AdminPassword), string(env.DBPassword), nil
	}
	if admin, err = s.sealer.Open(env.AdminPassword); err != nil {
		return "", "", fmt.Errorf("open admin credential: %w", err)
	}
	if db, err = s.sealer.Open(env.DBPassword); err != nil {
		return "", "", fmt.Errorf("open database credential: %w", err)
	}
	return admin, db, nil
}

// prepareVolumes creates every mount point of the platform layout under root.
func prepareVolumes(root string, platform domain.Platform) error {
	layout := domain.VolumeLayout(platform)
	names := make([]string, 0, len(layout))
	for name := range layout {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dir, err := securejoin.SecureJoin(root, layout[name])
		if err != nil {
			return fmt.Errorf("resolve %s volume: %w", name, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s volume: %w", name, err)
		}
	}
	return nil
}

func containerEnv(env *domain.Environment, dbHost string, dbPort int, adminPassword, dbPassword, title string) []string {
	if title == "" {
		title = env.SiteURL
	}
	return []string{
		"PLATFORM=" + string(env.Platform),
		"DB_HOST=" + dbHost,
		"DB_PORT=" + strconv.Itoa(dbPort),
		"DB_NAME=" + env.DBName,
		"DB_USER=" + env.DBUser,
		"DB_PASSWORD=" + dbPassword,
		"ADMIN_USER=" + env.AdminUser,
		"ADMIN_EMAIL=" + env.AdminEmail,
		"ADMIN_PASSWORD=" + adminPassword,
		"SITE_URL=" + env.SiteURL,
		"SITE_TITLE=" + title,
	}
}

func shortID(id string) string {
	id = strings.ToLower(id)
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func randomSecret() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
