package provision

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/sitestack/internal/backup"
	"github.com/splax/sitestack/internal/docker"
	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository/memory"
	"github.com/splax/sitestack/internal/service/allocator"
	"github.com/splax/sitestack/internal/worker"
	"github.com/splax/sitestack/pkg/config"
	"github.com/splax/sitestack/pkg/crypto"
)

type fakeRuntime struct {
	mu       sync.Mutex
	runs     []docker.ContainerSpec
	removed  []string
	stopped  []string
	started  []string
	restarts []string
	resized  map[string][2]float64
	runErr   error
}

func (f *fakeRuntime) PullImage(context.Context, string, docker.PullOutputCallback) error {
	return errors.New("registry unreachable")
}

func (f *fakeRuntime) RunContainer(_ context.Context, spec docker.ContainerSpec) (docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return docker.ContainerInfo{}, f.runErr
	}
	f.runs = append(f.runs, spec)
	return docker.ContainerInfo{ID: "ctr-" + spec.Name}, nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, name)
	return nil
}

func (f *fakeRuntime) RestartContainer(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, name)
	return nil
}

func (f *fakeRuntime) UpdateResources(_ context.Context, name string, memoryMB int, cpus float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resized == nil {
		f.resized = make(map[string][2]float64)
	}
	f.resized[name] = [2]float64{float64(memoryMB), cpus}
	return nil
}

type fakeBackups struct {
	snapshots  []backup.SnapshotRequest
	restores   []backup.RestoreRequest
	restoreErr error
}

func (f *fakeBackups) CreateSnapshot(_ context.Context, req backup.SnapshotRequest) (backup.Snapshot, error) {
	f.snapshots = append(f.snapshots, req)
	return backup.Snapshot{ID: "snap-1", SizeBytes: 1024}, nil
}

func (f *fakeBackups) RestoreSnapshot(_ context.Context, req backup.RestoreRequest) (backup.Restore, error) {
	f.restores = append(f.restores, req)
	if f.restoreErr != nil {
		return backup.Restore{}, f.restoreErr
	}
	return backup.Restore{SnapshotID: req.SnapshotID}, nil
}

type fixture struct {
	svc     *Service
	repo    *memory.Repository
	alloc   *allocator.Service
	runtime *fakeRuntime
	backups *fakeBackups
	cfg     config.WorkerConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithPorts(t, 8100, 8102)
}

func newFixtureWithPorts(t *testing.T, first, last int) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	repo := memory.New()
	alloc := allocator.New(repo, logger)
	if err := alloc.EnsurePool(context.Background(), domain.ResourcePool{Class: "port", RangeStart: first, RangeEnd: last}); err != nil {
		t.Fatalf("ensure pool: %v", err)
	}
	sealer, err := crypto.NewSealer("provision-test")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	cfg := config.WorkerConfig{
		PortClass:       "port",
		VolumeRoot:      t.TempDir(),
		ContainerPort:   80,
		ContainerPrefix: "site",
		StackImages:     map[string]string{"wordpress": "sitestack/wordpress:test", "magento": "sitestack/magento:test"},
		DatabaseHost:    "db",
		DatabasePort:    3306,
		SiteDomain:      "sites.test",
		MemoryLimitMB:   512,
		CPULimit:        1,
	}
	f := &fixture{repo: repo, alloc: alloc, runtime: &fakeRuntime{}, backups: &fakeBackups{}, cfg: cfg}
	f.svc = New(repo, alloc, f.runtime, f.backups, sealer, cfg, logger)
	return f
}

func provisionJob(envID, params string) domain.Job {
	return domain.Job{ID: "job-" + envID, Type: domain.JobProvision, EnvironmentID: envID, Params: json.RawMessage(params)}
}

const wordpressParams = `{"customer_id":"cust-1","platform":"wordpress","admin_user":"owner","admin_email":"owner@example.com","admin_password":"correct-horse"}`

func TestProvisionStartsContainerOnAllocatedPort(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.Provision(context.Background(), provisionJob("env-1", wordpressParams))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	var res ProvisionResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Port != 8100 || res.ContainerName != "site-env-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.runtime.runs) != 1 {
		t.Fatalf("expected one container run, got %d", len(f.runtime.runs))
	}
	spec := f.runtime.runs[0]
	if spec.HostPort != 8100 || spec.ContainerPort != 80 || spec.Image != "sitestack/wordpress:test" {
		t.Fatalf("unexpected container spec %+v", spec)
	}
	if !contains(spec.Env, "ADMIN_PASSWORD=correct-horse") || !contains(spec.Env, "SITE_URL=https://env-1.sites.test") {
		t.Fatalf("expected credentials and site url in env, got %v", spec.Env)
	}

	env, _ := f.repo.GetEnvironment(context.Background(), "env-1")
	if env.Status != domain.EnvironmentActive {
		t.Fatalf("expected active environment, got %s", env.Status)
	}
	if strings.Contains(string(env.AdminPassword), "correct-horse") {
		t.Fatalf("expected admin password sealed at rest")
	}
	for _, rel := range domain.VolumeLayout(domain.PlatformWordPress) {
		if info, err := os.Stat(filepath.Join(f.cfg.VolumeRoot, "env-1", rel)); err != nil || !info.IsDir() {
			t.Fatalf("expected volume dir %s: %v", rel, err)
		}
	}
}

func TestProvisionIsRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Provision(ctx, provisionJob("env-1", wordpressParams)); err != nil {
		t.Fatalf("first provision: %v", err)
	}
	if _, err := f.svc.Provision(ctx, provisionJob("env-1", wordpressParams)); err != nil {
		t.Fatalf("second provision: %v", err)
	}
	allocs, _ := f.alloc.List(ctx, "port")
	if len(allocs) != 1 || allocs[0].Value != 8100 {
		t.Fatalf("expected a single reused allocation, got %+v", allocs)
	}
	if f.runtime.runs[1].HostPort != 8100 {
		t.Fatalf("expected rerun on the same port, got %d", f.runtime.runs[1].HostPort)
	}
}

func TestProvisionRejectsUnknownPlatform(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Provision(context.Background(), provisionJob("env-1",
		`{"customer_id":"c","platform":"drupal","admin_user":"a","admin_email":"a@b.co","admin_password":"12345678"}`))
	var perr *ParamError
	if !errors.As(err, &perr) || perr.Field != "platform" {
		t.Fatalf("expected platform ParamError, got %v", err)
	}
	if len(f.runtime.runs) != 0 {
		t.Fatalf("expected no container to start")
	}
}

func TestProvisionReportsExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"env-1", "env-2", "env-3"} {
		if _, err := f.svc.Provision(ctx, provisionJob(id, wordpressParams)); err != nil {
			t.Fatalf("provision %s: %v", id, err)
		}
	}
	_, err := f.svc.Provision(ctx, provisionJob("env-4", wordpressParams))
	if !errors.Is(err, allocator.ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestDeprovisionReleasesPort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.svc.Provision(ctx, provisionJob("env-1", wordpressParams))

	out, err := f.svc.Deprovision(ctx, domain.Job{Type: domain.JobDeprovision, EnvironmentID: "env-1", Params: json.RawMessage(`{"purge_volumes":true}`)})
	if err != nil {
		t.Fatalf("deprovision: %v", err)
	}
	if !strings.Contains(string(out), `"released_allocations":1`) {
		t.Fatalf("unexpected result %s", out)
	}
	allocs, _ := f.alloc.List(ctx, "port")
	if len(allocs) != 0 {
		t.Fatalf("expected allocations released, got %+v", allocs)
	}
	env, _ := f.repo.GetEnvironment(ctx, "env-1")
	if env.Status != domain.EnvironmentDestroyed {
		t.Fatalf("expected destroyed, got %s", env.Status)
	}
	if _, err := os.Stat(env.VolumeRoot); !os.IsNotExist(err) {
		t.Fatalf("expected volumes purged, stat err %v", err)
	}
}

func TestResourceChangeActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.svc.Provision(ctx, provisionJob("env-1", wordpressParams))
	change := func(params string) error {
		_, err := f.svc.ChangeResources(ctx, domain.Job{Type: domain.JobResourceChange, EnvironmentID: "env-1", Params: json.RawMessage(params)})
		return err
	}

	if err := change(`{"action":"suspend"}`); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	env, _ := f.repo.GetEnvironment(ctx, "env-1")
	if env.Status != domain.EnvironmentSuspended || len(f.runtime.stopped) != 1 {
		t.Fatalf("expected suspended environment with stopped container")
	}
	if err := change(`{"action":"restart"}`); !errors.Is(err, ErrEnvironmentState) {
		t.Fatalf("expected restart of suspended environment to be refused, got %v", err)
	}
	if err := change(`{"action":"resume"}`); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := change(`{"action":"resize","memory_mb":2048}`); err != nil {
		t.Fatalf("resize: %v", err)
	}
	env, _ = f.repo.GetEnvironment(ctx, "env-1")
	if env.Status != domain.EnvironmentActive || env.MemoryLimitMB != 2048 || env.CPULimit != 1 {
		t.Fatalf("unexpected environment after resize %+v", env)
	}
	if got := f.runtime.resized["site-env-1"]; got[0] != 2048 {
		t.Fatalf("expected container resized, got %v", got)
	}
	var perr *ParamError
	if err := change(`{"action":"teleport"}`); !errors.As(err, &perr) {
		t.Fatalf("expected ParamError for unknown action, got %v", err)
	}
}

func TestBackupAndRestoreDelegateToAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.svc.Provision(ctx, provisionJob("env-1", wordpressParams))

	if _, err := f.svc.Backup(ctx, domain.Job{Type: domain.JobBackup, EnvironmentID: "env-1", Params: json.RawMessage(`{"label":"nightly"}`)}); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if len(f.backups.snapshots) != 1 || f.backups.snapshots[0].Label != "nightly" || f.backups.snapshots[0].DBName != "site_env_1" {
		t.Fatalf("unexpected snapshot requests %+v", f.backups.snapshots)
	}

	if _, err := f.svc.Restore(ctx, domain.Job{Type: domain.JobRestore, EnvironmentID: "env-1", Params: json.RawMessage(`{}`)}); err == nil {
		t.Fatalf("expected missing snapshot id to fail")
	}
	if _, err := f.svc.Restore(ctx, domain.Job{Type: domain.JobRestore, EnvironmentID: "env-1", Params: json.RawMessage(`{"snapshot_id":"snap-1"}`)}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(f.runtime.stopped) != 1 || len(f.runtime.started) != 1 {
		t.Fatalf("expected container stopped and started around restore, got %v / %v", f.runtime.stopped, f.runtime.started)
	}
}

func TestRestoreFailureStartsContainerAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Provision(ctx, provisionJob("env-1", wordpressParams)); err != nil {
		t.Fatalf("provision: %v", err)
	}
	f.backups.restoreErr = errors.New("agent 500")

	_, err := f.svc.Restore(ctx, domain.Job{Type: domain.JobRestore, EnvironmentID: "env-1", Params: json.RawMessage(`{"snapshot_id":"snap-1"}`)})
	if err == nil || !strings.Contains(err.Error(), "agent 500") {
		t.Fatalf("expected restore error to surface, got %v", err)
	}
	if !contains(f.runtime.stopped, "site-env-1") || !contains(f.runtime.started, "site-env-1") {
		t.Fatalf("expected container stopped and started again, got %v / %v", f.runtime.stopped, f.runtime.started)
	}
	env, _ := f.repo.GetEnvironment(ctx, "env-1")
	if env.Status != domain.EnvironmentActive {
		t.Fatalf("expected environment to stay active, got %s", env.Status)
	}
}

func TestRegisterCoversEveryJobType(t *testing.T) {
	f := newFixture(t)
	reg := worker.NewRegistry()
	f.svc.Register(reg)
	for _, jt := range domain.JobTypes {
		if _, err := reg.Lookup(jt); err != nil {
			t.Fatalf("expected handler for %s: %v", jt, err)
		}
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
