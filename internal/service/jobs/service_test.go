package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository/memory"
	"github.com/splax/sitestack/pkg/crypto"
)

type recordingNotifier struct {
	ids []string
	err error
}

func (n *recordingNotifier) Publish(_ context.Context, jobID string) error {
	n.ids = append(n.ids, jobID)
	return n.err
}

type recordingEvents struct {
	events []domain.JobEvent
}

func (e *recordingEvents) PublishJobEvent(_ context.Context, event domain.JobEvent) error {
	e.events = append(e.events, event)
	return nil
}

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Repository, *recordingNotifier) {
	t.Helper()
	repo := memory.New()
	notifier := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	return New(repo, notifier, logger, opts...), repo, notifier
}

func TestSubmitPersistsPendingAndNotifies(t *testing.T) {
	svc, _, notifier := newTestService(t)
	job, err := svc.Submit(context.Background(), domain.JobProvision, "env-1", json.RawMessage(`{"platform":"wordpress"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != domain.JobPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}
	if len(notifier.ids) != 1 || notifier.ids[0] != job.ID {
		t.Fatalf("expected notification for %s, got %v", job.ID, notifier.ids)
	}
	stored, err := svc.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.EnvironmentID != "env-1" || stored.Type != domain.JobProvision {
		t.Fatalf("unexpected stored job %+v", stored)
	}
}

func TestSubmitSurvivesNotificationFailure(t *testing.T) {
	svc, _, notifier := newTestService(t)
	notifier.err = errors.New("broker down")
	job, err := svc.Submit(context.Background(), domain.JobBackup, "env-1", nil)
	if err != nil {
		t.Fatalf("expected submit to succeed without broker, got %v", err)
	}
	if _, err := svc.Get(context.Background(), job.ID); err != nil {
		t.Fatalf("expected job to be durable, got %v", err)
	}
}

func TestSubmitRejectsUnknownType(t *testing.T) {
	svc, _, notifier := newTestService(t)
	_, err := svc.Submit(context.Background(), domain.JobType("reboot"), "env-1", nil)
	if !errors.Is(err, ErrInvalidJobType) {
		t.Fatalf("expected ErrInvalidJobType, got %v", err)
	}
	if len(notifier.ids) != 0 {
		t.Fatalf("expected no notification, got %v", notifier.ids)
	}
}

func TestSubmitRejectsNonObjectParams(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Submit(context.Background(), domain.JobProvision, "env-1", json.RawMessage(`[1,2]`))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestTransitionsAreMonotonic(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	job, _ := svc.Submit(ctx, domain.JobDeprovision, "env-1", nil)

	if _, err := svc.MarkCompleted(ctx, job.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected completing a pending job to be rejected, got %v", err)
	}
	running, err := svc.MarkRunning(ctx, job.ID)
	if err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatalf("expected started_at to be set")
	}
	done, err := svc.MarkCompleted(ctx, job.ID, json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if done.CompletedAt == nil || string(done.Result) != `{"ok":true}` {
		t.Fatalf("unexpected completed job %+v", done)
	}

	if _, err := svc.MarkFailed(ctx, job.ID, "late failure"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal job to stay completed, got %v", err)
	}
	if _, err := svc.MarkRunning(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected running after completed to be rejected, got %v", err)
	}
	stored, _ := svc.Get(ctx, job.ID)
	if stored.Status != domain.JobCompleted || stored.Error != "" {
		t.Fatalf("expected untouched completed job, got %+v", stored)
	}
}

func TestFailStalePublishesEvents(t *testing.T) {
	events := &recordingEvents{}
	svc, repo, _ := newTestService(t, WithEvents(events))
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return t0 })
	job, _ := svc.Submit(ctx, domain.JobRestore, "env-1", nil)

	count, err := svc.FailStale(ctx, t0.Add(time.Second), "timed out")
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one reclaimed job, got %d", count)
	}
	last := events.events[len(events.events)-1]
	if last.JobID != job.ID || last.Status != domain.JobFailed || last.Error != "timed out" {
		t.Fatalf("unexpected final event %+v", last)
	}
}

func TestSecretParamsAreSealedAtRest(t *testing.T) {
	sealer, err := crypto.NewSealer("test-secret")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	svc, repo, _ := newTestService(t, WithSealer(sealer))
	ctx := context.Background()
	job, err := svc.Submit(ctx, domain.JobProvision, "env-1", json.RawMessage(`{"admin_password":"hunter2","platform":"magento"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	stored, _ := repo.GetJob(ctx, job.ID)
	if strings.Contains(string(stored.Params), "hunter2") {
		t.Fatalf("expected password to be sealed, got %s", stored.Params)
	}
	opened, err := svc.OpenParams(stored.Params)
	if err != nil {
		t.Fatalf("open params: %v", err)
	}
	var params struct {
		AdminPassword string `json:"admin_password"`
		Platform      string `json:"platform"`
	}
	if err := json.Unmarshal(opened, &params); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if params.AdminPassword != "hunter2" || params.Platform != "magento" {
		t.Fatalf("unexpected opened params %+v", params)
	}
}

func TestGetRejectsMalformedID(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Get(context.Background(), "not-a-uuid"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
