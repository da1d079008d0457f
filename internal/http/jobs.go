package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/internal/repository"
	"github.com/splax/sitestack/internal/service/jobs"
	"github.com/splax/sitestack/internal/ws"
)

// JobService is the job store surface exposed over HTTP.
type JobService interface {
	Submit(ctx context.Context, jobType domain.JobType, environmentID string, params json.RawMessage) (*domain.Job, error)
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	ListByEnvironment(ctx context.Context, environmentID string, limit int) ([]domain.Job, error)
	ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
}

// AllocationService lists active allocations.
type AllocationService interface {
	List(ctx context.Context, class string) ([]domain.Allocation, error)
}

// Streams fans job events out to live subscribers.
type Streams interface {
	Register(jobID string, client ws.Subscriber)
	Unregister(jobID string, client ws.Subscriber)
}

func (r *Router) handleJobs(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.withRateLimit("jobs_submit", r.submitLimit, r.submitWindow, rateLimitKeySubject, r.handleSubmit)(w, req)
	case http.MethodGet:
		r.withRateLimit("jobs_list", rateLimitRead, rateWindowDefault, rateLimitKeySubject, r.handleListByStatus)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		JobType       domain.JobType  `json:"job_type"`
		EnvironmentID string          `json:"environment_id"`
		Parameters    json.RawMessage `json:"parameters"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := r.jobs.Submit(req.Context(), payload.JobType, payload.EnvironmentID, payload.Parameters)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, marshalJob(job))
}

func (r *Router) handleListByStatus(w http.ResponseWriter, req *http.Request) {
	status := domain.JobStatus(strings.TrimSpace(req.URL.Query().Get("status")))
	switch status {
	case domain.JobPending, domain.JobRunning, domain.JobCompleted, domain.JobFailed:
	default:
		writeError(w, http.StatusBadRequest, "status query parameter must be pending, running, completed or failed")
		return
	}
	list, err := r.jobs.ListByStatus(req.Context(), status, listLimit(req))
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalJobs(list))
}

// maxListLimit caps the limit query parameter of job listings.
const maxListLimit = 500

func listLimit(req *http.Request) int {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func (r *Router) handleJobSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/jobs/"), "/")
	jobID := parts[0]
	if jobID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleJobStatus(w, req, jobID)
	case len(parts) == 2 && parts[1] == "events":
		r.handleJobEvents(w, req, jobID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleJobStatus(w http.ResponseWriter, req *http.Request, jobID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	job, ok := r.lookupJob(w, req, jobID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, marshalJob(job))
}

func (r *Router) handleEnvironmentJobs(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/environments/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "jobs" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	list, err := r.jobs.ListByEnvironment(req.Context(), parts[0], listLimit(req))
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalJobs(list))
}

func (r *Router) handleAllocations(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	class := strings.TrimSpace(req.URL.Query().Get("class"))
	if class == "" {
		writeError(w, http.StatusBadRequest, "class query parameter required")
		return
	}
	list, err := r.allocations.List(req.Context(), class)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(list))
	for _, a := range list {
		payload = append(payload, map[string]any{
			"environment_id": a.EnvironmentID,
			"resource_class": a.ResourceClass,
			"value":          a.Value,
			"allocated_at":   a.AllocatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleJobEvents streams status changes of one job as Server-Sent Events.
func (r *Router) handleJobEvents(w http.ResponseWriter, req *http.Request, jobID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	job, ok := r.lookupJob(w, req, jobID)
	if !ok {
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	if job.Status.Terminal() {
		_ = client.Send(snapshot(job))
		return
	}
	r.streams.Register(jobID, client)
	defer r.streams.Unregister(jobID, client)
	if err := r.refreshSnapshot(req.Context(), client, jobID); err != nil {
		return
	}

	ticker := time.NewTicker(streamHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleJobWS(w http.ResponseWriter, req *http.Request) {
	jobID := strings.TrimPrefix(req.URL.Path, "/ws/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		r.notFound(w)
		return
	}
	job, ok := r.lookupJob(w, req, jobID)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	if job.Status.Terminal() {
		_ = client.Send(snapshot(job))
		client.Close()
		return
	}
	r.streams.Register(jobID, client)
	// The read loop only detects the peer going away.
	go func() {
		defer func() {
			r.streams.Unregister(jobID, client)
			client.Close()
		}()
		if err := r.refreshSnapshot(context.Background(), client, jobID); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// refreshSnapshot sends the current state after registration so no change
// between the first read and the subscription is missed.
func (r *Router) refreshSnapshot(ctx context.Context, client ws.Subscriber, jobID string) error {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return client.Send(snapshot(job))
}

func (r *Router) lookupJob(w http.ResponseWriter, req *http.Request, jobID string) (*domain.Job, bool) {
	job, err := r.jobs.Get(req.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidRequest) {
			r.notFound(w)
			return nil, false
		}
		r.writeServiceError(w, err)
		return nil, false
	}
	return job, true
}

func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidJobType), errors.Is(err, jobs.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	default:
		r.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func snapshot(job *domain.Job) []byte {
	payload, _ := json.Marshal(domain.JobEvent{
		JobID:         job.ID,
		EnvironmentID: job.EnvironmentID,
		Type:          job.Type,
		Status:        job.Status,
		Error:         job.Error,
		At:            job.UpdatedAt,
	})
	return payload
}

func marshalJobs(list []domain.Job) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for i := range list {
		out = append(out, marshalJob(&list[i]))
	}
	return out
}

// marshalJob renders a job without its parameters, which may hold sealed secrets.
func marshalJob(job *domain.Job) map[string]any {
	item := map[string]any{
		"id":             job.ID,
		"job_type":       job.Type,
		"environment_id": job.EnvironmentID,
		"status":         job.Status,
		"created_at":     job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":     job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if job.StartedAt != nil {
		item["started_at"] = job.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if job.CompletedAt != nil {
		item["completed_at"] = job.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if job.Error != "" {
		item["error_message"] = job.Error
	}
	if len(job.Result) > 0 {
		item["result"] = job.Result
	}
	return item
}
