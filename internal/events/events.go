// Package events carries job status changes from the processes that make
// them to the API processes streaming them to clients.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/splax/sitestack/internal/domain"
)

// Handler receives decoded job events.
type Handler func(domain.JobEvent)

// Broadcaster pushes a payload to the subscribers of one job.
type Broadcaster interface {
	Broadcast(jobID string, payload []byte)
}

// Local is an in-process bus used when API and workers share a binary.
type Local struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewLocal returns an empty in-process bus.
func NewLocal() *Local {
	return &Local{}
}

// PublishJobEvent delivers event to every subscriber synchronously.
func (l *Local) PublishJobEvent(_ context.Context, event domain.JobEvent) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, h := range l.handlers {
		h(event)
	}
	return nil
}

// Subscribe registers h until ctx ends.
func (l *Local) Subscribe(ctx context.Context, h Handler) error {
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
	<-ctx.Done()
	return nil
}

// ToHub returns a handler broadcasting each event to its job's subscribers.
func ToHub(hub Broadcaster, logger *slog.Logger) Handler {
	return func(event domain.JobEvent) {
		payload, err := json.Marshal(event)
		if err != nil {
			logger.Warn("encode job event failed", "job_id", event.JobID, "error", err)
			return
		}
		hub.Broadcast(event.JobID, payload)
	}
}

// Close is a no-op for the in-process bus.
func (l *Local) Close() error { return nil }

// Bus publishes job events and delivers them to subscribers.
type Bus interface {
	PublishJobEvent(ctx context.Context, event domain.JobEvent) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Open returns a redis bus when addr is set and reachable. Otherwise events
// stay inside the process.
func Open(addr, password string, db int, channel string, logger *slog.Logger) Bus {
	if addr == "" {
		return NewLocal()
	}
	bus, err := NewRedis(addr, password, db, channel, logger)
	if err != nil {
		logger.Warn("redis job events unavailable, streaming in-process only", "error", err)
		return NewLocal()
	}
	return bus
}
