package worker

import (
	"fmt"
	"sync"

	"github.com/splax/sitestack/internal/domain"
)

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.JobType]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.JobType]Handler)}
}

// Register binds h to jobType, replacing any previous handler.
func (r *Registry) Register(jobType domain.JobType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Lookup returns the handler for jobType.
func (r *Registry) Lookup(jobType domain.JobType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, &UnknownJobTypeError{Type: jobType}
	}
	return h, nil
}

// UnknownJobTypeError is returned for a job without a registered handler.
type UnknownJobTypeError struct {
	Type domain.JobType
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("no handler registered for job type %q", e.Type)
}
