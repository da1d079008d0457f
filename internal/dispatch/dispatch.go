// Package dispatch carries job ids from the API to workers. It is a
// notification layer only: the job store stays authoritative, and a lost
// notification never loses a job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/sitestack/pkg/config"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("dispatch: closed")

// Dispatcher publishes job ids and hands them to workers.
type Dispatcher interface {
	// Publish announces a persisted job.
	Publish(ctx context.Context, jobID string) error
	// Next blocks until a job id is available or ctx ends.
	Next(ctx context.Context) (string, error)
	Close() error
}

// Claimer hands out pending jobs straight from the job store.
type Claimer interface {
	ClaimPendingJob(ctx context.Context, redeliverBefore time.Time) (string, error)
}

// Backend names.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// New builds the dispatcher selected by cfg.Backend.
func New(cfg config.DispatchConfig, claimer Claimer, logger *slog.Logger) (Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendRedis, "":
		return NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.QueueKey, logger)
	case BackendPostgres:
		if claimer == nil {
			return nil, fmt.Errorf("dispatch: postgres backend needs a job store")
		}
		return NewPoller(claimer, cfg.PollInterval, cfg.RedeliverAfter, logger), nil
	case BackendMemory:
		return NewMemory(256), nil
	default:
		return nil, fmt.Errorf("dispatch: unknown backend %q", cfg.Backend)
	}
}
