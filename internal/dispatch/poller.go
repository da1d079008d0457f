package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/splax/sitestack/internal/repository"
)

// Poller reads pending jobs directly from the job store. Publish is a no-op
// because a pending row is its own notification.
type Poller struct {
	claimer        Claimer
	interval       time.Duration
	maxBackoff     time.Duration
	redeliverAfter time.Duration
	logger         *slog.Logger
	now            func() time.Time
	closed         atomic.Bool
}

// NewPoller constructs a store-polling dispatcher.
func NewPoller(claimer Claimer, interval, redeliverAfter time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if redeliverAfter <= 0 {
		redeliverAfter = 5 * time.Minute
	}
	return &Poller{
		claimer:        claimer,
		interval:       interval,
		maxBackoff:     30 * interval,
		redeliverAfter: redeliverAfter,
		logger:         logger.With("component", "dispatch", "backend", "postgres"),
		now:            time.Now,
	}
}

func (p *Poller) Publish(context.Context, string) error { return nil }

// Next polls with exponential backoff while the store is empty.
func (p *Poller) Next(ctx context.Context) (string, error) {
	backoff := p.interval
	for {
		if p.closed.Load() {
			return "", ErrClosed
		}
		id, err := p.claimer.ClaimPendingJob(ctx, p.now().Add(-p.redeliverAfter))
		switch {
		case err == nil:
			return id, nil
		case errors.Is(err, repository.ErrNotFound):
			// Empty queue.
		case ctx.Err() != nil:
			return "", ctx.Err()
		default:
			p.logger.Warn("claim pending job failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
}

func (p *Poller) Close() error {
	p.closed.Store(true)
	return nil
}
