package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisBlockTimeout = 5 * time.Second

// Redis is a list-backed dispatcher: LPUSH on publish, BRPOP on receive.
type Redis struct {
	client *redis.Client
	key    string
	logger *slog.Logger
	closed atomic.Bool
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(addr, password string, db int, key string, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("dispatch: redis %s: %w", addr, err)
	}
	if key == "" {
		key = "sitestack:jobs"
	}
	return &Redis{client: client, key: key, logger: logger.With("component", "dispatch", "backend", "redis")}, nil
}

func (d *Redis) Publish(ctx context.Context, jobID string) error {
	if err := d.client.LPush(ctx, d.key, jobID).Err(); err != nil {
		return fmt.Errorf("dispatch: lpush: %w", err)
	}
	return nil
}

func (d *Redis) Next(ctx context.Context) (string, error) {
	for {
		if d.closed.Load() {
			return "", ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := d.client.BRPop(ctx, redisBlockTimeout, d.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return "", ErrClosed
			}
			d.logger.Warn("brpop failed", "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPOP replies with [key, value].
		if len(res) == 2 {
			return res[1], nil
		}
	}
}

func (d *Redis) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.client.Close()
}
