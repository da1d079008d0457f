package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/sitestack/internal/domain"
)

// Redis publishes job events on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(addr, password string, db int, channel string, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("events: redis %s: %w", addr, err)
	}
	return &Redis{client: client, channel: channel, logger: logger.With("component", "events")}, nil
}

// PublishJobEvent encodes event as JSON and publishes it.
func (r *Redis) PublishJobEvent(ctx context.Context, event domain.JobEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Subscribe invokes h for every event until ctx ends.
func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("events: subscribe %s: %w", r.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event domain.JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("discarding malformed job event", "error", err)
				continue
			}
			h(event)
		}
	}
}

// Close releases the connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
