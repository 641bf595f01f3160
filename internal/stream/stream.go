// Package stream is the boundary to the real-time fan-out mechanism. Workers
// push progress here fire-and-forget; the durable replay record lives on the
// job row, not in this layer.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher pushes one event to whichever client currently holds the given
// connection id open. Delivery is best-effort; a client that missed events
// replays them from the job's narrative stream after reconnecting.
type Publisher interface {
	Publish(ctx context.Context, connectionID, event string, payload interface{}) error
}

// envelope is the wire shape published to a connection channel.
type envelope struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// RedisPublisher fans events out over Redis pub/sub, one channel per
// connection id.
type RedisPublisher struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisPublisher(client *redis.Client, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, connectionID, event string, payload interface{}) error {
	body, err := json.Marshal(envelope{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}

	channel := "draftloom:stream:" + connectionID
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("failed to publish stream event: %w", err)
	}

	p.logger.Debug("Stream event published",
		slog.String("channel", channel),
		slog.String("event", event),
	)
	return nil
}

// NopPublisher drops every event. Used when the broker is unconfigured so the
// worker path never has to nil-check its publisher.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, connectionID, event string, payload interface{}) error {
	return nil
}
