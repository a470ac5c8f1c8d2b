package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/types"
	"github.com/redis/go-redis/v9"
)

// redisMessage is the wire shape published on the Redis channel. Fields
// mirror the durable log entry so external consumers need no extra lookup.
type redisMessage struct {
	JobRunID  string            `json:"job_run_id"`
	DeviceID  string            `json:"device_id,omitempty"`
	Timestamp string            `json:"timestamp"`
	Level     string            `json:"level"`
	Category  string            `json:"category"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

// RedisPublisher mirrors job log entries onto a Redis pub/sub channel for
// consumers outside the process. Publish failures are logged and dropped;
// Redis is a mirror, never the system of record.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisPublisher connects a publisher to the given address and channel.
func NewRedisPublisher(addr, channel string) *RedisPublisher {
	return &RedisPublisher{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		timeout: 5 * time.Second,
	}
}

// Publish serializes the entry and fires it at the channel.
func (p *RedisPublisher) Publish(entry *types.JobLogEntry) {
	msg := redisMessage{
		JobRunID:  entry.JobRunID,
		DeviceID:  entry.DeviceID,
		Timestamp: entry.Timestamp.UTC().Format(time.RFC3339),
		Level:     string(entry.Level),
		Category:  string(entry.Category),
		Message:   entry.Message,
		Context:   entry.Context,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.WithComponent("events").Error().Err(err).Msg("failed to marshal log entry for redis")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		log.WithComponent("events").Warn().
			Err(err).
			Str("channel", p.channel).
			Msg("failed to publish log entry to redis")
	}
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
