package arb

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// DefaultSignalChannel is the Redis channel signals are published on.
const DefaultSignalChannel = "arbwatch:signals"

// Publisher forwards emitted signals outside the process.
type Publisher interface {
	Publish(ctx context.Context, s Signal) error
}

// RedisPublisherClient is the subset of the Redis client used here.
type RedisPublisherClient interface {
	Publish(ctx context.Context, channel string, message any) error
}

// RedisPublisher publishes each signal as JSON on a Redis channel.
type RedisPublisher struct {
	client  RedisPublisherClient
	channel string
}

// NewRedisPublisher creates a RedisPublisher. An empty channel selects
// DefaultSignalChannel.
func NewRedisPublisher(client RedisPublisherClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultSignalChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, s Signal) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("arb: marshal signal: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload); err != nil {
		return fmt.Errorf("arb: publish signal: %w", err)
	}
	return nil
}
