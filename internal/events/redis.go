package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/ledger-engine/internal/ledger"
)

// RedisPublisher fans applied transactions out over a pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// Publish implements ledger.Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev ledger.Applied) error {
	payload, err := json.Marshal(envelope{Type: EventTypeApplied, Event: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

var _ ledger.Publisher = (*RedisPublisher)(nil)
