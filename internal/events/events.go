// Package events delivers post-commit ledger notifications to a broker.
package events

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/example/ledger-engine/internal/ledger"
)

// EventTypeApplied tags every message the publishers emit.
const EventTypeApplied = "ledger.applied"

type envelope struct {
	Type  string         `json:"type"`
	Event ledger.Applied `json:"event"`
}

// Options selects and configures a publisher.
type Options struct {
	Backend string // none, kafka or redis
	Topic   string
	Brokers []string
	Redis   *redis.Client
}

// New builds the publisher named by opts.Backend. It returns nil for "none".
func New(opts Options) (ledger.Publisher, error) {
	topic := opts.Topic
	if topic == "" {
		topic = EventTypeApplied
	}

	switch strings.ToLower(opts.Backend) {
	case "", "none":
		return nil, nil
	case "kafka":
		if len(opts.Brokers) == 0 {
			return nil, fmt.Errorf("kafka events need at least one broker")
		}
		return NewKafkaPublisher(opts.Brokers, topic), nil
	case "redis":
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis events need a redis client")
		}
		return NewRedisPublisher(opts.Redis, topic), nil
	}
	return nil, fmt.Errorf("unknown events backend %q", opts.Backend)
}
