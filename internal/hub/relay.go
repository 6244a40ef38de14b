package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Envelope is an identity broadcast forwarded between server nodes.
type Envelope struct {
	Node     string          `json:"node"`
	Identity string          `json:"identity"`
	Except   string          `json:"except,omitempty"`
	Kind     string          `json:"kind"`
	Data     json.RawMessage `json:"data"`
}

// Relay forwards identity broadcasts to other nodes. Subscribe blocks until
// ctx is done and never hands back envelopes this node published.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, fn func(Envelope)) error
}

const relayChannelPrefix = "chat:user:"

// RedisRelay implements Relay with Redis pub/sub, one channel per identity.
type RedisRelay struct {
	client *redis.Client
	node   string
	logger zerolog.Logger
}

// NewRedisRelay connects to redisURL.
func NewRedisRelay(ctx context.Context, redisURL string, logger zerolog.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisRelay{
		client: client,
		node:   uuid.New().String(),
		logger: logger.With().Str("component", "relay").Logger(),
	}, nil
}

// Node returns the ID stamped on envelopes published by this process.
func (r *RedisRelay) Node() string {
	return r.node
}

// Publish sends env to the identity's channel.
func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	env.Node = r.node
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, relayChannelPrefix+env.Identity, payload).Err()
}

// Subscribe delivers envelopes from other nodes to fn.
func (r *RedisRelay) Subscribe(ctx context.Context, fn func(Envelope)) error {
	sub := r.client.PSubscribe(ctx, relayChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed relay message")
				continue
			}
			if env.Node == r.node {
				continue
			}
			if env.Identity == "" {
				env.Identity = strings.TrimPrefix(msg.Channel, relayChannelPrefix)
			}
			fn(env)
		}
	}
}

// Ping checks the Redis connection.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
