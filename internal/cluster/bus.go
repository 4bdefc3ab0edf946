package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const relayChannel = "collabsync.rooms"

// Handler receives a room-scoped frame relayed from another instance.
type Handler func(roomName string, frame []byte)

// Bus relays room broadcasts between horizontally scaled instances. A single
// instance runs on the NoopBus; clustered deployments share a Redis channel.
type Bus interface {
	Publish(ctx context.Context, roomName string, frame []byte) error
	Start(ctx context.Context, handler Handler) error
	Close() error
}

// NoopBus is the single-instance bus: publishes vanish, nothing arrives.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, string, []byte) error { return nil }
func (NoopBus) Start(context.Context, Handler) error          { return nil }
func (NoopBus) Close() error                                  { return nil }

type relayFrame struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBus fans room frames out to every subscribed instance over a Redis
// pub/sub channel. Frames carry the origin instance id so an instance never
// re-delivers its own publishes.
type RedisBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.Logger
	pubsub     *redis.PubSub
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(address, instanceID string, logger *zap.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{Addr: address})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("cluster: redis ping failed: %w", err)
	}

	return &RedisBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

// Publish relays a room frame to the shared channel.
func (b *RedisBus) Publish(ctx context.Context, roomName string, frame []byte) error {
	payload, err := json.Marshal(relayFrame{
		Origin:  b.instanceID,
		Room:    roomName,
		Payload: frame,
	})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, relayChannel, payload).Err()
}

// Start subscribes to the shared channel and forwards remote frames to the
// handler until the context is cancelled.
func (b *RedisBus) Start(ctx context.Context, handler Handler) error {
	b.pubsub = b.client.Subscribe(ctx, relayChannel)
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("cluster: subscribe failed: %w", err)
	}

	go func() {
		for message := range b.pubsub.Channel() {
			var frame relayFrame
			if err := json.Unmarshal([]byte(message.Payload), &frame); err != nil {
				b.logger.Warn("dropping undecodable relay frame", zap.Error(err))
				continue
			}
			if frame.Origin == b.instanceID {
				continue
			}
			handler(frame.Room, frame.Payload)
		}
	}()
	return nil
}

// Close tears down the subscription and the client connection.
func (b *RedisBus) Close() error {
	if b.pubsub != nil {
		if err := b.pubsub.Close(); err != nil {
			b.logger.Warn("relay subscription close failed", zap.Error(err))
		}
	}
	return b.client.Close()
}
