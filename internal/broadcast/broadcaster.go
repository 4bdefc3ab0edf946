package broadcast

import (
	"context"
	"errors"

	"github.com/orbitalworks/collabsync/internal/cluster"
	"github.com/orbitalworks/collabsync/internal/registry"
	"github.com/orbitalworks/collabsync/internal/wire"
	"go.uber.org/zap"
)

var errMissingRegistry = errors.New("broadcaster: registry dependency required")

// Config describes the broadcaster's dependencies.
type Config struct {
	Registry *registry.Registry
	Bus      cluster.Bus
	Logger   *zap.Logger
}

// Broadcaster routes an event from one connection to the other members of a
// room. Events are strictly room-scoped: a frame emitted in one room is
// never observable from another.
type Broadcaster struct {
	registry *registry.Registry
	bus      cluster.Bus
	logger   *zap.Logger
}

// NewBroadcaster constructs a broadcaster over the provided registry.
func NewBroadcaster(cfg Config) (*Broadcaster, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	bus := cfg.Bus
	if bus == nil {
		bus = cluster.NoopBus{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		registry: cfg.Registry,
		bus:      bus,
		logger:   logger,
	}, nil
}

// Start begins accepting relayed frames from peer instances. Frames arriving
// over the bus are delivered to every local member; the original sender is
// local to the origin instance, so the no-echo rule holds cluster-wide.
func (b *Broadcaster) Start(ctx context.Context) error {
	return b.bus.Start(ctx, func(roomName string, frame []byte) {
		b.deliverLocal(roomName, frame, "")
	})
}

// Emit delivers the event to every member of the room except the sender.
// Emitting into an empty room is a no-op, not an error.
func (b *Broadcaster) Emit(senderConnectionID, roomName, event string, payload any) {
	frame, err := wire.EncodeEnvelope(event, payload)
	if err != nil {
		b.logger.Error("failed to encode broadcast frame",
			zap.String("event", event), zap.Error(err))
		return
	}
	b.deliverLocal(roomName, frame, senderConnectionID)
	b.relay(roomName, frame)
}

// Deliver sends the event to every member of the room, sender included.
// Chat confirmations use this path so the author sees its own message.
func (b *Broadcaster) Deliver(roomName, event string, payload any) {
	frame, err := wire.EncodeEnvelope(event, payload)
	if err != nil {
		b.logger.Error("failed to encode broadcast frame",
			zap.String("event", event), zap.Error(err))
		return
	}
	b.deliverLocal(roomName, frame, "")
	b.relay(roomName, frame)
}

func (b *Broadcaster) deliverLocal(roomName string, frame []byte, excludeConnectionID string) {
	members := b.registry.Members(roomName)
	if len(members) == 0 {
		return
	}
	for _, member := range members {
		if member.ID() == excludeConnectionID {
			continue
		}
		if !member.Enqueue(frame) {
			b.logger.Warn("outbound queue full, dropping frame",
				zap.String("room", roomName),
				zap.String("connection_id", member.ID()))
		}
	}
}

func (b *Broadcaster) relay(roomName string, frame []byte) {
	if err := b.bus.Publish(context.Background(), roomName, frame); err != nil {
		b.logger.Warn("cluster relay publish failed",
			zap.String("room", roomName), zap.Error(err))
	}
}
