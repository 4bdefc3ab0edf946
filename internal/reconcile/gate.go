package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/orbitalworks/collabsync/internal/auth"
	"github.com/orbitalworks/collabsync/internal/snapshot"
	"go.uber.org/zap"
)

var errMissingStore = errors.New("reconcile: snapshot store dependency required")

// Snapshot is the authoritative base state handed to a joining client.
// Exists is false for a new entity that has never been flushed; the client
// starts from empty rather than treating the miss as a failure.
type Snapshot struct {
	EntityID  string
	Blob      []byte
	UpdatedAt time.Time
	Exists    bool
}

// PresenceSource yields the identities currently present in a room.
type PresenceSource interface {
	Snapshot(roomName string) []auth.Identity
}

// PresenceFunc adapts a plain function to the PresenceSource interface.
type PresenceFunc func(roomName string) []auth.Identity

// Snapshot invokes the wrapped function.
func (f PresenceFunc) Snapshot(roomName string) []auth.Identity {
	return f(roomName)
}

// GateConfig describes the inputs required to build a Gate.
type GateConfig struct {
	Store    snapshot.Store
	Presence PresenceSource
	Logger   *zap.Logger
}

// Gate reconciles a late joiner to current state: the latest persisted
// snapshot plus who is already in the room. The caller must deliver the
// result to the joining connection before any live mutation event.
type Gate struct {
	store    snapshot.Store
	presence PresenceSource
	logger   *zap.Logger
}

// NewGate validates the configuration and returns a Gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:    cfg.Store,
		presence: cfg.Presence,
		logger:   logger,
	}, nil
}

// Base loads the entity's snapshot without consulting presence. Secondary
// state riding the same room (canvas data on a document join) reconciles
// through this path.
func (g *Gate) Base(ctx context.Context, entityID string) Snapshot {
	base := Snapshot{EntityID: entityID}
	row, err := g.store.Load(ctx, entityID)
	switch {
	case err == nil:
		base.Blob = row.Blob
		base.UpdatedAt = time.Unix(row.UpdatedAtSeconds, 0).UTC()
		base.Exists = true
	case errors.Is(err, snapshot.ErrSnapshotNotFound):
	default:
		g.logger.Error("snapshot load failed during join",
			zap.String("entity_id", entityID), zap.Error(err))
	}
	return base
}

// OnJoin loads the entity's base state and the room's current occupants. A
// missing snapshot yields the empty sentinel; a store failure degrades to
// the sentinel as well so a join never hard-fails on persistence trouble.
func (g *Gate) OnJoin(ctx context.Context, entityID, roomName string) (Snapshot, []auth.Identity) {
	base := g.Base(ctx, entityID)

	var occupants []auth.Identity
	if g.presence != nil {
		occupants = g.presence.Snapshot(roomName)
	}
	return base, occupants
}
