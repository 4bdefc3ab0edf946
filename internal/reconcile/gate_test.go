package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orbitalworks/collabsync/internal/auth"
	"github.com/orbitalworks/collabsync/internal/snapshot"
)

type stubStore struct {
	rows map[string]snapshot.EntitySnapshot
	err  error
}

func (s *stubStore) Save(_ context.Context, entityID string, blob []byte) error {
	if s.rows == nil {
		s.rows = make(map[string]snapshot.EntitySnapshot)
	}
	s.rows[entityID] = snapshot.EntitySnapshot{EntityID: entityID, Blob: blob}
	return nil
}

func (s *stubStore) Load(_ context.Context, entityID string) (snapshot.EntitySnapshot, error) {
	if s.err != nil {
		return snapshot.EntitySnapshot{}, s.err
	}
	row, ok := s.rows[entityID]
	if !ok {
		return snapshot.EntitySnapshot{}, snapshot.ErrSnapshotNotFound
	}
	return row, nil
}

func TestNewGateRequiresStore(testContext *testing.T) {
	if _, err := NewGate(GateConfig{}); err == nil {
		testContext.Fatalf("expected error for missing store")
	}
}

func TestOnJoinReturnsSnapshotAndOccupants(testContext *testing.T) {
	store := &stubStore{rows: map[string]snapshot.EntitySnapshot{
		"document:d1": {EntityID: "document:d1", Blob: []byte("hello"), UpdatedAtSeconds: 1700000000},
	}}
	occupants := []auth.Identity{{UserID: "user-1"}, {UserID: "user-2"}}

	gate := mustGate(testContext, store, PresenceFunc(func(roomName string) []auth.Identity {
		if roomName != "document:d1" {
			testContext.Fatalf("unexpected room lookup: %s", roomName)
		}
		return occupants
	}))

	base, present := gate.OnJoin(context.Background(), "document:d1", "document:d1")
	if !base.Exists {
		testContext.Fatalf("expected snapshot to exist")
	}
	if string(base.Blob) != "hello" {
		testContext.Fatalf("unexpected blob: %s", base.Blob)
	}
	if !base.UpdatedAt.Equal(time.Unix(1700000000, 0).UTC()) {
		testContext.Fatalf("unexpected timestamp: %v", base.UpdatedAt)
	}
	if len(present) != 2 {
		testContext.Fatalf("expected 2 occupants, got %d", len(present))
	}
}

func TestOnJoinMissingSnapshotYieldsEmptySentinel(testContext *testing.T) {
	gate := mustGate(testContext, &stubStore{}, nil)

	base, occupants := gate.OnJoin(context.Background(), "document:new", "document:new")
	if base.Exists {
		testContext.Fatalf("missing snapshot must not report Exists")
	}
	if len(base.Blob) != 0 {
		testContext.Fatalf("missing snapshot must carry an empty blob, got %s", base.Blob)
	}
	if base.EntityID != "document:new" {
		testContext.Fatalf("unexpected entity id: %s", base.EntityID)
	}
	if occupants != nil {
		testContext.Fatalf("expected nil occupants without a presence source")
	}
}

func TestOnJoinDegradesOnStoreFailure(testContext *testing.T) {
	store := &stubStore{err: errors.New("disk unavailable")}
	gate := mustGate(testContext, store, PresenceFunc(func(string) []auth.Identity {
		return []auth.Identity{{UserID: "user-1"}}
	}))

	base, occupants := gate.OnJoin(context.Background(), "document:d1", "document:d1")
	if base.Exists {
		testContext.Fatalf("store failure must degrade to the empty sentinel")
	}
	if len(occupants) != 1 {
		testContext.Fatalf("presence must still be reported, got %d", len(occupants))
	}
}

func TestBaseSkipsPresence(testContext *testing.T) {
	store := &stubStore{rows: map[string]snapshot.EntitySnapshot{
		"canvas:d1": {EntityID: "canvas:d1", Blob: []byte("[]")},
	}}
	gate := mustGate(testContext, store, PresenceFunc(func(string) []auth.Identity {
		testContext.Fatalf("Base must not consult presence")
		return nil
	}))

	base := gate.Base(context.Background(), "canvas:d1")
	if !base.Exists || string(base.Blob) != "[]" {
		testContext.Fatalf("unexpected base snapshot: %+v", base)
	}
}

func mustGate(testContext *testing.T, store snapshot.Store, presence PresenceSource) *Gate {
	testContext.Helper()
	gate, err := NewGate(GateConfig{Store: store, Presence: presence})
	if err != nil {
		testContext.Fatalf("failed to build gate: %v", err)
	}
	return gate
}
