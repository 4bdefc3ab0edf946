package presence

import (
	"sync"

	"github.com/orbitalworks/collabsync/internal/auth"
)

type entry struct {
	identity auth.Identity
	refs     int
}

// Tracker maintains the set of identities online in each organization room.
// Presence is reference-counted per identity: a user with two tabs open is
// one logical entry, goes online when the first connection joins, and goes
// offline only when the last one leaves.
type Tracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]*entry
}

// NewTracker constructs an empty presence tracker.
func NewTracker() *Tracker {
	return &Tracker{
		rooms: make(map[string]map[string]*entry),
	}
}

// Join records a connection for the identity in the room. It returns the
// identities that were already online (the joiner's initial snapshot) and
// whether this is the identity's first live connection in the room, in which
// case peers should be told the user came online.
func (t *Tracker) Join(roomName string, identity auth.Identity) (online []auth.Identity, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, exists := t.rooms[roomName]
	if !exists {
		room = make(map[string]*entry)
		t.rooms[roomName] = room
	}

	online = make([]auth.Identity, 0, len(room))
	for userID, existing := range room {
		if userID == identity.UserID {
			continue
		}
		online = append(online, existing.identity)
	}

	existing, present := room[identity.UserID]
	if present {
		existing.refs++
		return online, false
	}
	room[identity.UserID] = &entry{identity: identity, refs: 1}
	return online, true
}

// Leave releases one connection reference for the identity in the room. It
// returns true when the identity's last connection left, in which case peers
// should be told the user went offline. Releasing an identity that is not
// present is a no-op.
func (t *Tracker) Leave(roomName, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, exists := t.rooms[roomName]
	if !exists {
		return false
	}
	existing, present := room[userID]
	if !present {
		return false
	}
	existing.refs--
	if existing.refs > 0 {
		return false
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(t.rooms, roomName)
	}
	return true
}

// Snapshot returns every identity currently online in the room.
func (t *Tracker) Snapshot(roomName string) []auth.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.rooms[roomName]
	online := make([]auth.Identity, 0, len(room))
	for _, existing := range room {
		online = append(online, existing.identity)
	}
	return online
}
