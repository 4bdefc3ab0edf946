package registry

import (
	"errors"
	"sync"

	"github.com/orbitalworks/collabsync/internal/auth"
	"go.uber.org/zap"
)

var (
	ErrDuplicateConnection = errors.New("registry: connection id already registered")
	ErrUnknownConnection   = errors.New("registry: unknown connection")
)

// Registry tracks live connections and their room memberships. Rooms exist
// implicitly while they have at least one member; the registry owns all
// membership state and is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	rooms       map[string]map[string]*Connection
	memberships map[string]map[string]struct{}
	logger      *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		memberships: make(map[string]map[string]struct{}),
		logger:      logger,
	}
}

// Register admits an authenticated connection.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrUnknownConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	r.memberships[conn.ID()] = make(map[string]struct{})
	r.logger.Debug("connection registered",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.Identity().UserID))
	return nil
}

// Deregister removes a connection from every room it was a member of, closes
// its outbound queue, and returns the rooms it left. Calling it again for the
// same id is a no-op returning nil, so transport-level close and explicit
// logout can both tear down safely.
func (r *Registry) Deregister(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connectionID]
	if !exists {
		return nil
	}

	roomsLeft := make([]string, 0, len(r.memberships[connectionID]))
	for roomName := range r.memberships[connectionID] {
		roomsLeft = append(roomsLeft, roomName)
		r.removeMemberLocked(connectionID, roomName)
	}
	delete(r.memberships, connectionID)
	delete(r.connections, connectionID)
	conn.Close()

	r.logger.Debug("connection deregistered",
		zap.String("connection_id", connectionID),
		zap.Int("rooms_left", len(roomsLeft)))
	return roomsLeft
}

// Join adds the connection to the named room.
func (r *Registry) Join(connectionID, roomName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connectionID]
	if !exists {
		return ErrUnknownConnection
	}
	if _, ok := r.rooms[roomName]; !ok {
		r.rooms[roomName] = make(map[string]*Connection)
	}
	r.rooms[roomName][connectionID] = conn
	r.memberships[connectionID][roomName] = struct{}{}
	return nil
}

// Leave removes the connection from the named room. Leaving a room the
// connection is not in is a no-op.
func (r *Registry) Leave(connectionID, roomName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[connectionID]; !exists {
		return
	}
	r.removeMemberLocked(connectionID, roomName)
	delete(r.memberships[connectionID], roomName)
}

// Members returns a snapshot of the connections currently in the room.
func (r *Registry) Members(roomName string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomName]
	snapshot := make([]*Connection, 0, len(members))
	for _, conn := range members {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

// InRoom reports whether the connection is currently a member of the room.
func (r *Registry) InRoom(connectionID, roomName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms, exists := r.memberships[connectionID]
	if !exists {
		return false
	}
	_, member := rooms[roomName]
	return member
}

// Rooms returns a snapshot of the rooms the connection is a member of.
func (r *Registry) Rooms(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.memberships[connectionID]))
	for roomName := range r.memberships[connectionID] {
		rooms = append(rooms, roomName)
	}
	return rooms
}

// Occupants returns the distinct identities currently in the room. Two
// connections from the same user count once.
func (r *Registry) Occupants(roomName string) []auth.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	occupants := make([]auth.Identity, 0, len(r.rooms[roomName]))
	for _, conn := range r.rooms[roomName] {
		identity := conn.Identity()
		if _, duplicate := seen[identity.UserID]; duplicate {
			continue
		}
		seen[identity.UserID] = struct{}{}
		occupants = append(occupants, identity)
	}
	return occupants
}

// Connection looks up a live connection by id.
func (r *Registry) Connection(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connectionID]
	return conn, exists
}

func (r *Registry) removeMemberLocked(connectionID, roomName string) {
	members, exists := r.rooms[roomName]
	if !exists {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.rooms, roomName)
	}
}
