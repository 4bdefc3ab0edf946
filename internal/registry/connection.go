package registry

import (
	"sync"

	"github.com/orbitalworks/collabsync/internal/auth"
)

const defaultOutboundQueueSize = 256

// Connection represents one live client session. The identity is set once at
// connect time; room memberships are managed by the Registry.
type Connection struct {
	id       string
	identity auth.Identity

	// mu makes Enqueue and Close mutually exclusive: broadcasters enqueue
	// outside the registry lock, so without it a concurrent teardown could
	// close the queue mid-send.
	mu       sync.Mutex
	outbound chan []byte
	closed   bool
}

// NewConnection builds a connection with a buffered outbound queue. The
// transport layer drains Outbound; producers enqueue without blocking.
func NewConnection(id string, identity auth.Identity) *Connection {
	return &Connection{
		id:       id,
		identity: identity,
		outbound: make(chan []byte, defaultOutboundQueueSize),
	}
}

// ID returns the opaque connection identifier assigned at connect time.
func (c *Connection) ID() string {
	return c.id
}

// Identity returns the authenticated identity bound to this connection.
func (c *Connection) Identity() auth.Identity {
	return c.identity
}

// Outbound exposes the frames queued for delivery to this client.
func (c *Connection) Outbound() <-chan []byte {
	return c.outbound
}

// Enqueue offers a frame to the connection's outbound queue without
// blocking. A full or closed queue drops the frame and reports false; a slow
// or departed client must not stall broadcast to its peers.
func (c *Connection) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// Close shuts the outbound queue, releasing the transport's write loop.
// Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.outbound)
}
