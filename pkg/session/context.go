package session

import (
	"net"
	"sync"
	"time"
)

// Context is the in-memory state of one live secure channel. It carries
// the AES key used to open and seal frames for this session and the last
// known remote address of the peer.
//
// Contexts are created by the Manager and shared between the receive path
// and the retransmit path; all accessors are safe for concurrent use.
type Context struct {
	sessionID string
	rowID     int64
	key       []byte

	mu         sync.RWMutex
	userID     int64 // 0 = anonymous
	remoteAddr net.Addr
	lastActive time.Time
}

// ID returns the public session id.
func (c *Context) ID() string {
	return c.sessionID
}

// RemoteAddr returns the last address the peer was seen at.
func (c *Context) RemoteAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteAddr
}

// UserID returns the bound user's row id, or 0 for anonymous sessions.
func (c *Context) UserID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// LastActive returns the time of the last accepted frame.
func (c *Context) LastActive() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActive
}

func (c *Context) setUser(userID int64) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

func (c *Context) touch(addr net.Addr, at time.Time) {
	c.mu.Lock()
	if addr != nil {
		c.remoteAddr = addr
	}
	c.lastActive = at
	c.mu.Unlock()
}
