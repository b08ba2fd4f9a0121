package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// Connection is a single authenticated WebSocket client connection. A user
// may hold several at once, one per device or tab.
type Connection struct {
	ID        string    // connection ID (UUID)
	UserID    uuid.UUID // authenticated owner
	UserName  string
	Conn      net.Conn // underlying TCP connection
	Fd        int      // socket descriptor, logged; -1 when unknown
	CreatedAt time.Time

	lastSeen   atomic.Int64 // unix nanos of the last frame read from the client
	writeMu    sync.Mutex   // serializes writes to this connection
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last client activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	return c.write(data, 0)
}

// write sends a text frame under a write deadline of timeout, if positive.
// The deadline is set and cleared while holding the write mutex so it cannot
// leak into a concurrent writer's frame.
func (c *Connection) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections indexed by
// connection ID, net.Conn, owning user and named group.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byUser map[uuid.UUID]map[string]*Connection
	groups map[string]map[string]*Connection // group -> conn ID -> conn
	joined map[string]map[string]struct{}    // conn ID -> groups
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[uuid.UUID]map[string]*Connection),
		groups: make(map[string]map[string]*Connection),
		joined: make(map[string]map[string]struct{}),
	}
}

// Add registers a new connection in every lookup map.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	userConns, ok := cm.byUser[conn.UserID]
	if !ok {
		userConns = make(map[string]*Connection)
		cm.byUser[conn.UserID] = userConns
	}
	userConns[conn.ID] = conn
}

// Remove removes a connection by ID from every lookup map and group, then
// closes it. Returns true if the connection was found and removed, false if
// it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		cm.removeLocked(conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

func (cm *ConnectionManager) removeLocked(conn *Connection) {
	delete(cm.byID, conn.ID)
	delete(cm.byConn, conn.Conn)
	if userConns, ok := cm.byUser[conn.UserID]; ok {
		delete(userConns, conn.ID)
		if len(userConns) == 0 {
			delete(cm.byUser, conn.UserID)
		}
	}
	for group := range cm.joined[conn.ID] {
		cm.leaveLocked(conn.ID, group)
	}
	delete(cm.joined, conn.ID)
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// ByUser returns a snapshot of the user's connections on this node.
func (cm *ConnectionManager) ByUser(userID uuid.UUID) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	userConns := cm.byUser[userID]
	conns := make([]*Connection, 0, len(userConns))
	for _, conn := range userConns {
		conns = append(conns, conn)
	}
	return conns
}

// Join subscribes a connection to a group. It reports false if the
// connection is unknown.
func (cm *ConnectionManager) Join(connID, group string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[connID]
	if !ok {
		return false
	}
	members, ok := cm.groups[group]
	if !ok {
		members = make(map[string]*Connection)
		cm.groups[group] = members
	}
	members[connID] = conn
	set, ok := cm.joined[connID]
	if !ok {
		set = make(map[string]struct{})
		cm.joined[connID] = set
	}
	set[group] = struct{}{}
	return true
}

// Leave unsubscribes a connection from a group. Leaving a group the
// connection is not in is a no-op.
func (cm *ConnectionManager) Leave(connID, group string) {
	cm.mu.Lock()
	cm.leaveLocked(connID, group)
	if set, ok := cm.joined[connID]; ok {
		delete(set, group)
		if len(set) == 0 {
			delete(cm.joined, connID)
		}
	}
	cm.mu.Unlock()
}

func (cm *ConnectionManager) leaveLocked(connID, group string) {
	members, ok := cm.groups[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(cm.groups, group)
	}
}

// Members returns a snapshot of the group's connections, skipping those
// owned by except. A zero except skips nobody.
func (cm *ConnectionManager) Members(group string, except uuid.UUID) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	members := cm.groups[group]
	conns := make([]*Connection, 0, len(members))
	for _, conn := range members {
		if except != uuid.Nil && conn.UserID == except {
			continue
		}
		conns = append(conns, conn)
	}
	return conns
}

// Groups returns the groups a connection has joined.
func (cm *ConnectionManager) Groups(connID string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	groups := make([]string, 0, len(cm.joined[connID]))
	for group := range cm.joined[connID] {
		groups = append(groups, group)
	}
	return groups
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
