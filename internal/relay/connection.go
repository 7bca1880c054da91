package relay

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/campaignhub/convsync/internal/chat"
)

// Connection represents a single WebSocket client connection with its
// associated identity, the threads it has joined and a write mutex for
// serializing outbound frames.
type Connection struct {
	ID           string    // connection ID (UUID)
	UserID       string    // authenticated user
	Role         chat.Role // authenticated role
	Conn         net.Conn  // underlying TCP connection
	CreatedAt    time.Time // when the connection was established
	writeTimeout time.Duration

	lastActive atomic.Int64 // unix nanos of the last frame read
	writeMu    sync.Mutex   // serializes writes to this connection

	mu     sync.Mutex
	joined map[string]bool
}

func newConnection(id string, ident Identity, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       ident.UserID,
		Role:         ident.Role,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		joined:       make(map[string]bool),
	}
	c.touch()
	return c
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeControl(ws.NewPingFrame(nil))
}

func (c *Connection) writeControl(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, f)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// LastActive returns when a frame was last read from the connection.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// Join adds threadID to the connection's joined set. It reports whether the
// set changed.
func (c *Connection) Join(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined[threadID] {
		return false
	}
	c.joined[threadID] = true
	return true
}

// Leave removes threadID from the joined set. It reports whether the set
// changed.
func (c *Connection) Leave(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined[threadID] {
		return false
	}
	delete(c.joined, threadID)
	return true
}

// Joined reports whether the connection has joined threadID.
func (c *Connection) Joined(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[threadID]
}

// JoinedThreads returns the joined thread ids, sorted.
func (c *Connection) JoinedThreads() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// ConnectionManager is a thread-safe registry of live connections indexed by
// connection ID and by user ID.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]map[string]*Connection // user id -> conn id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	user := cm.byUser[conn.UserID]
	if user == nil {
		user = make(map[string]*Connection)
		cm.byUser[conn.UserID] = user
	}
	user[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns the connection if it was found, nil if it was already
// gone.
func (cm *ConnectionManager) Remove(id string) *Connection {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if user := cm.byUser[conn.UserID]; user != nil {
			delete(user, id)
			if len(user) == 0 {
				delete(cm.byUser, conn.UserID)
			}
		}
	}
	cm.mu.Unlock()

	if !ok {
		return nil
	}
	conn.Close()
	return conn
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// ForUser returns a snapshot of the user's connections.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	user := cm.byUser[userID]
	conns := make([]*Connection, 0, len(user))
	for _, conn := range user {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
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
