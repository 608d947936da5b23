package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

var (
	ErrNotActive        = errors.New("ws: connection not active")
	ErrSendQueueFull    = errors.New("ws: send queue full")
	ErrConnectionClosed = errors.New("ws: connection closed")
)

// State is the lifecycle state of a connection. Transitions only move
// forward: Unauthenticated -> Active -> Terminated, or straight to Terminated.
type State int32

const (
	StateUnauthenticated State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ConnectionConfig tunes the outbound path of a single connection.
type ConnectionConfig struct {
	SendQueueSize int           // bounded outbound frames awaiting the writer
	WriteTimeout  time.Duration // per-frame write deadline

	// OnWriteError is called once from the writer goroutine when a write
	// fails. The server uses it to evict the connection.
	OnWriteError func(c *Connection, err error)
}

// DefaultConnectionConfig returns the defaults used by the server.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		SendQueueSize: 64,
		WriteTimeout:  10 * time.Second,
	}
}

// Connection is one WebSocket transport session. Text frames are queued and
// written by a dedicated writer goroutine so publishers never block on a slow
// client; control frames are written directly under the write mutex.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll
	RemoteIP  string    // client address used for rate limiting
	CreatedAt time.Time // when the transport was opened

	identityMu sync.RWMutex
	identity   string

	state    atomic.Int32
	authedAt atomic.Int64 // unix nanos of the successful handshake
	answered atomic.Bool  // a frame arrived since the last liveness probe
	missed   atomic.Int32 // consecutive unanswered probes

	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex // serializes frames on the wire
	writeTimeout time.Duration
	onWriteError func(c *Connection, err error)
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn
}

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(conn net.Conn, config ConnectionConfig) *Connection {
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultConnectionConfig().SendQueueSize
	}
	c := &Connection{
		ID:           uuid.New().String(),
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		send:         make(chan []byte, config.SendQueueSize),
		done:         make(chan struct{}),
		writeTimeout: config.WriteTimeout,
		onWriteError: config.OnWriteError,
	}
	c.answered.Store(true)
	go c.writeLoop()
	return c
}

// Identity returns the authenticated identity, or "" before the handshake.
func (c *Connection) Identity() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.identity
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsActive reports whether the connection completed its handshake and has
// not been terminated.
func (c *Connection) IsActive() bool {
	return c.State() == StateActive
}

// activate binds identity and promotes the connection to Active. It fails if
// the connection is not Unauthenticated.
func (c *Connection) activate(identity string) bool {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	if c.State() != StateUnauthenticated {
		return false
	}
	c.identity = identity
	c.authedAt.Store(time.Now().UnixNano())
	return c.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateActive))
}

// AuthenticatedAt returns when the handshake succeeded, or the zero time.
func (c *Connection) AuthenticatedAt() time.Time {
	if ns := c.authedAt.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// markTerminated moves the connection to Terminated. It reports whether this
// call performed the transition.
func (c *Connection) markTerminated() bool {
	return State(c.state.Swap(int32(StateTerminated))) != StateTerminated
}

// markAnswered records inbound activity for the heartbeat monitor.
func (c *Connection) markAnswered() {
	c.answered.Store(true)
}

// Send queues a text frame without blocking. A full queue returns
// ErrSendQueueFull and leaves the decision to drop or evict to the caller.
func (c *Connection) Send(data []byte) error {
	if c.State() == StateTerminated {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.writeText(data); err != nil {
				if c.onWriteError != nil {
					c.onWriteError(c, err)
				}
				return
			}
		}
	}
}

func (c *Connection) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// writeControl writes a control frame directly, bypassing the queue.
func (c *Connection) writeControl(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return ws.WriteFrame(c.Conn, f)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

func (c *Connection) clearWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
}

// Close closes the underlying network connection and stops the writer.
// Frames still queued are discarded.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager indexes every open transport, authenticated or not, by
// connection ID and by net.Conn for readiness lookups.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // conn_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add indexes a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove drops a connection from both indexes. It returns false if the
// connection was already gone, which makes it the once-guard for teardown.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.byID[conn.ID] != conn {
		return false
	}
	delete(cm.byID, conn.ID)
	if cm.byConn[conn.Conn] == conn {
		delete(cm.byConn, conn.Conn)
	}
	return true
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

// Count returns the current number of open transports.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
