package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendQueueSize bounds each connection's outbound buffer. Screencast
// fan-out runs at frame rate, so a stalled admin fills its own queue
// and starts losing frames without slowing anyone else.
const sendQueueSize = 256

// peer wraps a socket with a buffered outbound queue drained by a
// dedicated write pump. trySend never blocks and never panics, even
// when racing close.
type peer struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
}

func newPeer(conn *websocket.Conn) peer {
	return peer{conn: conn, send: make(chan []byte, sendQueueSize)}
}

// trySend queues data for the write pump. Returns false if the
// connection is closed or its queue is full; a full queue counts the
// drop so slow consumers are visible.
func (p *peer) trySend(data []byte) (sent bool) {
	// The closed check and the channel send race Close between them;
	// recover turns the resulting panic into a clean false.
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if p.closed.Load() {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// close shuts the send queue exactly once. The write pump drains and
// exits; the socket itself is closed by whoever owns the read loop.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.send)
	})
}

// DeviceConn is a registered display device. At most one live entry per
// deviceId exists in the registry; a newer connection supersedes it.
type DeviceConn struct {
	ID string
	peer

	mu       sync.Mutex
	lastSeen time.Time
}

func NewDeviceConn(id string, conn *websocket.Conn) *DeviceConn {
	return &DeviceConn{ID: id, peer: newPeer(conn), lastSeen: time.Now()}
}

func (d *DeviceConn) touch() {
	d.mu.Lock()
	d.lastSeen = time.Now()
	d.mu.Unlock()
}

// AdminConn is one administrator session. A human user may hold many at
// once, so the connection id is the username plus a random suffix.
type AdminConn struct {
	ID   string
	User string
	peer
}

func NewAdminConn(user string, conn *websocket.Conn) *AdminConn {
	return &AdminConn{
		ID:   user + "#" + uuid.NewString()[:8],
		User: user,
		peer: newPeer(conn),
	}
}
