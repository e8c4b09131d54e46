// Package wsclient is the reconnecting WebSocket peer used by both the
// device agent and the admin console. It runs a small state machine
// (Disconnected, Connecting, Open, Closed) where a lost connection
// re-enters Connecting via exponential backoff, and it queues sends
// attempted while the socket is down.
package wsclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	return json.Marshal(envelope{Event: event, Payload: payload})
}

// State of the connection machine.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// ErrClientClosed is returned by Send after Close.
var ErrClientClosed = errors.New("wsclient: closed")

const (
	defaultMaxAttempts = 10
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
	defaultDialTimeout = 10 * time.Second
	defaultQueueSize   = 64
	writeWait          = 10 * time.Second
)

// Config for a reconnecting client. OnMessage runs on the read
// goroutine, one message at a time. OnOpen fires after the offline
// queue has flushed.
type Config struct {
	URL         string
	Header      http.Header
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	DialTimeout time.Duration
	QueueSize   int
	InsecureTLS bool

	OnMessage func(data []byte)
	OnOpen    func()

	Logger zerolog.Logger
}

// Client is a reconnecting WebSocket connection. All writes are
// serialized through the client mutex, which is also what makes the
// flush-before-new-sends ordering hold on reconnect.
type Client struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	queue    [][]byte
	attempts int
	halted   bool
	closed   bool
}

func New(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Client{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "wsclient").Logger(),
	}
}

// State reports the current machine state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection machine. Calling it while an attempt is
// already in flight attaches to that attempt instead of opening a
// second socket; calling it while Open is a no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectLocked()
}

func (c *Client) connectLocked() {
	if c.closed || c.state == Open || c.state == Connecting {
		return
	}
	c.state = Connecting
	c.attempts = 0
	c.halted = false
	go c.run()
}

// Send transmits data when Open, and otherwise queues it for the next
// Open in FIFO order. The queue is bounded: once full, the oldest entry
// is dropped with a warning. A send while retries are exhausted
// re-triggers connecting.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	if c.state == Open {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// Failed send means the connection is done. Close the
			// socket so the read loop notices and re-enters backoff;
			// requeue the message for the next Open.
			c.log.Warn().Err(err).Msg("send failed, connection closing")
			c.conn.Close()
			c.enqueueLocked(data)
		}
		return nil
	}

	c.enqueueLocked(data)
	if c.halted {
		c.log.Info().Msg("send while halted, restarting connect")
		c.state = Disconnected
		c.connectLocked()
	}
	return nil
}

// SendEvent marshals an `{event, payload}` envelope and sends it.
func (c *Client) SendEvent(event string, payload any) error {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Close terminates the machine permanently.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.state = Closed
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

func (c *Client) enqueueLocked(data []byte) {
	if len(c.queue) >= c.cfg.QueueSize {
		c.log.Warn().Int("queue", len(c.queue)).Msg("offline queue full, dropping oldest message")
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, data)
}

// run is the connection machine loop: dial with backoff, flush, read
// until failure, repeat. One run loop exists per Connecting entry.
func (c *Client) run() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > 0 {
			delay := c.backoff(attempt)
			c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting after backoff")
			time.Sleep(delay)
		}

		conn, err := c.dial()
		if err != nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.attempts++
			if c.attempts >= c.cfg.MaxAttempts {
				// Retry budget spent: halt until an external trigger
				// (the next Send) restarts the machine.
				c.state = Disconnected
				c.halted = true
				c.mu.Unlock()
				c.log.Warn().Int("attempts", c.cfg.MaxAttempts).Msg("retries exhausted, halting")
				return
			}
			c.mu.Unlock()
			c.log.Warn().Err(err).Msg("connect failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.state = Open
		c.attempts = 0
		pending := c.queue
		c.queue = nil
		// Flush under the lock: queued messages hit the wire in FIFO
		// order before any Send that is waiting on the mutex.
		flushErr := c.flushLocked(conn, pending)
		c.mu.Unlock()

		if flushErr != nil {
			c.log.Warn().Err(flushErr).Msg("flush failed")
			conn.Close()
			c.transitionToReconnect()
			continue
		}

		c.log.Info().Str("url", c.cfg.URL).Msg("connected")
		if c.cfg.OnOpen != nil {
			c.cfg.OnOpen()
		}

		c.readLoop(conn)

		conn.Close()
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.transitionToReconnect()
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
	}
	if c.cfg.InsecureTLS {
		// Self-signed gateway certificates are the norm for on-prem
		// installs.
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	return conn, err
}

func (c *Client) flushLocked(conn *websocket.Conn, pending [][]byte) error {
	for i, data := range pending {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// Unsent tail goes back to the queue for the next Open.
			c.queue = append(pending[i:], c.queue...)
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(data)
		}
	}
}

func (c *Client) transitionToReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.conn = nil
	c.state = Connecting
	c.attempts = 1
}

// backoff doubles per failed attempt, capped at MaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay << (attempt - 1)
	if d > c.cfg.MaxDelay || d <= 0 {
		return c.cfg.MaxDelay
	}
	return d
}
