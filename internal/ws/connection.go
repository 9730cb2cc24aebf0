package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"downbeat/internal/directory"
)

var sendQueueShed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "downbeat_send_queue_shed_total",
	Help: "Outbound events shed from full per-connection send queues",
})

// Connection wraps one live WebSocket session. All socket writes go
// through a single writer goroutine draining the send queue, so outbound
// delivery is per-connection FIFO and free of write races. The identity
// fields come from the authenticated handshake and never change.
type Connection struct {
	id       string
	schoolID int64
	userID   int64
	role     string
	username string

	sock         *websocket.Conn
	sendCh       chan []byte
	writeTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu         sync.Mutex
	lastSeenAt time.Time
}

// NewConnection wraps an upgraded socket with the session's identity and
// starts the writer goroutine.
func NewConnection(sock *websocket.Conn, ident *directory.Identity, queueSize int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		schoolID:     ident.SchoolID,
		userID:       ident.UserID,
		role:         ident.Role,
		username:     ident.Username,
		sock:         sock,
		sendCh:       make(chan []byte, queueSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		lastSeenAt:   time.Now(),
	}

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) SchoolID() int64  { return c.schoolID }
func (c *Connection) UserID() int64    { return c.userID }
func (c *Connection) Role() string     { return c.role }
func (c *Connection) Username() string { return c.username }

// LastSeenAt reports the last time the peer gave a sign of life.
func (c *Connection) LastSeenAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeenAt
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeenAt = time.Now()
	c.mu.Unlock()
}

// Enqueue places a serialized event on the send queue without blocking the
// caller. When the queue is full the oldest queued event is shed first:
// a persistently slow consumer loses its own backlog, never the
// dispatcher's time.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
	}

	select {
	case <-c.sendCh:
		sendQueueShed.Inc()
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// writeLoop is the single writer for the socket. It exits when the
// connection context is cancelled or a write fails.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Close tears the connection down. Idempotent; the registry entry is the
// owning handler's responsibility.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.sock.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}
