package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"downbeat/internal/config"
	"downbeat/internal/directory"
	"downbeat/internal/dispatch"
	"downbeat/internal/registry"
	"downbeat/pkg/event"
)

var inboundRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "downbeat_inbound_rejected_total",
	Help: "Client-originated events rejected at the connection handler",
}, []string{"reason"})

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is delegated to the deployment's reverse proxy.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Authenticator resolves an HTTP request to the authenticated session's
// identity. The API server implements it over the directory store.
type Authenticator interface {
	AuthenticateRequest(r *http.Request) (*directory.Identity, error)
}

// Handler owns the per-connection duplex pump: the handshake, the read
// pump feeding the dispatcher, and teardown. The write side lives on the
// Connection itself.
type Handler struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	auth       Authenticator
	cfg        *config.WebSocketConfig
	limiter    *RateLimiter
}

// NewHandler creates a WebSocket handler.
func NewHandler(reg *registry.Registry, disp *dispatch.Dispatcher, auth Authenticator, cfg *config.WebSocketConfig) *Handler {
	return &Handler{
		registry:   reg,
		dispatcher: disp,
		auth:       auth,
		cfg:        cfg,
		limiter:    NewRateLimiter(cfg.MaxInboundPerMinute),
	}
}

// HandleWebSocket authenticates, upgrades, registers, and starts the read
// pump. School, user, and role come from the session; client-supplied
// values are never consulted.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ident, err := h.auth.AuthenticateRequest(r)
	if err != nil {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	if !event.IsValidRole(ident.Role) {
		http.Error(w, "Unknown role on session", http.StatusForbidden)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(sock, ident, h.cfg.SendQueueSize, h.cfg.WriteTimeout)

	// A reconnect from the same user replaces the previous connection:
	// capture the stale set before registering, close it after. The stale
	// handlers unregister themselves and find the user still online, so no
	// spurious offline broadcast fires.
	stale := h.registry.ForUser(ident.SchoolID, ident.UserID)

	if err := h.registry.Register(conn); err != nil {
		log.Printf("Connection registration failed user=%d school=%d: %v",
			ident.UserID, ident.SchoolID, err)
		_ = conn.Close()
		return
	}

	for _, old := range stale {
		go func(c registry.Connection) {
			if err := c.Close(); err != nil {
				log.Printf("Failed to close replaced connection %s: %v", c.ID(), err)
			}
		}(old)
	}

	log.Printf("Connection opened: conn=%s user=%s role=%s school=%d",
		conn.ID(), conn.Username(), conn.Role(), conn.SchoolID())

	h.broadcastPresence(conn, event.ActionOnline)

	go h.readPump(conn)
}

// broadcastPresence emits the school-wide user.online/user.offline event,
// plus the staff-facing student.online/student.offline when the subject is
// a student.
func (h *Handler) broadcastPresence(conn *Connection, action event.Action) {
	payload := event.PresencePayload{Username: conn.Username(), Role: conn.Role()}

	ev, err := event.New(event.EntityUser, action, payload, conn.SchoolID())
	if err != nil {
		log.Printf("Failed to build presence event: %v", err)
		return
	}
	h.dispatcher.Dispatch(ev.WithActor(conn.UserID()))

	if conn.Role() == event.RoleStudent {
		ev, err := event.New(event.EntityStudent, action, payload, conn.SchoolID())
		if err != nil {
			log.Printf("Failed to build student presence event: %v", err)
			return
		}
		h.dispatcher.Dispatch(ev.WithActor(conn.UserID()))
	}
}

// readPump services inbound traffic and the heartbeat until the socket
// dies, then tears the connection down. Unregistration happens before the
// offline broadcast so a racing reconnect is never clobbered.
func (h *Handler) readPump(conn *Connection) {
	defer func() {
		h.registry.Unregister(conn)
		h.limiter.Forget(conn.ID())
		_ = conn.Close()

		if !h.registry.IsUserOnline(conn.SchoolID(), conn.UserID()) {
			h.broadcastPresence(conn, event.ActionOffline)
		}

		log.Printf("Connection closed: conn=%s user=%s school=%d",
			conn.ID(), conn.Username(), conn.SchoolID())
	}()

	if err := conn.sock.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	conn.sock.SetPongHandler(func(string) error {
		conn.touch()
		return conn.sock.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(h.cfg.WriteTimeout)
				if err := conn.sock.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error conn=%s: %v", conn.ID(), err)
			}
			return
		}

		if messageType == websocket.TextMessage {
			conn.touch()
			h.handleInbound(conn, data)
		}
	}
}

// handleInbound validates a client-originated event and hands it to the
// dispatcher. The session's identity overrides whatever the client sent,
// and only allow-listed event types pass.
func (h *Handler) handleInbound(conn *Connection, data []byte) {
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("Rejecting malformed inbound frame conn=%s: %v", conn.ID(), err)
		inboundRejected.WithLabelValues("malformed").Inc()
		return
	}

	if !h.limiter.Allow(conn.ID()) {
		log.Printf("Rejecting inbound event conn=%s user=%d: rate limit exceeded",
			conn.ID(), conn.UserID())
		inboundRejected.WithLabelValues("rate_limited").Inc()
		return
	}

	// Identity and type are server-derived; a spoofed schoolId or a
	// fabricated type string never survives this point.
	ev.Type = event.TypeOf(ev.Entity, ev.Action)
	ev.Meta.SchoolID = conn.SchoolID()
	ev.Meta.ActorID = conn.UserID()
	if ev.Meta.Timestamp == "" {
		ev.Meta.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Data == nil {
		ev.Data = json.RawMessage(`{}`)
	}

	if !event.CanClientEmit(conn.Role(), ev.Type) {
		log.Printf("Rejecting unauthorized inbound event conn=%s user=%d role=%s type=%s",
			conn.ID(), conn.UserID(), conn.Role(), ev.Type)
		inboundRejected.WithLabelValues("unauthorized").Inc()
		return
	}

	h.dispatcher.Dispatch(&ev)
}
