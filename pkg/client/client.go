package client

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"downbeat/pkg/event"
)

// Status is the observable connection state of a Controller.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusErrored    Status = "errored"
)

// Info is a read-only snapshot of the connection state machine.
type Info struct {
	Status    Status
	Attempt   int
	LastError string
}

// PresenceEntry is one currently-online user, derived from presence
// events, never persisted.
type PresenceEntry struct {
	Username string
	Role     string
}

// Handler receives a delivered event.
type Handler func(*event.Event)

// Options configures a Controller. Every knob is per-instance so
// independent controllers (as in tests) never interfere.
type Options struct {
	// ServerURL is the http(s) base URL of the bus server.
	ServerURL string
	// Token authenticates the handshake as a bearer credential.
	Token string
	// AutoConnect starts the connect loop from New.
	AutoConnect bool
	// DebugLogs enables verbose lifecycle logging.
	DebugLogs bool
	// MaxReconnectAttempts bounds automatic retries; once exceeded the
	// controller parks in StatusErrored until Connect is called again.
	MaxReconnectAttempts int
	// BatchInvalidationDelay is the quiescence window for coalescing
	// cache invalidations.
	BatchInvalidationDelay time.Duration
	// InvalidationHardCap flushes immediately once this many distinct
	// keys are pending.
	InvalidationHardCap int
	// BackoffBase and BackoffMax bound the reconnect delay, which doubles
	// per attempt.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// ActivityBound caps the recent-activity ring buffer.
	ActivityBound int
	// OnInvalidate receives each deduplicated invalidation pass.
	OnInvalidate func(keys []string)
}

func (o *Options) applyDefaults() {
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 8
	}
	if o.BatchInvalidationDelay == 0 {
		o.BatchInvalidationDelay = 300 * time.Millisecond
	}
	if o.InvalidationHardCap == 0 {
		o.InvalidationHardCap = 32
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.ActivityBound == 0 {
		o.ActivityBound = 50
	}
}

// Controller is the application's single reconnecting subscription to its
// school's event stream. It owns the connect/retry lifecycle, a typed
// listener registry, the presence list, a bounded activity log, and the
// invalidation batcher.
type Controller struct {
	opts Options

	mu        sync.Mutex
	status    Status
	attempt   int
	lastError string
	sock      *websocket.Conn
	// generation invalidates in-flight dials, read loops, and retry
	// timers whenever the caller disconnects or reconnects explicitly.
	generation int
	retryTimer *time.Timer

	wmu sync.Mutex // serializes socket writes

	listeners    map[string]map[int]Handler
	nextListener int

	online   map[string]PresenceEntry
	activity []*event.Event

	batch *batcher
}

// New creates a controller. With AutoConnect set the connect loop starts
// immediately.
func New(opts Options) (*Controller, error) {
	if opts.ServerURL == "" {
		return nil, ErrMissingServerURL
	}
	if _, err := url.Parse(opts.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	opts.applyDefaults()

	c := &Controller{
		opts:      opts,
		status:    StatusIdle,
		listeners: make(map[string]map[int]Handler),
		online:    make(map[string]PresenceEntry),
	}
	c.batch = newBatcher(opts.BatchInvalidationDelay, opts.InvalidationHardCap, opts.OnInvalidate)

	if opts.AutoConnect {
		_ = c.Connect()
	}
	return c, nil
}

// Connect starts (or restarts) the connection lifecycle. Calling it while
// already connecting or open is a no-op; calling it from the errored state
// resets the attempt counter and tries again.
func (c *Controller) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusConnecting || c.status == StatusOpen {
		return nil
	}

	c.attempt = 0
	c.lastError = ""
	c.generation++
	c.status = StatusConnecting
	c.debugf("connecting to %s", c.opts.ServerURL)

	go c.dial(c.generation)
	return nil
}

// Disconnect cancels any pending reconnect timer and closes the live
// socket. Idempotent; the controller returns to idle.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.generation++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	sock := c.sock
	c.sock = nil
	c.status = StatusIdle
	c.attempt = 0
	c.mu.Unlock()

	if sock != nil {
		c.wmu.Lock()
		_ = sock.SetWriteDeadline(time.Now().Add(time.Second))
		_ = sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		_ = sock.Close()
	}

	c.batch.stop()
	c.debugf("disconnected")
}

// SendEvent emits a client-originated event. Identity metadata is filled
// in server-side from the authenticated session; only the entity, action,
// and payload matter here.
func (c *Controller) SendEvent(entity event.Entity, action event.Action, payload interface{}) error {
	c.mu.Lock()
	sock := c.sock
	status := c.status
	c.mu.Unlock()

	if status != StatusOpen || sock == nil {
		return ErrNotConnected
	}

	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ev := &event.Event{
		Type:   event.TypeOf(entity, action),
		Entity: entity,
		Action: action,
		Data:   data,
		Meta: event.Meta{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = sock.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := sock.WriteJSON(ev); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	return nil
}

// AddEventListener subscribes a handler to one event type. The returned
// function unsubscribes it.
func (c *Controller) AddEventListener(eventType string, handler Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listeners[eventType] == nil {
		c.listeners[eventType] = make(map[int]Handler)
	}
	id := c.nextListener
	c.nextListener++
	c.listeners[eventType][id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if handlers, ok := c.listeners[eventType]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(c.listeners, eventType)
			}
		}
	}
}

// ConnectionInfo returns a snapshot of the state machine.
func (c *Controller) ConnectionInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{Status: c.status, Attempt: c.attempt, LastError: c.lastError}
}

// OnlineUsers returns the current presence list, sorted by username.
func (c *Controller) OnlineUsers() []PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := make([]PresenceEntry, 0, len(c.online))
	for _, entry := range c.online {
		users = append(users, entry)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// RecentActivity returns the bounded activity log, oldest first.
func (c *Controller) RecentActivity() []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*event.Event, len(c.activity))
	copy(out, c.activity)
	return out
}

// dial attempts one handshake for the given generation. A failure feeds
// the retry schedule; success resets the attempt counter and starts the
// read loop.
func (c *Controller) dial(generation int) {
	wsURL, err := c.websocketURL()
	if err != nil {
		c.mu.Lock()
		if generation == c.generation {
			c.lastError = err.Error()
			c.status = StatusErrored
		}
		c.mu.Unlock()
		return
	}

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	sock, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		if sock != nil {
			sock.Close()
		}
		return
	}

	if err != nil {
		c.lastError = err.Error()
		c.debugf("dial failed: %v", err)
		c.scheduleRetryLocked(generation)
		return
	}

	c.sock = sock
	c.status = StatusOpen
	c.attempt = 0
	c.debugf("connection open")

	go c.readLoop(generation, sock)
}

// readLoop drains incoming events until the socket fails, then hands
// control to the retry schedule unless the generation moved on (an
// explicit Disconnect or reconnect).
func (c *Controller) readLoop(generation int, sock *websocket.Conn) {
	for {
		var ev event.Event
		if err := sock.ReadJSON(&ev); err != nil {
			c.mu.Lock()
			if generation != c.generation {
				c.mu.Unlock()
				return
			}
			c.sock = nil
			c.lastError = err.Error()
			c.status = StatusClosed
			c.debugf("connection lost: %v", err)
			c.scheduleRetryLocked(generation)
			c.mu.Unlock()
			return
		}
		c.handleEvent(&ev)
	}
}

// scheduleRetryLocked increments the attempt counter and either parks the
// controller in StatusErrored or arms the backoff timer. Caller holds mu.
func (c *Controller) scheduleRetryLocked(generation int) {
	c.attempt++
	if c.attempt > c.opts.MaxReconnectAttempts {
		c.status = StatusErrored
		c.debugf("reconnect attempts exhausted after %d tries", c.attempt-1)
		return
	}

	c.status = StatusConnecting
	delay := c.backoffDelay(c.attempt)
	c.debugf("reconnect attempt %d in %s", c.attempt, delay)

	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := generation != c.generation
		c.mu.Unlock()
		if stale {
			return
		}
		c.dial(generation)
	})
}

// backoffDelay doubles per attempt from the base, capped at the maximum,
// so the delay sequence is monotonically non-decreasing.
func (c *Controller) backoffDelay(attempt int) time.Duration {
	delay := c.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.BackoffMax {
			return c.opts.BackoffMax
		}
	}
	if delay > c.opts.BackoffMax {
		return c.opts.BackoffMax
	}
	return delay
}

// handleEvent updates presence and activity state, queues cache
// invalidations, and fans the event out to listeners. Listeners run
// outside the lock so they may call back into the controller.
func (c *Controller) handleEvent(ev *event.Event) {
	c.mu.Lock()

	c.activity = append(c.activity, ev)
	if len(c.activity) > c.opts.ActivityBound {
		c.activity = c.activity[len(c.activity)-c.opts.ActivityBound:]
	}

	if ev.Entity == event.EntityUser && (ev.Action == event.ActionOnline || ev.Action == event.ActionOffline) {
		var presence event.PresencePayload
		if err := json.Unmarshal(ev.Data, &presence); err == nil && presence.Username != "" {
			if ev.Action == event.ActionOnline {
				c.online[presence.Username] = PresenceEntry{Username: presence.Username, Role: presence.Role}
			} else {
				delete(c.online, presence.Username)
			}
		}
	}

	var handlers []Handler
	for _, h := range c.listeners[ev.Type] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	if keys := invalidationKeys(ev); len(keys) > 0 {
		c.batch.add(keys)
	}

	for _, h := range handlers {
		h(ev)
	}

	c.debugf("event received type=%s school=%d", ev.Type, ev.Meta.SchoolID)
}

func (c *Controller) websocketURL() (string, error) {
	u, err := url.Parse(c.opts.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	return u.String(), nil
}

func (c *Controller) debugf(format string, args ...interface{}) {
	if c.opts.DebugLogs {
		log.Printf("downbeat client: "+format, args...)
	}
}
