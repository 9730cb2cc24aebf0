package fixtures

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"downbeat/pkg/client"
	"downbeat/pkg/event"
)

// Login authenticates an account over the REST surface and returns its
// bearer token.
func (b *Bus) Login(t *testing.T, acct *Account) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{
		"username": acct.Username,
		"password": acct.Password,
	})
	resp, err := http.Post(b.BaseURL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Login request failed for %s: %v", acct.Username, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Login failed for %s: status %d", acct.Username, resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Login response is not JSON: %v", err)
	}
	return out.Token
}

// ConnectAs logs an account in, connects a controller as that account, and
// waits until the subscription is open.
func (b *Bus) ConnectAs(t *testing.T, acct *Account) *client.Controller {
	t.Helper()

	ctrl, err := client.New(client.Options{
		ServerURL:   b.BaseURL,
		Token:       b.Login(t, acct),
		BackoffBase: 50 * time.Millisecond,
		BackoffMax:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to build controller for %s: %v", acct.Username, err)
	}
	t.Cleanup(ctrl.Disconnect)

	if err := ctrl.Connect(); err != nil {
		t.Fatalf("Connect failed for %s: %v", acct.Username, err)
	}
	WaitForStatus(t, ctrl, client.StatusOpen, 5*time.Second)
	return ctrl
}

// WaitForStatus polls a controller until it reaches the target status.
func WaitForStatus(t *testing.T, ctrl *client.Controller, target client.Status, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctrl.ConnectionInfo().Status == target {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Controller never reached status %s (currently %s)",
		target, ctrl.ConnectionInfo().Status)
}

// Collector accumulates events delivered to one controller, by type.
type Collector struct {
	mu     sync.Mutex
	events []*event.Event
}

// Collect subscribes the collector to the given event types.
func Collect(ctrl *client.Controller, eventTypes ...string) *Collector {
	c := &Collector{}
	for _, eventType := range eventTypes {
		ctrl.AddEventListener(eventType, func(ev *event.Event) {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		})
	}
	return c
}

// Count returns how many events of the type have arrived.
func (c *Collector) Count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, ev := range c.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// Events returns a snapshot of everything collected so far.
func (c *Collector) Events() []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*event.Event, len(c.events))
	copy(out, c.events)
	return out
}

// WaitCount blocks until at least n events of the type arrived.
func (c *Collector) WaitCount(t *testing.T, eventType string, n int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Count(eventType) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d %s events (have %d)", n, eventType, c.Count(eventType))
}

// AssertNone fails if any event of the type arrives within the window.
// Used to prove negative delivery guarantees.
func (c *Collector) AssertNone(t *testing.T, eventType string, window time.Duration) {
	t.Helper()

	time.Sleep(window)
	if n := c.Count(eventType); n != 0 {
		t.Fatalf("Expected no %s events, got %d", eventType, n)
	}
}

// Quiesce waits a settle window for in-flight deliveries.
func Quiesce() {
	time.Sleep(150 * time.Millisecond)
}
