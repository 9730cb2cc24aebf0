package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "downbeat_active_connections",
	Help: "Number of live WebSocket connections in the registry",
})

// Connection is the registry's view of a live transport session. The
// owning handler creates and closes the connection; the registry holds a
// non-owning index for recipient lookup.
type Connection interface {
	ID() string
	SchoolID() int64
	UserID() int64
	Role() string
	Username() string
	Enqueue(data []byte) error
	Close() error
}

// Registry is the concurrency-safe index of active connections, keyed for
// the two dispatch lookup patterns: all connections in a school, and all
// connections for one user. It is the only shared mutable structure on the
// server side.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]Connection                     // connectionID -> Connection
	bySchool map[int64]map[string]Connection           // schoolID -> connectionID -> Connection
	byUser   map[int64]map[int64]map[string]Connection // schoolID -> userID -> connectionID -> Connection
}

// New creates an empty registry. All maps are initialized up front so
// concurrent lookups never observe a nil map.
func New() *Registry {
	return &Registry{
		conns:    make(map[string]Connection),
		bySchool: make(map[int64]map[string]Connection),
		byUser:   make(map[int64]map[int64]map[string]Connection),
	}
}

// Register adds a connection to all indexes atomically. Connection IDs are
// generated server-side, so a duplicate ID is a programming error, not a
// recoverable condition.
func (r *Registry) Register(conn Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	schoolID := conn.SchoolID()
	userID := conn.UserID()
	if schoolID <= 0 || userID <= 0 {
		return ErrUnauthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID()]; exists {
		return ErrDuplicateConnectionID
	}

	r.conns[conn.ID()] = conn

	if r.bySchool[schoolID] == nil {
		r.bySchool[schoolID] = make(map[string]Connection)
	}
	r.bySchool[schoolID][conn.ID()] = conn

	if r.byUser[schoolID] == nil {
		r.byUser[schoolID] = make(map[int64]map[string]Connection)
	}
	if r.byUser[schoolID][userID] == nil {
		r.byUser[schoolID][userID] = make(map[string]Connection)
	}
	r.byUser[schoolID][userID][conn.ID()] = conn

	activeConnections.Set(float64(len(r.conns)))
	return nil
}

// Unregister removes a connection from all indexes. Idempotent, and
// instance-matched: a stale connection object cannot remove the newer
// connection registered under the same ID.
func (r *Registry) Unregister(conn Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.conns[conn.ID()]
	if !exists || registered != conn {
		return
	}

	schoolID := conn.SchoolID()
	userID := conn.UserID()

	delete(r.conns, conn.ID())

	if school, ok := r.bySchool[schoolID]; ok {
		delete(school, conn.ID())
		if len(school) == 0 {
			delete(r.bySchool, schoolID)
		}
	}

	if users, ok := r.byUser[schoolID]; ok {
		if userConns, ok := users[userID]; ok {
			delete(userConns, conn.ID())
			if len(userConns) == 0 {
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(r.byUser, schoolID)
		}
	}

	activeConnections.Set(float64(len(r.conns)))
}

// ForSchool returns the connections in a school. With roles given, only
// connections whose role matches one of them are returned.
func (r *Registry) ForSchool(schoolID int64, roles ...string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	school, ok := r.bySchool[schoolID]
	if !ok {
		return nil
	}

	conns := make([]Connection, 0, len(school))
	for _, conn := range school {
		if len(roles) > 0 && !roleMatches(conn.Role(), roles) {
			continue
		}
		conns = append(conns, conn)
	}
	return conns
}

// ForUser returns the connections for one user within a school.
func (r *Registry) ForUser(schoolID, userID int64) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users, ok := r.byUser[schoolID]
	if !ok {
		return nil
	}
	userConns, ok := users[userID]
	if !ok {
		return nil
	}

	conns := make([]Connection, 0, len(userConns))
	for _, conn := range userConns {
		conns = append(conns, conn)
	}
	return conns
}

// IsUserOnline reports whether a user has at least one live connection.
// Teardown uses this to suppress a stale offline broadcast after the same
// user has already reconnected.
func (r *Registry) IsUserOnline(schoolID, userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users, ok := r.byUser[schoolID]
	if !ok {
		return false
	}
	return len(users[userID]) > 0
}

// CloseAll closes every registered connection. Called once at shutdown;
// each handler's teardown path performs the actual unregistration.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Stats returns connection counts for the stats endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.conns),
		"active_schools":    len(r.bySchool),
	}
}

func roleMatches(role string, roles []string) bool {
	for _, candidate := range roles {
		if role == candidate {
			return true
		}
	}
	return false
}
