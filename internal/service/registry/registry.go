package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
)

var (
	ErrNotRegistered = errors.New("connection not registered")
	ErrRoleConflict  = errors.New("connection already declared a different role")
)

// UnregisterHook runs once per departed connection.
type UnregisterHook func(conn session.Connection)

// Registry tracks which connections are currently reachable.
// It is not safe for concurrent use; the relay hub owns it from its loop.
type Registry struct {
	conns map[string]*session.Connection
	hooks []UnregisterHook
	now   func() time.Time
}

// New creates an empty registry. A nil clock defaults to time.Now.
func New(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		conns: make(map[string]*session.Connection),
		now:   now,
	}
}

// OnUnregister appends a cleanup hook. Hooks run in registration order.
func (r *Registry) OnUnregister(hook UnregisterHook) {
	r.hooks = append(r.hooks, hook)
}

// Register inserts a connection with lastSeenAt = now. Registering a known id
// only refreshes it.
func (r *Registry) Register(id, remoteAddr, userAgent string) session.Connection {
	now := r.now().UTC()
	if existing, ok := r.conns[id]; ok {
		existing.LastSeenAt = now
		return *existing
	}

	conn := &session.Connection{
		ID:          id,
		Role:        session.RoleUnknown,
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: now,
		LastSeenAt:  now,
	}
	r.conns[id] = conn
	return *conn
}

// Touch refreshes lastSeenAt. Unknown ids are ignored.
func (r *Registry) Touch(id string) bool {
	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	conn.LastSeenAt = r.now().UTC()
	return true
}

// DeclareRole records the connection's role. Repeating the same role is a
// no-op; switching roles is refused.
func (r *Registry) DeclareRole(id string, role session.Role) (session.Connection, error) {
	conn, ok := r.conns[id]
	if !ok {
		return session.Connection{}, ErrNotRegistered
	}
	if conn.Role != session.RoleUnknown && conn.Role != role {
		return *conn, ErrRoleConflict
	}
	conn.Role = role
	return *conn, nil
}

// Get returns a copy of the connection entry.
func (r *Registry) Get(id string) (session.Connection, bool) {
	conn, ok := r.conns[id]
	if !ok {
		return session.Connection{}, false
	}
	return *conn, true
}

// RoleOf returns the declared role, RoleUnknown for absent connections.
func (r *Registry) RoleOf(id string) session.Role {
	if conn, ok := r.conns[id]; ok {
		return conn.Role
	}
	return session.RoleUnknown
}

// Unregister removes the entry and runs the cleanup hooks. It reports false
// (and runs nothing) when the connection already departed.
func (r *Registry) Unregister(id string) bool {
	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	delete(r.conns, id)

	for _, hook := range r.hooks {
		hook(*conn)
	}
	return true
}

// WithRole lists connection ids holding role, oldest first.
func (r *Registry) WithRole(role session.Role) []string {
	matches := make([]*session.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.Role == role {
			matches = append(matches, conn)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].ConnectedAt.Equal(matches[j].ConnectedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].ConnectedAt.Before(matches[j].ConnectedAt)
	})

	ids := make([]string, len(matches))
	for i, conn := range matches {
		ids[i] = conn.ID
	}
	return ids
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.conns)
}
