package server

import (
	"sync"

	"github.com/chilts/sid"
)

// Registry owns the canonical set of live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register assigns c a fresh unique id, stores it and returns the id.
func (r *Registry) Register(c *Connection) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := sid.IdBase64()
	for {
		if _, taken := r.conns[id]; !taken {
			break
		}
		id = sid.IdBase64()
	}

	c.id = id
	r.conns[id] = c
	return id
}

// Unregister removes the connection with id. It reports whether anything was
// removed, so calling it twice is harmless.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Get returns the live connection with id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	return c, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// ListByUser scans for every connection authenticated as userID.
func (r *Registry) ListByUser(userID string) []*Connection {
	if userID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Connection
	for _, c := range r.conns {
		if c.userID == userID {
			matches = append(matches, c)
		}
	}
	return matches
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// AuthenticatedCount returns the number of connections with a resolved user.
func (r *Registry) AuthenticatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, c := range r.conns {
		if c.userID != "" {
			count++
		}
	}
	return count
}
