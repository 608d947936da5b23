package ws

import "sync"

// Registry maps each authenticated identity to its single live connection.
// Installing a new connection for an identity evicts the previous one in the
// same critical section, so a lookup never observes two owners.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]*Connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byIdentity: make(map[string]*Connection)}
}

// Register installs c as the connection for identity. A previous connection
// for the same identity is marked terminated and its transport closed before
// c becomes visible; it is returned so the caller can finish tearing it down
// (room membership, presence). Register fails with ErrNotActive if c was
// terminated before it could be installed.
func (r *Registry) Register(identity string, c *Connection) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !c.IsActive() {
		return nil, ErrNotActive
	}

	old := r.byIdentity[identity]
	if old == c {
		return nil, nil
	}
	if old != nil {
		old.markTerminated()
		_ = old.Close()
	}
	r.byIdentity[identity] = c
	return old, nil
}

// Unregister removes the mapping for identity only if it still points at c.
// A connection that was already replaced cannot remove its successor.
func (r *Registry) Unregister(identity string, c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byIdentity[identity] != c {
		return false
	}
	delete(r.byIdentity, identity)
	return true
}

// Lookup returns the live connection for identity, or nil.
func (r *Registry) Lookup(identity string) *Connection {
	r.mu.RLock()
	c := r.byIdentity[identity]
	r.mu.RUnlock()
	return c
}

// Count returns the number of authenticated identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byIdentity)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byIdentity))
	for _, c := range r.byIdentity {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}
