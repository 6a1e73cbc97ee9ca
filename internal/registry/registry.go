// Package registry maps client identities to their live WebSocket
// connections. It tracks presence only; connection lifetime is owned by the
// transport handler that accepted the connection.
package registry

import (
	"sync"

	"github.com/CellMechLab/barytech/internal/monitoring"
)

// Conn is the send side of a live client connection. Implemented by the
// transport's connection type; test fakes implement it directly.
type Conn interface {
	// Send queues payload for delivery. It must not block: implementations
	// return an error when the connection is closed or its buffer is full.
	Send(payload []byte) error
}

// Registry is the client identity → connection set mapping.
// All operations are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]map[Conn]struct{}
}

func New() *Registry {
	return &Registry{clients: make(map[string]map[Conn]struct{})}
}

// Register adds conn to the set for clientID. Registering the same
// connection twice is a no-op (set semantics).
func (r *Registry) Register(clientID string, conn Conn) {
	r.mu.Lock()
	set, ok := r.clients[clientID]
	if !ok {
		set = make(map[Conn]struct{})
		r.clients[clientID] = set
	}
	set[conn] = struct{}{}
	size := len(set)
	r.mu.Unlock()

	monitoring.WSConnections.WithLabelValues(clientID).Set(float64(size))
}

// Unregister removes conn from clientID's set. The entry is removed when
// its last connection goes away. Unknown pairs are ignored, so teardown is
// idempotent.
func (r *Registry) Unregister(clientID string, conn Conn) {
	r.mu.Lock()
	set, ok := r.clients[clientID]
	if ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.clients, clientID)
		}
	}
	size := len(set)
	r.mu.Unlock()

	if ok {
		monitoring.WSConnections.WithLabelValues(clientID).Set(float64(size))
	}
}

// ConnectionsOf returns a snapshot of the connections registered for
// clientID. Broadcasters iterate the snapshot without holding the lock, so
// concurrent register/unregister never blocks on a slow send. A connection
// removed after the snapshot was taken simply fails its Send.
func (r *Registry) ConnectionsOf(clientID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	conns := make([]Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the number of live connections for clientID.
func (r *Registry) Count(clientID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients[clientID])
}
