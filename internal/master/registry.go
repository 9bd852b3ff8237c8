package master

import (
	"net"
	"sync"
	"time"
)

// Registry is the insertion-ordered set of worker connections. Indices are
// stable: connections are never reordered or removed. Every successful append
// wakes goroutines blocked in WaitForGrowth.
type Registry struct {
	mu     sync.Mutex
	conns  []*Connection
	grown  chan struct{}
	sealed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make([]*Connection, 0),
		grown: make(chan struct{}),
	}
}

// Append wraps conn as the next Connection. The ordinal ID is the registry
// size after the append, so the first worker is 1. Appending to a sealed
// registry closes conn and returns ErrRegistrySealed.
func (r *Registry) Append(conn net.Conn) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		_ = conn.Close()
		return nil, ErrRegistrySealed
	}

	c := newConnection(len(r.conns)+1, conn)
	r.conns = append(r.conns, c)

	// Broadcast growth: close the current generation and start a new one.
	close(r.grown)
	r.grown = make(chan struct{})

	return c, nil
}

// Size returns the number of registered connections, live or not.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Get returns the connection at index (zero-based).
func (r *Registry) Get(index int) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.conns) {
		return nil, false
	}
	return r.conns[index], true
}

// IsLive reports whether the connection at index is registered and open.
func (r *Registry) IsLive(index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return index >= 0 && index < len(r.conns) && r.conns[index].Valid()
}

// Snapshot returns a copy of the registered connections in registration order.
func (r *Registry) Snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, len(r.conns))
	copy(out, r.conns)
	return out
}

// Infos returns display snapshots of every registered connection.
func (r *Registry) Infos() []ConnectionInfo {
	conns := r.Snapshot()
	infos := make([]ConnectionInfo, len(conns))
	for i, c := range conns {
		infos[i] = c.Info()
	}
	return infos
}

// Sealed reports whether the registry has been frozen for distribution.
func (r *Registry) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// WaitForGrowth blocks until the registry holds more than known connections
// or timeout elapses. It returns the current size and whether it grew.
// A non-positive timeout checks once without waiting.
func (r *Registry) WaitForGrowth(known int, timeout time.Duration) (int, bool) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		r.mu.Lock()
		size := len(r.conns)
		grown := r.grown
		r.mu.Unlock()

		if size > known {
			return size, true
		}
		if deadline == nil {
			return size, false
		}

		select {
		case <-grown:
		case <-deadline:
			size := r.Size()
			return size, size > known
		}
	}
}

// LiveCount returns the number of registered connections that are still open.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.conns {
		if c.Valid() {
			n++
		}
	}
	return n
}

// Freeze seals the registry and runs fn with the live connections while
// holding the registry lock, so no connection can join mid-distribution.
// Connections that arrive afterwards are rejected. With no live connection
// the registry stays open and Freeze returns ErrNoConnections without
// calling fn.
func (r *Registry) Freeze(fn func(live []*Connection) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Valid() {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return ErrNoConnections
	}

	r.sealed = true
	return fn(live)
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	for _, c := range r.Snapshot() {
		_ = c.Close()
	}
}
