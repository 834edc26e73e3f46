// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

// Package tunnel manages the set of transmissions owned by one mapping
// entry: rotation for the UDP forward path, least-loaded selection for the
// TCP accept path, connection tables keyed by (transmission, id) and the
// connection-id allocator.
package tunnel

import (
	"sync"

	"github.com/liulilittle/frp/internal/transport"
)

// Closer is what the manager needs from a managed connection.
type Closer interface {
	Close()
}

// Manager tracks transmissions in a list (arrival order, rotated by Get)
// plus one connection table per transmission. All methods are safe for concurrent use.
type Manager[C Closer] struct {
	mu          sync.Mutex
	order       []transport.Transmission
	connections map[transport.Transmission]map[uint32]C
	aid         uint32
}

func NewManager[C Closer]() *Manager[C] {
	return &Manager[C]{
		connections: make(map[transport.Transmission]map[uint32]C),
	}
}

// Add registers a transmission. It refuses duplicates.
func (m *Manager[C]) Add(t transport.Transmission) bool {
	if t == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[t]; ok {
		return false
	}
	m.connections[t] = make(map[uint32]C)
	m.order = append(m.order, t)
	return true
}

// Remove detaches a transmission, closes it, closes every connection that
// was dispatched through it, and reports whether it was registered. The
// remaining transmission count is returned alongside.
func (m *Manager[C]) Remove(t transport.Transmission) (removed bool, remaining int) {
	m.mu.Lock()
	table, ok := m.connections[t]
	if ok {
		delete(m.connections, t)
		for i, candidate := range m.order {
			if candidate == t {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	remaining = len(m.order)
	m.mu.Unlock()

	if !ok {
		return false, remaining
	}
	t.Close()
	for _, connection := range table {
		connection.Close()
	}
	return true, remaining
}

// Count returns the number of registered transmissions.
func (m *Manager[C]) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Get rotates the transmission list: head is returned and moved to the
// tail. Used by the UDP forward path.
func (m *Manager[C]) Get() transport.Transmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil
	}
	head := m.order[0]
	m.order = append(m.order[1:], head)
	return head
}

// Best returns the transmission with the fewest active connections, ties
// broken by list position. Used by the TCP accept path.
func (m *Manager[C]) Best() transport.Transmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil
	}
	best := m.order[0]
	bestCount := len(m.connections[best])
	for _, candidate := range m.order[1:] {
		if count := len(m.connections[candidate]); count < bestCount {
			best, bestCount = candidate, count
		}
	}
	return best
}

// Each calls f for every transmission, in list order.
func (m *Manager[C]) Each(f func(transport.Transmission)) {
	m.mu.Lock()
	snapshot := make([]transport.Transmission, len(m.order))
	copy(snapshot, m.order)
	m.mu.Unlock()
	for _, t := range snapshot {
		f(t)
	}
}

// The allocator probes at most the whole 16-bit space before giving up, so a
// fully occupied id space fails the caller instead of spinning forever.
const maxIdProbes = 1 << 16

// NewConnectionId allocates an id that is non-zero and unused by every
// connection table. It returns 0 when no id is available.
func (m *Manager[C]) NewConnectionId() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for probes := 0; probes < maxIdProbes; probes++ {
		m.aid++
		id := m.aid
		if id == 0 {
			continue
		}
		taken := false
		for _, table := range m.connections {
			if _, ok := table[id]; ok {
				taken = true
				break
			}
		}
		if !taken {
			return id
		}
	}
	return 0
}

// AddConnection installs a connection under (t, id). The transmission must
// be registered and the id unused on it.
func (m *Manager[C]) AddConnection(t transport.Transmission, id uint32, connection C) bool {
	if t == nil || id == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.connections[t]
	if !ok {
		return false
	}
	if _, exists := table[id]; exists {
		return false
	}
	table[id] = connection
	return true
}

// GetConnection looks up the connection registered under (t, id).
func (m *Manager[C]) GetConnection(t transport.Transmission, id uint32) (C, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	connection, ok := m.connections[t][id]
	return connection, ok
}

// ReleaseConnection removes (t, id) and closes the connection.
func (m *Manager[C]) ReleaseConnection(t transport.Transmission, id uint32) bool {
	m.mu.Lock()
	connection, ok := m.connections[t][id]
	if ok {
		delete(m.connections[t], id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	connection.Close()
	return true
}

// CloseAll tears down every transmission and every connection.
func (m *Manager[C]) CloseAll() {
	m.mu.Lock()
	tables := m.connections
	order := m.order
	m.connections = make(map[transport.Transmission]map[uint32]C)
	m.order = nil
	m.mu.Unlock()

	for _, t := range order {
		t.Close()
	}
	for _, table := range tables {
		for _, connection := range table {
			connection.Close()
		}
	}
}
