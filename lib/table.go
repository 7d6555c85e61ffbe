package lib

import (
	"net/netip"
	"sync"
)

// ConnectionTable maps peer addresses to their connection state.
// Lock order: Connection.mu before ConnectionTable.mu.
type ConnectionTable struct {
	mu    sync.RWMutex
	conns map[netip.AddrPort]*Connection
}

func newConnectionTable() *ConnectionTable {
	return &ConnectionTable{conns: make(map[netip.AddrPort]*Connection)}
}

// insert publishes c unless its peer already has a record, in which case the existing one is returned.
func (t *ConnectionTable) insert(c *Connection) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.conns[c.peer]; ok {
		return existing, false
	}
	t.conns[c.peer] = c
	return c, true
}

func (t *ConnectionTable) get(peer netip.AddrPort) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[peer]
	return c, ok
}

// remove unpublishes c and discards its state in one step. Caller holds c.mu.
// It returns false when c had already been removed, so a second removal is a no-op.
func (t *ConnectionTable) remove(c *Connection) bool {
	if c.removed {
		return false
	}
	t.mu.Lock()
	if t.conns[c.peer] == c {
		delete(t.conns, c.peer)
	}
	t.mu.Unlock()

	c.discard()
	return true
}

func (t *ConnectionTable) connections() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	return conns
}

func (t *ConnectionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
