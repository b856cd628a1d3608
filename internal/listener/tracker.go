package listener

import (
	"net"
	"sync"
	"sync/atomic"
)

// connTracker remembers live client connections so Stop can close them.
type connTracker struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	count atomic.Int64
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[net.Conn]struct{})}
}

// add registers conn unless the tracker was already drained by closeAll.
func (t *connTracker) add(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		return false
	}
	t.conns[conn] = struct{}{}
	t.count.Add(1)
	return true
}

// remove is safe to call for a connection that was never added.
func (t *connTracker) remove(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[conn]; ok {
		delete(t.conns, conn)
		t.count.Add(-1)
	}
}

func (t *connTracker) len() int64 {
	return t.count.Load()
}

// closeAll closes every tracked connection and refuses further adds.
func (t *connTracker) closeAll() {
	t.mu.Lock()
	conns := t.conns
	t.conns = nil
	t.count.Store(0)
	t.mu.Unlock()

	for conn := range conns {
		conn.Close()
	}
}
