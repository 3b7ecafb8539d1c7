package node

import (
	"sync"
	"time"
)

// peerRegistry is the keyed collection of live connections plus the
// persistent-peer set. A single mutex guards the connection map, every
// connection's mutable fields, the persistent set, and the shutdown flags.
// The reconnect worker waits on wakeCh, which doubles as the registry's
// condition channel.
type peerRegistry struct {
	sync.Mutex

	conns      map[ConnectionKey]*Connection
	persistent map[peerKey]*Peer

	pleaseStop       bool
	shutdownDeadline time.Time

	// wakeCh wakes the reconnect worker; buffered so a signal while the
	// worker is busy is not lost.
	wakeCh chan struct{}
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{
		conns:      make(map[ConnectionKey]*Connection),
		persistent: make(map[peerKey]*Peer),
		wakeCh:     make(chan struct{}, 1),
	}
}

// insert publishes a connection. Callers hold the lock.
func (r *peerRegistry) insert(conn *Connection) {
	r.conns[conn.Key] = conn
}

// remove unpublishes a connection. Callers hold the lock.
func (r *peerRegistry) remove(conn *Connection) {
	delete(r.conns, conn.Key)
}

// lookup returns the connection for a key. Callers hold the lock.
func (r *peerRegistry) lookup(key ConnectionKey) *Connection {
	return r.conns[key]
}

// findByPeer returns the ready connection to the peer, if any.
// Connections that have not finished their capability exchange are not
// returned. Callers hold the lock.
func (r *peerRegistry) findByPeer(peer *Peer) (*Connection, bool) {
	for _, conn := range r.conns {
		if conn.State != Ready {
			continue
		}
		if conn.Peer != nil && conn.Peer.Equals(peer) {
			return conn, true
		}
	}
	return nil, false
}

// anyForDriver reports whether the driver still has registered
// connections. Callers hold the lock.
func (r *peerRegistry) anyForDriver(driver Driver) bool {
	for _, conn := range r.conns {
		if conn.Driver == driver {
			return true
		}
	}
	return false
}

// snapshot returns the connections in unspecified order. Callers hold the
// lock.
func (r *peerRegistry) snapshot() []*Connection {
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// addPersistent records a persistent peer. Membership is additive; there
// is no way to make a peer non-persistent again.
func (r *peerRegistry) addPersistent(peer *Peer) {
	r.persistent[peer.key()] = peer.Copy()
}

// persistentPeers snapshots the persistent set. Callers hold the lock.
func (r *peerRegistry) persistentPeers() []*Peer {
	peers := make([]*Peer, 0, len(r.persistent))
	for _, p := range r.persistent {
		peers = append(peers, p)
	}
	return peers
}

// wake signals the reconnect worker.
func (r *peerRegistry) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// connWait is the connection-available condition: a broadcast channel
// replaced on every broadcast. Its mutex is never acquired while holding
// the registry lock.
type connWait struct {
	mu sync.Mutex
	ch chan struct{}
}

func newConnWait() *connWait {
	return &connWait{ch: make(chan struct{})}
}

// wait returns a channel closed at the next broadcast.
func (w *connWait) wait() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

// broadcast wakes every waiter.
func (w *connWait) broadcast() {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.ch)
	w.ch = make(chan struct{})
}
