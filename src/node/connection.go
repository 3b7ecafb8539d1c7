package node

import (
	"math/rand"
	"net"
	"sync/atomic"
)

// ConnState is the lifecycle state of a connection.
type ConnState uint32

const (
	// Connecting is an outbound connection whose socket has not
	// completed yet.
	Connecting ConnState = iota
	// ConnectedIn is an accepted connection awaiting a CER.
	ConnectedIn
	// ConnectedOut is a completed outbound connection awaiting a CEA.
	ConnectedOut
	// TLS is reserved for inband TLS negotiation. It is never entered;
	// the state exists so the hole is explicit rather than silent.
	TLS
	// Ready is a connection with a finished capability exchange.
	Ready
	// Closing is a connection that sent a DPR and awaits the DPA.
	Closing
	// Closed is terminal.
	Closed
)

// String ...
func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case ConnectedIn:
		return "connected_in"
	case ConnectedOut:
		return "connected_out"
	case TLS:
		return "tls"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionKey is an opaque handle for a connection, unique for the life
// of the process.
type ConnectionKey uint64

var connectionKeyCounter uint64

func newConnectionKey() ConnectionKey {
	return ConnectionKey(atomic.AddUint64(&connectionKeyCounter, 1))
}

// Connection is the per-peer record shared between a transport driver and
// the registry. The driver owns the socket resources; the registry guards
// the mutable protocol fields (state, peer, host id, hop-by-hop counter).
type Connection struct {
	// Key is the registry handle.
	Key ConnectionKey

	// State is guarded by the registry lock.
	State ConnState

	// HostID is the peer's advertised Origin-Host, empty until a CER or
	// CEA has been observed.
	HostID string

	// Peer is the fully-qualified peer, nil until known.
	Peer *Peer

	// Timers drives CER, DWR and idle expiry for this connection.
	Timers *ConnectionTimers

	// Driver is the owning transport driver.
	Driver Driver

	// Handle is driver-private socket state.
	Handle interface{}

	nextHopByHop uint32
}

// NewConnection allocates a connection record for a driver. The hop-by-hop
// counter starts at a random value per RFC 3588 section 3.
func NewConnection(driver Driver, timers *ConnectionTimers) *Connection {
	return &Connection{
		Key:          newConnectionKey(),
		State:        Connecting,
		Timers:       timers,
		Driver:       driver,
		nextHopByHop: rand.Uint32(),
	}
}

// NextHopByHopIdentifier returns the next hop-by-hop identifier. Callers
// hold the registry lock; see Node.NextHopByHopIdentifier for the public
// surface.
func (c *Connection) NextHopByHopIdentifier() uint32 {
	v := c.nextHopByHop
	c.nextHopByHop++
	return v
}

// SendRaw queues an encoded message on the connection's outbound buffer.
func (c *Connection) SendRaw(raw []byte) {
	c.Driver.SendRaw(c, raw)
}

// LocalAddresses returns the local IP addresses of the connection's
// socket, used for Host-IP-Address AVPs.
func (c *Connection) LocalAddresses() []net.IP {
	return c.Driver.LocalAddresses(c)
}

// RemoteAddr returns the address of the remote end, or nil before the
// socket exists.
func (c *Connection) RemoteAddr() net.Addr {
	return c.Driver.RemoteAddr(c)
}

func (c *Connection) describe() string {
	if c.Peer != nil {
		return c.Peer.String()
	}
	return c.HostID
}
