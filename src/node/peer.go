package node

import (
	"fmt"
	"strings"
)

// Transport names. Driver factories are registered under these names.
const (
	TransportTCP  = "tcp"
	TransportSCTP = "sctp"
)

// Peer identifies a remote Diameter node. Two peers are equal when host
// (case-insensitively), port and transport match; capabilities are the
// negotiated result of the capability exchange and do not participate in
// equality.
type Peer struct {
	Host         string
	Port         int
	Transport    string
	Capabilities *Capability
}

// NewPeer returns a Peer for the host and port on the TCP transport.
func NewPeer(host string, port int) *Peer {
	return &Peer{Host: host, Port: port, Transport: TransportTCP}
}

// peerKey is the identity of a peer in maps and sets.
type peerKey struct {
	host      string
	port      int
	transport string
}

func (p *Peer) key() peerKey {
	return peerKey{host: strings.ToLower(p.Host), port: p.Port, transport: p.Transport}
}

// Equals reports whether the two peers identify the same remote node.
func (p *Peer) Equals(other *Peer) bool {
	if other == nil {
		return false
	}
	return p.key() == other.key()
}

// Copy returns a shallow copy sharing the capabilities.
func (p *Peer) Copy() *Peer {
	c := *p
	return &c
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s:%d/%s", p.Host, p.Port, p.Transport)
}
