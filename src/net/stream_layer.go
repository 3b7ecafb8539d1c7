package net

import (
	"io"
	"net"
)

// Conn is the byte pipe a stream layer hands to the driver. TCP
// connections satisfy it directly; the SCTP layer wraps an association
// stream.
type Conn interface {
	io.ReadWriteCloser

	// LocalAddr returns the local end of the pipe.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote end of the pipe.
	RemoteAddr() net.Addr
}

// StreamLayer provides the low-level stream abstraction under a transport
// driver: listening, accepting, and dialing. Every transport exposes the
// same contract; the driver on top is transport-agnostic.
type StreamLayer interface {
	// Open binds the listener on the port. Port 0 skips listening; the
	// layer can still dial out.
	Open(port int) error

	// Accept blocks for the next inbound connection. It fails once the
	// layer is closed.
	Accept() (Conn, error)

	// Dial creates an outbound connection to host:port.
	Dial(address string) (Conn, error)

	// Addr returns the listener address, or nil when not listening.
	Addr() net.Addr

	// Close releases the listener and any layer-wide resources.
	Close() error
}
