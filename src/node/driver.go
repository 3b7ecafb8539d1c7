package node

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nordictel/diameter/src/diam"
)

// Driver is the contract every transport driver implements. The core is
// transport-agnostic: TCP and SCTP expose exactly this surface.
type Driver interface {
	// Name returns the transport name the driver was registered under.
	Name() string

	// OpenIO binds listeners and allocates I/O resources.
	OpenIO() error

	// Start launches the event loop. It returns immediately; the loop
	// ends after InitiateStop.
	Start()

	// InitiateStop makes the driver stop accepting and drain until the
	// deadline.
	InitiateStop(deadline time.Time)

	// Wakeup unblocks the event loop so it observes state changes.
	Wakeup()

	// Join blocks until the event loop has ended.
	Join()

	// CloseIO releases listeners and I/O resources.
	CloseIO()

	// NewConnection allocates an outbound connection handle.
	NewConnection(watchdogInterval, idleTimeout time.Duration) *Connection

	// InitiateConnection starts connecting to the peer. It returns false
	// if the peer is immediately unroutable.
	InitiateConnection(conn *Connection, peer *Peer) bool

	// Close closes the connection's socket, flushing buffered output
	// unless reset is set.
	Close(conn *Connection, reset bool)

	// SendRaw queues an encoded message for the connection.
	SendRaw(conn *Connection, raw []byte)

	// LocalAddresses lists the local IPs of the connection's socket.
	LocalAddresses(conn *Connection) []net.IP

	// RemoteAddr returns the remote address of the connection's socket.
	RemoteAddr(conn *Connection) net.Addr
}

// DriverCore is the view of the node a transport driver calls back into.
type DriverCore interface {
	// HandleMessage processes one decoded message. A false return tells
	// the driver to close the connection.
	HandleMessage(msg *diam.Message, conn *Connection) bool

	// CalcNextTimeout returns the wall-time of the driver's next timer
	// event. ok is false when the driver has no pending timers.
	CalcNextTimeout(driver Driver) (next time.Time, ok bool)

	// RunTimers fires due timers for the driver's connections.
	RunTimers(driver Driver)

	// RegisterInboundConnection publishes an accepted connection in the
	// connected_in state.
	RegisterInboundConnection(conn *Connection)

	// ConnectionEstablished moves a completed outbound connection to
	// connected_out and sends the CER.
	ConnectionEstablished(conn *Connection)

	// CloseConnection hard-closes a connection; reset aborts buffered
	// output.
	CloseConnection(conn *Connection, reset bool)

	// AnyOpenConnections reports whether the driver still owns
	// registered connections.
	AnyOpenConnections(driver Driver) bool

	// LogGarbagePacket logs undecodable bytes before the driver resets
	// the connection.
	LogGarbagePacket(conn *Connection, raw []byte)

	// NewConnectionRecord allocates a Connection with timers fed by the
	// node's shared jitter source. Drivers use it from NewConnection and
	// when accepting.
	NewConnectionRecord(driver Driver, watchdogInterval, idleTimeout time.Duration) *Connection
}

// DriverFactory constructs a transport driver. Factories are registered by
// the transport packages at init time; Start queries the registry instead
// of probing for implementations.
type DriverFactory func(core DriverCore, settings *Settings, logger *logrus.Entry) (Driver, error)

var (
	driverFactoriesMu sync.Mutex
	driverFactories   = map[string]DriverFactory{}
)

// RegisterTransport registers a driver factory under a transport name.
// Registering the same name twice panics; it is a programming error.
func RegisterTransport(name string, factory DriverFactory) {
	driverFactoriesMu.Lock()
	defer driverFactoriesMu.Unlock()
	if _, dup := driverFactories[name]; dup {
		panic("transport " + name + " registered twice")
	}
	driverFactories[name] = factory
}

// LookupTransport returns the factory for a transport name.
func LookupTransport(name string) (DriverFactory, bool) {
	driverFactoriesMu.Lock()
	defer driverFactoriesMu.Unlock()
	factory, ok := driverFactories[name]
	return factory, ok
}

// RegisteredTransports lists the registered transport names, sorted.
func RegisteredTransports() []string {
	driverFactoriesMu.Lock()
	defer driverFactoriesMu.Unlock()
	names := make([]string, 0, len(driverFactories))
	for name := range driverFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
