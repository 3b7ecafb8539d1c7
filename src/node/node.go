package node

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nordictel/diameter/src/diam"
)

// reconnectInterval is how often the reconnect worker re-examines the
// persistent-peer set when nothing wakes it earlier.
const reconnectInterval = 30 * time.Second

// Node is a Diameter peer node. It manages transport connections and
// peers, handles the base protocol commands itself (CER/CEA, DWR/DWA,
// DPR/DPA) and hands everything else to the MessageDispatcher. The
// ConnectionListener is notified when connections come up or go down. No
// per-message state is kept.
type Node struct {
	dispatcher MessageDispatcher
	listener   ConnectionListener
	validator  NodeValidator
	settings   *Settings
	nodeState  *NodeState
	logger     *logrus.Entry

	registry      *peerRegistry
	connAvailable *connWait
	jitter        *jitterSource

	drivers       map[string]Driver
	reconnectDone chan struct{}
	running       bool
}

// NewNode returns a node for the settings. dispatcher, listener and
// validator may be nil, in which case defaults are installed: a dispatcher
// that rejects everything, a listener that logs, and a validator that
// accepts every peer. The node is not started.
func NewNode(dispatcher MessageDispatcher, listener ConnectionListener, validator NodeValidator, settings *Settings, logger *logrus.Entry) *Node {
	if logger == nil {
		l := logrus.New()
		l.Level = logrus.DebugLevel
		logger = logrus.NewEntry(l)
	}
	logger = logger.WithField("host_id", settings.HostID)
	if dispatcher == nil {
		dispatcher = DefaultMessageDispatcher{}
	}
	if listener == nil {
		listener = DefaultConnectionListener{Logger: logger}
	}
	if validator == nil {
		validator = DefaultNodeValidator{}
	}
	return &Node{
		dispatcher:    dispatcher,
		listener:      listener,
		validator:     validator,
		settings:      settings,
		nodeState:     NewNodeState(),
		logger:        logger,
		registry:      newPeerRegistry(),
		connAvailable: newConnWait(),
		drivers:       map[string]Driver{},
	}
}

// Settings returns the node's settings.
func (n *Node) Settings() *Settings {
	return n.settings
}

// Logger returns the node's log entry.
func (n *Node) Logger() *logrus.Entry {
	return n.logger
}

// Start loads the transport drivers according to the settings' policies
// and launches their event loops and the reconnect worker. A required
// transport that fails to initialise is fatal; an optional one is logged
// and skipped.
func (n *Node) Start() error {
	n.registry.Lock()
	if n.running {
		n.registry.Unlock()
		return ErrAlreadyRunning
	}
	n.registry.Unlock()

	if err := n.settings.Validate(); err != nil {
		return err
	}

	n.logger.Info("starting diameter node")

	n.jitter = newJitterSource(n.settings.JitterPRNG == "bogus")

	if err := n.loadDriver(TransportTCP, n.settings.UseTCP); err != nil {
		n.closeDrivers()
		return err
	}
	if err := n.loadDriver(TransportSCTP, n.settings.UseSCTP); err != nil {
		n.closeDrivers()
		return err
	}
	if len(n.drivers) == 0 {
		n.logger.Warn("no transport drivers loaded; the node is running without connectivity")
	}

	n.registry.Lock()
	n.registry.pleaseStop = false
	n.running = true
	n.registry.Unlock()

	for _, driver := range n.drivers {
		driver.Start()
	}

	n.reconnectDone = make(chan struct{})
	go n.reconnectLoop()

	n.logger.Info("diameter node started")
	return nil
}

func (n *Node) loadDriver(name string, policy TransportPolicy) error {
	if policy == TransportDisabled {
		n.logger.WithField("transport", name).Info("transport disabled")
		return nil
	}
	factory, ok := LookupTransport(name)
	if !ok {
		if policy == TransportRequired {
			return fmt.Errorf("%w: %s is not registered", ErrUnsupportedTransport, name)
		}
		n.logger.WithField("transport", name).Info("transport support not registered")
		return nil
	}
	driver, err := factory(n, n.settings, n.logger.WithField("transport", name))
	if err == nil {
		err = driver.OpenIO()
	}
	if err != nil {
		if policy == TransportRequired {
			return fmt.Errorf("%w: %s: %v", ErrUnsupportedTransport, name, err)
		}
		n.logger.WithField("transport", name).WithError(err).Warn("optional transport failed to initialise")
		return nil
	}
	n.drivers[name] = driver
	n.logger.WithField("transport", name).Info("transport support loaded")
	return nil
}

func (n *Node) closeDrivers() {
	for name, driver := range n.drivers {
		driver.CloseIO()
		delete(n.drivers, name)
	}
}

// Stop stops the node with no grace time.
func (n *Node) Stop() {
	n.StopWithGrace(0)
}

// StopWithGrace stops the node. Every ready connection is sent a DPR with
// Disconnect-Cause Rebooting; connections that have not completed their
// capability exchange are closed immediately. Drivers drain until the
// deadline, then everything still open is closed. Threads waiting in
// WaitForConnection are woken.
func (n *Node) StopWithGrace(graceTime time.Duration) {
	n.registry.Lock()
	if !n.running {
		n.registry.Unlock()
		n.logger.Info("cannot stop node: it is not running")
		return
	}
	n.registry.Unlock()

	n.logger.Info("stopping diameter node")
	deadline := time.Now().Add(graceTime)

	for _, driver := range n.drivers {
		driver.InitiateStop(deadline)
	}

	var toClose, toDPR []*Connection
	n.registry.Lock()
	n.registry.pleaseStop = true
	n.registry.shutdownDeadline = deadline
	for _, conn := range n.registry.snapshot() {
		switch conn.State {
		case Connecting, ConnectedIn, ConnectedOut:
			toClose = append(toClose, conn)
		case Ready:
			toDPR = append(toDPR, conn)
		case TLS, Closing, Closed:
			// nothing to do
		}
	}
	n.registry.Unlock()

	for _, conn := range toClose {
		n.logger.WithField("peer", conn.describe()).Debug("closing connection because we are shutting down")
		n.CloseConnection(conn, false)
	}
	for _, conn := range toDPR {
		n.initiateConnectionClose(conn, diam.DisconnectCauseRebooting)
	}

	for _, driver := range n.drivers {
		driver.Wakeup()
	}
	n.registry.wake()

	for _, driver := range n.drivers {
		driver.Join()
	}
	if n.reconnectDone != nil {
		<-n.reconnectDone
		n.reconnectDone = nil
	}

	// close whatever the grace time did not drain
	n.registry.Lock()
	remaining := n.registry.snapshot()
	n.registry.Unlock()
	for _, conn := range remaining {
		n.CloseConnection(conn, false)
	}

	n.registry.Lock()
	n.running = false
	n.registry.Unlock()
	n.connAvailable.broadcast()

	n.closeDrivers()
	n.logger.Info("diameter node stopped")
}

func (n *Node) anyReadyConnection() bool {
	n.registry.Lock()
	defer n.registry.Unlock()
	for _, conn := range n.registry.conns {
		if conn.State == Ready {
			return true
		}
	}
	return false
}

// WaitForConnection blocks until at least one connection has finished its
// capability exchange, or the node stops.
func (n *Node) WaitForConnection() error {
	for {
		ch := n.connAvailable.wait()
		if n.anyReadyConnection() {
			return nil
		}
		n.registry.Lock()
		running := n.running
		n.registry.Unlock()
		if !running {
			return ErrNotRunning
		}
		<-ch
	}
}

// WaitForConnectionTimeout is WaitForConnection with a deadline. It
// returns ErrConnectionTimeout when no connection became ready in time.
func (n *Node) WaitForConnectionTimeout(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		ch := n.connAvailable.wait()
		if n.anyReadyConnection() {
			return nil
		}
		select {
		case <-ch:
		case <-deadline.C:
			if n.anyReadyConnection() {
				return nil
			}
			return ErrConnectionTimeout
		}
	}
}

// FindConnection returns the connection key for a peer. Only connections
// in the open state (RFC 3588 section 5.6) are returned.
func (n *Node) FindConnection(peer *Peer) (ConnectionKey, bool) {
	n.registry.Lock()
	defer n.registry.Unlock()
	conn, ok := n.registry.findByPeer(peer)
	if !ok {
		return 0, false
	}
	return conn.Key, true
}

// IsConnectionKeyValid reports whether the key still refers to a live
// connection.
func (n *Node) IsConnectionKeyValid(key ConnectionKey) bool {
	n.registry.Lock()
	defer n.registry.Unlock()
	return n.registry.lookup(key) != nil
}

// ConnectionKey2Peer returns the peer on a connection, or nil.
func (n *Node) ConnectionKey2Peer(key ConnectionKey) *Peer {
	n.registry.Lock()
	defer n.registry.Unlock()
	if conn := n.registry.lookup(key); conn != nil {
		return conn.Peer
	}
	return nil
}

// NextHopByHopIdentifier returns the next hop-by-hop identifier for a
// connection. The counter is sampled under the registry lock.
func (n *Node) NextHopByHopIdentifier(key ConnectionKey) (uint32, error) {
	n.registry.Lock()
	defer n.registry.Unlock()
	conn := n.registry.lookup(key)
	if conn == nil {
		return 0, ErrStaleConnection
	}
	return conn.NextHopByHopIdentifier(), nil
}

// SendMessage sends a message on the connection identified by the key. If
// the connection has been closed in the meantime, or never finished its
// capability exchange, ErrStaleConnection is returned.
func (n *Node) SendMessage(msg *diam.Message, key ConnectionKey) error {
	n.registry.Lock()
	defer n.registry.Unlock()
	conn := n.registry.lookup(key)
	if conn == nil || conn.State != Ready {
		return ErrStaleConnection
	}
	n.sendMessage(msg, conn)
	return nil
}

// sendMessage encodes and queues a message. Callers either hold the
// registry lock (public sends, for ordering) or run on the connection's
// driver loop.
func (n *Node) sendMessage(msg *diam.Message, conn *Connection) {
	n.logger.WithFields(logrus.Fields{
		"command": msg.Header.CommandCode,
		"to":      conn.describe(),
	}).Debug("sending message")
	raw := msg.Encode()
	n.logger.Debug(hexDump("raw packet encoded", raw))
	conn.SendRaw(raw)
}

// InitiateConnection initiates a connection to the peer unless one
// already exists. With persistent set, the peer is added to the
// persistent-peer set and the connection is re-established whenever it is
// lost; there is no way to make a peer non-persistent again. The call is
// safe to repeat; the connection is usually not yet established on
// return.
func (n *Node) InitiateConnection(peer *Peer, persistent bool) {
	n.registry.Lock()
	defer n.registry.Unlock()
	if persistent {
		n.registry.addPersistent(peer)
	}
	for _, conn := range n.registry.conns {
		if conn.Peer != nil && conn.Peer.Equals(peer) {
			// already connected or connecting to that peer
			return
		}
	}
	driver := n.drivers[peer.Transport]
	if driver == nil {
		n.logger.WithFields(logrus.Fields{
			"peer":      peer,
			"transport": peer.Transport,
		}).Info("cannot connect: transport protocol is not supported")
		return
	}
	n.logger.WithField("peer", peer).Info("initiating connection")
	conn := driver.NewConnection(n.settings.WatchdogInterval, n.settings.IdleTimeout)
	conn.HostID = peer.Host
	conn.Peer = peer.Copy()
	if driver.InitiateConnection(conn, conn.Peer) {
		n.registry.insert(conn)
		n.logger.WithField("peer", peer).Debug("initiated connection")
	}
}

// reconnectLoop periodically re-initiates connections to every persistent
// peer that has no connection. It wakes up at most every
// reconnectInterval, or when the registry signals it.
func (n *Node) reconnectLoop() {
	defer close(n.reconnectDone)
	for {
		select {
		case <-time.After(reconnectInterval):
		case <-n.registry.wakeCh:
		}
		n.registry.Lock()
		stop := n.registry.pleaseStop
		peers := n.registry.persistentPeers()
		n.registry.Unlock()
		if stop {
			return
		}
		for _, peer := range peers {
			n.InitiateConnection(peer, false)
		}
	}
}

// NextEndToEndIdentifier returns a unique end-to-end identifier.
func (n *Node) NextEndToEndIdentifier() uint32 {
	return n.nodeState.NextEndToEndIdentifier()
}

// StateID returns the node's Origin-State-Id.
func (n *Node) StateID() uint32 {
	return n.nodeState.StateID()
}

// MakeNewSessionID generates a session-id with no optional part.
func (n *Node) MakeNewSessionID() string {
	return n.MakeNewSessionIDWithOptional("")
}

// MakeNewSessionIDWithOptional generates a session-id. The mandatory part
// is "<host-id>;<high>;<low>"; the optional part, when non-empty, is
// appended after another semicolon and can carry anything that helps
// debugging, such as a user name.
func (n *Node) MakeNewSessionIDWithOptional(optionalPart string) string {
	mandatory := n.settings.HostID + ";" + n.nodeState.NextSessionIDSecondPart()
	if optionalPart == "" {
		return mandatory
	}
	return mandatory + ";" + optionalPart
}

// AddOurHostAndRealm adds our Origin-Host and Origin-Realm AVPs to the
// message.
func (n *Node) AddOurHostAndRealm(msg *diam.Message) {
	msg.Add(diam.NewUTF8StringAVP(diam.AVPOriginHost, n.settings.HostID))
	msg.Add(diam.NewUTF8StringAVP(diam.AVPOriginRealm, n.settings.Realm))
}

// CalcNextTimeout implements DriverCore. It returns the earliest timer
// deadline across the driver's connections, bounded by the shutdown
// deadline when the node is stopping.
func (n *Node) CalcNextTimeout(driver Driver) (time.Time, bool) {
	n.registry.Lock()
	defer n.registry.Unlock()
	var next time.Time
	found := false
	for _, conn := range n.registry.conns {
		if conn.Driver != driver {
			continue
		}
		connTimeout := conn.Timers.CalcNextTimeout(conn.State == Ready)
		if !found || connTimeout.Before(next) {
			next = connTimeout
			found = true
		}
	}
	if n.registry.pleaseStop && (!found || n.registry.shutdownDeadline.Before(next)) {
		next = n.registry.shutdownDeadline
		found = true
	}
	return next, found
}

// RunTimers implements DriverCore. It fires due timer actions for the
// driver's connections.
func (n *Node) RunTimers(driver Driver) {
	type timedAction struct {
		conn   *Connection
		action TimerAction
	}
	var due []timedAction
	n.registry.Lock()
	for _, conn := range n.registry.conns {
		if conn.Driver != driver {
			continue
		}
		if action := conn.Timers.CalcAction(conn.State == Ready); action != TimerActionNone {
			due = append(due, timedAction{conn, action})
		}
	}
	n.registry.Unlock()

	for _, ta := range due {
		switch ta.action {
		case TimerActionDisconnectNoCER:
			n.logger.WithField("peer", ta.conn.describe()).Warn("disconnecting due to no CER/CEA")
			n.CloseConnection(ta.conn, false)
		case TimerActionDisconnectNoDW:
			n.logger.WithField("peer", ta.conn.describe()).Warn("disconnecting due to no DWA")
			n.CloseConnection(ta.conn, false)
		case TimerActionDisconnectIdle:
			// busy is the closest cause to "no traffic for a long time"
			n.logger.WithField("peer", ta.conn.describe()).Warn("disconnecting due to idle")
			n.initiateConnectionClose(ta.conn, diam.DisconnectCauseBusy)
		case TimerActionSendDWR:
			n.sendDWR(ta.conn)
		}
	}
}

// RegisterInboundConnection implements DriverCore.
func (n *Node) RegisterInboundConnection(conn *Connection) {
	n.registry.Lock()
	conn.State = ConnectedIn
	n.registry.insert(conn)
	n.registry.Unlock()
}

// ConnectionEstablished implements DriverCore. The outbound socket has
// completed; start the capability exchange.
func (n *Node) ConnectionEstablished(conn *Connection) {
	n.registry.Lock()
	if conn.State != Connecting {
		n.registry.Unlock()
		return
	}
	conn.State = ConnectedOut
	n.registry.Unlock()
	n.sendCER(conn)
}

// AnyOpenConnections implements DriverCore.
func (n *Node) AnyOpenConnections(driver Driver) bool {
	n.registry.Lock()
	defer n.registry.Unlock()
	return n.registry.anyForDriver(driver)
}

// NewConnectionRecord implements DriverCore.
func (n *Node) NewConnectionRecord(driver Driver, watchdogInterval, idleTimeout time.Duration) *Connection {
	return NewConnection(driver, NewConnectionTimers(n.jitter.next, watchdogInterval, idleTimeout))
}

// LogGarbagePacket implements DriverCore.
func (n *Node) LogGarbagePacket(conn *Connection, raw []byte) {
	n.logger.Warn(hexDump("garbage from "+conn.describe(), raw))
}

// CloseConnection implements DriverCore. Closing is idempotent: the
// connection is removed from the registry before the listener observes
// the down transition, and the listener fires exactly once.
func (n *Node) CloseConnection(conn *Connection, reset bool) {
	n.registry.Lock()
	if conn.State == Closed {
		n.registry.Unlock()
		return
	}
	n.logger.WithField("peer", conn.describe()).Info("closing connection")
	conn.Driver.Close(conn, reset)
	n.registry.remove(conn)
	conn.State = Closed
	n.registry.Unlock()
	n.listener.Handle(conn.Key, conn.Peer, false)
}

// initiateConnectionClose sends a DPR with the given cause and moves the
// connection to closing. The socket stays open until the DPA arrives or
// the driver gives up.
func (n *Node) initiateConnectionClose(conn *Connection, cause uint32) {
	n.registry.Lock()
	if conn.State != Ready {
		n.registry.Unlock()
		return
	}
	conn.State = Closing
	n.registry.Unlock()
	n.sendDPR(conn, cause)
}

// Stats returns a snapshot of the node's state for the HTTP service.
func (n *Node) Stats() map[string]string {
	n.registry.Lock()
	defer n.registry.Unlock()
	ready := 0
	for _, conn := range n.registry.conns {
		if conn.State == Ready {
			ready++
		}
	}
	return map[string]string{
		"host_id":           n.settings.HostID,
		"realm":             n.settings.Realm,
		"product_name":      n.settings.ProductName,
		"state_id":          strconv.FormatUint(uint64(n.nodeState.StateID()), 10),
		"connections":       strconv.Itoa(len(n.registry.conns)),
		"ready_connections": strconv.Itoa(ready),
		"persistent_peers":  strconv.Itoa(len(n.registry.persistent)),
	}
}

// ConnectionInfo describes one connection for the HTTP service.
type ConnectionInfo struct {
	Key    uint64 `json:"key"`
	HostID string `json:"host_id"`
	State  string `json:"state"`
	Peer   string `json:"peer,omitempty"`
	Driver string `json:"transport"`
	Remote string `json:"remote_addr,omitempty"`
}

// Connections lists the registered connections.
func (n *Node) Connections() []ConnectionInfo {
	n.registry.Lock()
	defer n.registry.Unlock()
	infos := make([]ConnectionInfo, 0, len(n.registry.conns))
	for _, conn := range n.registry.conns {
		info := ConnectionInfo{
			Key:    uint64(conn.Key),
			HostID: conn.HostID,
			State:  conn.State.String(),
			Driver: conn.Driver.Name(),
		}
		if conn.Peer != nil {
			info.Peer = conn.Peer.String()
		}
		if addr := conn.RemoteAddr(); addr != nil {
			info.Remote = addr.String()
		}
		infos = append(infos, info)
	}
	return infos
}

// PersistentPeers lists the persistent-peer set.
func (n *Node) PersistentPeers() []*Peer {
	n.registry.Lock()
	defer n.registry.Unlock()
	return n.registry.persistentPeers()
}

// peerFromConn builds a Peer for an inbound connection from its socket
// address; the host is replaced by the peer's Origin-Host once known.
func peerFromConn(conn *Connection) *Peer {
	peer := &Peer{Transport: conn.Driver.Name()}
	if addr := conn.RemoteAddr(); addr != nil {
		if host, portStr, err := net.SplitHostPort(addr.String()); err == nil {
			peer.Host = host
			if port, err := strconv.Atoi(portStr); err == nil {
				peer.Port = port
			}
		} else {
			peer.Host = addr.String()
		}
	}
	return peer
}
