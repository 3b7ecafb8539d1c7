package node

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nordictel/diameter/src/common"
	"github.com/nordictel/diameter/src/diam"
)

func testSettings(hostID string) *Settings {
	caps := NewCapability()
	caps.AddAuthApp(4)
	return &Settings{
		HostID:           hostID,
		Realm:            "example",
		ProductName:      "test-node",
		WatchdogInterval: 30 * time.Second,
		Capabilities:     caps,
	}
}

// fakeDriver records every frame the engine emits and never touches a
// real socket.
type fakeDriver struct {
	name string

	mu     sync.Mutex
	sent   map[ConnectionKey][]*diam.Message
	closed map[ConnectionKey]int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		name:   TransportTCP,
		sent:   make(map[ConnectionKey][]*diam.Message),
		closed: make(map[ConnectionKey]int),
	}
}

func (d *fakeDriver) Name() string                    { return d.name }
func (d *fakeDriver) OpenIO() error                   { return nil }
func (d *fakeDriver) Start()                          {}
func (d *fakeDriver) InitiateStop(deadline time.Time) {}
func (d *fakeDriver) Wakeup()                         {}
func (d *fakeDriver) Join()                           {}
func (d *fakeDriver) CloseIO()                        {}

func (d *fakeDriver) NewConnection(watchdog, idle time.Duration) *Connection {
	return NewConnection(d, NewConnectionTimers(func() time.Duration { return 0 }, watchdog, idle))
}

func (d *fakeDriver) InitiateConnection(conn *Connection, peer *Peer) bool {
	return true
}

func (d *fakeDriver) Close(conn *Connection, reset bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed[conn.Key]++
}

func (d *fakeDriver) SendRaw(conn *Connection, raw []byte) {
	msg, err := diam.Decode(raw)
	if err != nil {
		panic("engine emitted an undecodable frame: " + err.Error())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[conn.Key] = append(d.sent[conn.Key], msg)
}

func (d *fakeDriver) LocalAddresses(conn *Connection) []net.IP {
	return []net.IP{net.IPv4(127, 0, 0, 1)}
}

func (d *fakeDriver) RemoteAddr(conn *Connection) net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 2), Port: 49152}
}

func (d *fakeDriver) sentTo(key ConnectionKey) []*diam.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*diam.Message(nil), d.sent[key]...)
}

func (d *fakeDriver) lastSent(key ConnectionKey) *diam.Message {
	msgs := d.sentTo(key)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// recordingListener counts up/down notifications per connection.
type recordingListener struct {
	mu     sync.Mutex
	events []listenerEvent
}

type listenerEvent struct {
	key ConnectionKey
	up  bool
}

func (l *recordingListener) Handle(key ConnectionKey, peer *Peer, up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, listenerEvent{key, up})
}

func (l *recordingListener) count(key ConnectionKey, up bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, e := range l.events {
		if e.key == key && e.up == up {
			count++
		}
	}
	return count
}

// recordingDispatcher remembers dispatched messages.
type recordingDispatcher struct {
	mu       sync.Mutex
	messages []*diam.Message
	accept   bool
}

func (d *recordingDispatcher) Handle(msg *diam.Message, key ConnectionKey, peer *Peer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
	return d.accept
}

func (d *recordingDispatcher) dispatched() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

// newTestNode wires a node to a fake driver without starting any I/O.
func newTestNode(t testing.TB, hostID string, listener ConnectionListener, dispatcher MessageDispatcher) (*Node, *fakeDriver) {
	n := NewNode(dispatcher, listener, nil, testSettings(hostID), common.NewTestEntry(t, "node"))
	n.jitter = newJitterSource(false)
	driver := newFakeDriver()
	n.drivers[driver.Name()] = driver
	n.registry.Lock()
	n.running = true
	n.registry.Unlock()
	return n, driver
}

// acceptConnection simulates a driver accepting an inbound socket.
func acceptConnection(n *Node, driver *fakeDriver) *Connection {
	conn := driver.NewConnection(n.settings.WatchdogInterval, n.settings.IdleTimeout)
	n.RegisterInboundConnection(conn)
	return conn
}

// newCER builds a peer CER as it would arrive on the wire.
func newCER(hostID string, authApps ...uint32) *diam.Message {
	cer := diam.NewRequest(diam.CommandCapabilitiesExchange, diam.ApplicationCommon)
	cer.Header.HopByHopID = 1
	cer.Header.EndToEndID = 1
	if hostID != "" {
		cer.Add(diam.NewUTF8StringAVP(diam.AVPOriginHost, hostID))
	}
	cer.Add(diam.NewUTF8StringAVP(diam.AVPOriginRealm, "example"))
	for _, app := range authApps {
		cer.Add(diam.NewUnsigned32AVP(diam.AVPAuthApplicationID, app))
	}
	diam.SetMandatory(cer)
	return cer
}

func resultCode(msg *diam.Message) uint32 {
	avp := msg.Find(diam.AVPResultCode)
	if avp == nil {
		return 0
	}
	code, err := avp.Unsigned32()
	if err != nil {
		return 0
	}
	return code
}
