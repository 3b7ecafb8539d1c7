package node

import (
	"testing"

	"github.com/nordictel/diameter/src/diam"
)

// outboundConnection simulates a completed outbound socket: the node has
// sent its CER and waits for the CEA.
func outboundConnection(t testing.TB, n *Node, driver *fakeDriver, peerHost string) *Connection {
	t.Helper()
	peer := &Peer{Host: peerHost, Port: 3868, Transport: TransportTCP}
	n.InitiateConnection(peer, false)
	key, ok := findAnyConnection(n)
	if !ok {
		t.Fatal("outbound connection not registered")
	}
	n.registry.Lock()
	conn := n.registry.lookup(key)
	n.registry.Unlock()
	n.ConnectionEstablished(conn)
	if conn.State != ConnectedOut {
		t.Fatalf("expected connected_out, got %s", conn.State)
	}
	cer := driver.lastSent(conn.Key)
	if cer == nil || cer.Header.CommandCode != diam.CommandCapabilitiesExchange || !cer.Header.IsRequest() {
		t.Fatal("no CER sent on established connection")
	}
	return conn
}

func findAnyConnection(n *Node) (ConnectionKey, bool) {
	n.registry.Lock()
	defer n.registry.Unlock()
	for key := range n.registry.conns {
		return key, true
	}
	return 0, false
}

func newCEA(hostID string, resultCode uint32, authApps ...uint32) *diam.Message {
	cea := diam.NewMessage()
	cea.Header.CommandCode = diam.CommandCapabilitiesExchange
	cea.Header.ApplicationID = diam.ApplicationCommon
	cea.Add(diam.NewUnsigned32AVP(diam.AVPResultCode, resultCode))
	if hostID != "" {
		cea.Add(diam.NewUTF8StringAVP(diam.AVPOriginHost, hostID))
	}
	cea.Add(diam.NewUTF8StringAVP(diam.AVPOriginRealm, "example"))
	for _, app := range authApps {
		cea.Add(diam.NewUnsigned32AVP(diam.AVPAuthApplicationID, app))
	}
	diam.SetMandatory(cea)
	return cea
}

func TestHandleCEASuccess(t *testing.T) {
	listener := &recordingListener{}
	n, driver := newTestNode(t, "a.example", listener, nil)
	conn := outboundConnection(t, n, driver, "b.example")

	if !n.HandleMessage(newCEA("b.example", diam.ResultSuccess, 4), conn) {
		t.Fatal("CEA rejected")
	}
	if conn.State != Ready {
		t.Fatalf("expected ready, got %s", conn.State)
	}
	if conn.HostID != "b.example" {
		t.Fatalf("host-id not taken from CEA: %q", conn.HostID)
	}
	if listener.count(conn.Key, true) != 1 {
		t.Fatal("up notification missing")
	}
}

func TestHandleCEARejection(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	conn := outboundConnection(t, n, driver, "b.example")

	if n.HandleMessage(newCEA("b.example", diam.ResultUnknownPeer, 4), conn) {
		t.Fatal("non-success CEA should drop the connection")
	}
	if conn.State == Ready {
		t.Fatal("connection became ready on rejected CEA")
	}
}

func TestHandleCEAMissingResultCode(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	conn := outboundConnection(t, n, driver, "b.example")

	cea := diam.NewMessage()
	cea.Header.CommandCode = diam.CommandCapabilitiesExchange
	cea.Header.ApplicationID = diam.ApplicationCommon
	cea.Add(diam.NewUTF8StringAVP(diam.AVPOriginHost, "b.example"))
	if n.HandleMessage(cea, conn) {
		t.Fatal("CEA without Result-Code should drop the connection")
	}
}

func TestHandleCEANoCommonApplication(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	conn := outboundConnection(t, n, driver, "b.example")

	if n.HandleMessage(newCEA("b.example", diam.ResultSuccess, 99), conn) {
		t.Fatal("CEA with no common application should drop the connection")
	}
	if conn.State == Ready {
		t.Fatal("connection became ready without common applications")
	}
}

// Anything that is not a CEA is illegal while waiting for one.
func TestConnectedOutRejectsNonCEA(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	conn := outboundConnection(t, n, driver, "b.example")

	dwr := diam.NewRequest(diam.CommandDeviceWatchdog, diam.ApplicationCommon)
	if n.HandleMessage(dwr, conn) {
		t.Fatal("DWR accepted while waiting for CEA")
	}
}
