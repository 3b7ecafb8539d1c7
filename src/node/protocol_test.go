package node

import (
	"net"
	"testing"

	"github.com/nordictel/diameter/src/diam"
)

// A peer sends a well-formed CER; we expect a success CEA, a ready
// connection, and an up notification.
func TestHandleCERSuccess(t *testing.T) {
	listener := &recordingListener{}
	n, driver := newTestNode(t, "a.example", listener, nil)
	conn := acceptConnection(n, driver)

	if !n.HandleMessage(newCER("b.example", 4), conn) {
		t.Fatal("CER was rejected")
	}

	cea := driver.lastSent(conn.Key)
	if cea == nil {
		t.Fatal("no CEA sent")
	}
	if cea.Header.IsRequest() {
		t.Fatal("CEA has R bit set")
	}
	if got := resultCode(cea); got != diam.ResultSuccess {
		t.Fatalf("expected Result-Code 2001, got %d", got)
	}
	if got := cea.Find(diam.AVPOriginHost).UTF8String(); got != "a.example" {
		t.Fatalf("wrong Origin-Host in CEA: %q", got)
	}
	app, _ := cea.Find(diam.AVPAuthApplicationID).Unsigned32()
	if app != 4 {
		t.Fatalf("expected Auth-Application-Id 4 in CEA, got %d", app)
	}

	if conn.State != Ready {
		t.Fatalf("expected ready state, got %s", conn.State)
	}
	if conn.HostID != "b.example" {
		t.Fatalf("wrong host-id: %q", conn.HostID)
	}
	if conn.Peer == nil || conn.Peer.Capabilities == nil || conn.Peer.Capabilities.IsEmpty() {
		t.Fatal("ready connection has no negotiated capabilities")
	}
	if listener.count(conn.Key, true) != 1 {
		t.Fatal("listener did not fire up exactly once")
	}
}

// A CER without Origin-Host gets Result-Code 5005 with a Failed-AVP
// containing an empty Origin-Host, and the connection closes.
func TestHandleCERMissingOriginHost(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	conn := acceptConnection(n, driver)

	if n.HandleMessage(newCER("", 4), conn) {
		t.Fatal("CER without Origin-Host was accepted")
	}

	answer := driver.lastSent(conn.Key)
	if answer == nil {
		t.Fatal("no error answer sent")
	}
	if got := resultCode(answer); got != diam.ResultMissingAVP {
		t.Fatalf("expected Result-Code 5005, got %d", got)
	}
	failed := answer.Find(diam.AVPFailedAVP)
	if failed == nil {
		t.Fatal("no Failed-AVP in answer")
	}
	members, err := failed.Grouped()
	if err != nil || len(members) != 1 {
		t.Fatalf("bad Failed-AVP group: %v", err)
	}
	if members[0].Code != diam.AVPOriginHost || len(members[0].Data) != 0 {
		t.Fatal("Failed-AVP does not contain an empty Origin-Host")
	}
}

// With an existing ready connection to m.example and our host-id smaller,
// a second CER from m.example loses the election; the original connection
// stays ready.
func TestElectionLost(t *testing.T) {
	listener := &recordingListener{}
	n, driver := newTestNode(t, "a.example", listener, nil)

	first := acceptConnection(n, driver)
	if !n.HandleMessage(newCER("m.example", 4), first) {
		t.Fatal("first CER rejected")
	}

	second := acceptConnection(n, driver)
	if n.HandleMessage(newCER("m.example", 4), second) {
		t.Fatal("duplicate CER should lose the election")
	}

	answer := driver.lastSent(second.Key)
	if got := resultCode(answer); got != diam.ResultElectionLost {
		t.Fatalf("expected Result-Code 4003, got %d", got)
	}
	if first.State != Ready {
		t.Fatalf("original connection no longer ready: %s", first.State)
	}
	if listener.count(first.Key, false) != 0 {
		t.Fatal("original connection was closed")
	}
}

// With our host-id larger, the duplicate CER wins and the old connection
// is closed.
func TestElectionWon(t *testing.T) {
	listener := &recordingListener{}
	n, driver := newTestNode(t, "z.example", listener, nil)

	first := acceptConnection(n, driver)
	if !n.HandleMessage(newCER("m.example", 4), first) {
		t.Fatal("first CER rejected")
	}
	second := acceptConnection(n, driver)
	if !n.HandleMessage(newCER("m.example", 4), second) {
		t.Fatal("duplicate CER should win the election")
	}

	if first.State != Closed {
		t.Fatalf("old connection not closed: %s", first.State)
	}
	if second.State != Ready {
		t.Fatalf("new connection not ready: %s", second.State)
	}
	if listener.count(first.Key, false) != 1 {
		t.Fatal("down notification for the old connection missing")
	}
}

// A CER carrying our own host-id is a suspected self-connection.
func TestElectionSelfConnection(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	conn := acceptConnection(n, driver)
	if n.HandleMessage(newCER("a.example", 4), conn) {
		t.Fatal("self-connection CER was accepted")
	}
}

// A CER with no application in common is answered 5010.
func TestHandleCERNoCommonApplication(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	conn := acceptConnection(n, driver)

	if n.HandleMessage(newCER("b.example", 99), conn) {
		t.Fatal("CER with no common application accepted")
	}
	answer := driver.lastSent(conn.Key)
	if got := resultCode(answer); got != diam.ResultNoCommonApplication {
		t.Fatalf("expected Result-Code 5010, got %d", got)
	}
}

// An unknown peer is rejected with the validator-supplied code.
func TestHandleCERUnknownPeer(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	n.validator = rejectingValidator{}
	conn := acceptConnection(n, driver)

	if n.HandleMessage(newCER("b.example", 4), conn) {
		t.Fatal("unknown peer accepted")
	}
	answer := driver.lastSent(conn.Key)
	if got := resultCode(answer); got != diam.ResultUnknownPeer {
		t.Fatalf("expected Result-Code 3010, got %d", got)
	}
	if answer.Find(diam.AVPErrorMessage) == nil {
		t.Fatal("validator error message missing from answer")
	}
	if !answer.Header.IsError() {
		t.Fatal("E bit not set on a 3xxx answer")
	}
}

// A request that already visited us is answered 3005 and never
// dispatched.
func TestLoopDetection(t *testing.T) {
	dispatcher := &recordingDispatcher{accept: true}
	n, driver := newTestNode(t, "a.example", nil, dispatcher)
	conn := readyConnection(t, n, driver, "b.example")

	req := diam.NewRequest(999, 4)
	req.Header.HopByHopID = 5
	req.Add(diam.NewUnsigned32AVP(diam.AVPAuthApplicationID, 4))
	req.Add(diam.NewUTF8StringAVP(diam.AVPRouteRecord, "x.example"))
	req.Add(diam.NewUTF8StringAVP(diam.AVPRouteRecord, "a.example"))

	if !n.HandleMessage(req, conn) {
		t.Fatal("looped request should not close the connection")
	}
	answer := driver.lastSent(conn.Key)
	if got := resultCode(answer); got != diam.ResultLoopDetected {
		t.Fatalf("expected Result-Code 3005, got %d", got)
	}
	if !answer.Header.IsError() {
		t.Fatal("E bit not set on 3005 answer")
	}
	if dispatcher.dispatched() != 0 {
		t.Fatal("looped request reached the dispatcher")
	}
}

// A request advertising an application outside the negotiated set is
// answered 3007; the 3GPP vendor-auth cross-check accepts.
func TestApplicationFilter(t *testing.T) {
	dispatcher := &recordingDispatcher{accept: true}
	n, driver := newTestNode(t, "a.example", nil, dispatcher)
	conn := readyConnection(t, n, driver, "b.example")

	req := diam.NewRequest(999, 77)
	req.Add(diam.NewUnsigned32AVP(diam.AVPAuthApplicationID, 77))
	if !n.HandleMessage(req, conn) {
		t.Fatal("disallowed request should not close the connection")
	}
	answer := driver.lastSent(conn.Key)
	if got := resultCode(answer); got != diam.ResultApplicationUnsupported {
		t.Fatalf("expected Result-Code 3007, got %d", got)
	}
	if dispatcher.dispatched() != 0 {
		t.Fatal("disallowed request reached the dispatcher")
	}

	// the 3GPP wrinkle: CER/CEA advertised a vendor-specific auth app,
	// the request carries it as a plain auth-application-id
	conn.Peer.Capabilities.AddVendorAuthApp(diam.Vendor3GPP, 16777216)
	imsReq := diam.NewRequest(999, 16777216)
	imsReq.Add(diam.NewUnsigned32AVP(diam.AVPAuthApplicationID, 16777216))
	if !n.HandleMessage(imsReq, conn) {
		t.Fatal("3GPP request should be accepted")
	}
	if dispatcher.dispatched() != 1 {
		t.Fatal("3GPP request did not reach the dispatcher")
	}
}

// A request without any application identifier AVP is denied.
func TestApplicationFilterMissingID(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	conn := readyConnection(t, n, driver, "b.example")

	req := diam.NewRequest(999, 4)
	if !n.HandleMessage(req, conn) {
		t.Fatal("request should be answered, not dropped")
	}
	answer := driver.lastSent(conn.Key)
	if got := resultCode(answer); got != diam.ResultApplicationUnsupported {
		t.Fatalf("expected Result-Code 3007, got %d", got)
	}
}

// A declined request is answered Unable-To-Deliver.
func TestUnknownRequestRejected(t *testing.T) {
	dispatcher := &recordingDispatcher{accept: false}
	n, driver := newTestNode(t, "a.example", nil, dispatcher)
	conn := readyConnection(t, n, driver, "b.example")

	req := diam.NewRequest(999, 4)
	req.Add(diam.NewUnsigned32AVP(diam.AVPAuthApplicationID, 4))
	if !n.HandleMessage(req, conn) {
		t.Fatal("request should be answered, not dropped")
	}
	answer := driver.lastSent(conn.Key)
	if got := resultCode(answer); got != diam.ResultUnableToDeliver {
		t.Fatalf("expected Result-Code 3002, got %d", got)
	}
}

// DWR in ready is answered with a success DWA carrying Origin-State-Id.
func TestHandleDWR(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	conn := readyConnection(t, n, driver, "b.example")

	dwr := diam.NewRequest(diam.CommandDeviceWatchdog, diam.ApplicationCommon)
	n.AddOurHostAndRealm(dwr) // stand-in for the peer's identity AVPs
	if !n.HandleMessage(dwr, conn) {
		t.Fatal("DWR closed the connection")
	}
	dwa := driver.lastSent(conn.Key)
	if got := resultCode(dwa); got != diam.ResultSuccess {
		t.Fatalf("expected Result-Code 2001, got %d", got)
	}
	if dwa.Find(diam.AVPOriginStateID) == nil {
		t.Fatal("DWA has no Origin-State-Id")
	}
}

// DWA clears the outstanding-watchdog flag.
func TestHandleDWA(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	conn := readyConnection(t, n, driver, "b.example")

	n.sendDWR(conn)
	if !conn.Timers.dwOutstanding {
		t.Fatal("DWR send did not mark the watchdog outstanding")
	}
	dwa := diam.NewMessage()
	dwa.Header.CommandCode = diam.CommandDeviceWatchdog
	if !n.HandleMessage(dwa, conn) {
		t.Fatal("DWA closed the connection")
	}
	if conn.Timers.dwOutstanding {
		t.Fatal("DWA did not clear the outstanding watchdog")
	}
}

// DPR is answered with a DPA and the connection closes.
func TestHandleDPR(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	conn := readyConnection(t, n, driver, "b.example")

	dpr := diam.NewRequest(diam.CommandDisconnectPeer, diam.ApplicationCommon)
	dpr.Add(diam.NewUnsigned32AVP(diam.AVPDisconnectCause, diam.DisconnectCauseRebooting))
	if n.HandleMessage(dpr, conn) {
		t.Fatal("DPR should make the driver close the connection")
	}
	dpa := driver.lastSent(conn.Key)
	if got := resultCode(dpa); got != diam.ResultSuccess {
		t.Fatalf("expected DPA with 2001, got %d", got)
	}
}

// A CER on a ready connection is illegal.
func TestCERAfterCapabilityExchange(t *testing.T) {
	n, driver := newTestNode(t, "a.example", nil, nil)
	conn := readyConnection(t, n, driver, "b.example")

	if n.HandleMessage(newCER("b.example", 4), conn) {
		t.Fatal("CER after capability exchange was accepted")
	}
}

// Closing a connection twice fires the listener once.
func TestCloseConnectionIdempotent(t *testing.T) {
	listener := &recordingListener{}
	n, driver := newTestNode(t, "a.example", listener, nil)
	conn := readyConnection(t, n, driver, "b.example")

	n.CloseConnection(conn, false)
	n.CloseConnection(conn, false)

	if got := listener.count(conn.Key, false); got != 1 {
		t.Fatalf("listener fired %d times, expected 1", got)
	}
	if n.IsConnectionKeyValid(conn.Key) {
		t.Fatal("closed connection still registered")
	}
}

// rejectingValidator refuses everyone with an error message.
type rejectingValidator struct{}

func (rejectingValidator) AuthenticateNode(hostID string, remoteAddr net.Addr) *AuthenticationResult {
	return &AuthenticationResult{Known: false, ErrorMessage: "not on the roster"}
}

func (rejectingValidator) AuthorizeNode(hostID string, settings *Settings, reported *Capability) *Capability {
	return NewCapability()
}

// readyConnection runs an inbound handshake to completion.
func readyConnection(t testing.TB, n *Node, driver *fakeDriver, peerHost string) *Connection {
	t.Helper()
	conn := acceptConnection(n, driver)
	if !n.HandleMessage(newCER(peerHost, 4), conn) {
		t.Fatal("handshake CER rejected")
	}
	if conn.State != Ready {
		t.Fatalf("connection not ready after handshake: %s", conn.State)
	}
	return conn
}
