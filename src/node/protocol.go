package node

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/nordictel/diameter/src/diam"
)

// HandleMessage implements DriverCore. It processes one decoded frame on
// a connection: base protocol commands are handled here, everything else
// goes to the dispatcher. A false return tells the driver to close the
// connection.
func (n *Node) HandleMessage(msg *diam.Message, conn *Connection) bool {
	n.registry.Lock()
	conn.Timers.MarkActivity()
	state := conn.State
	n.registry.Unlock()

	n.logger.WithFields(logrus.Fields{
		"command":          msg.Header.CommandCode,
		"application":      msg.Header.ApplicationID,
		"connection_state": state.String(),
	}).Debug("handling message")

	switch state {
	case ConnectedIn:
		// only a CER is allowed here
		if !msg.Header.IsRequest() ||
			msg.Header.CommandCode != diam.CommandCapabilitiesExchange ||
			msg.Header.ApplicationID != diam.ApplicationCommon {
			n.logger.Warn("got something that wasn't a CER")
			return false
		}
		n.markRealActivity(conn)
		return n.handleCER(msg, conn)
	case ConnectedOut:
		// only a CEA is allowed here
		if msg.Header.IsRequest() ||
			msg.Header.CommandCode != diam.CommandCapabilitiesExchange ||
			msg.Header.ApplicationID != diam.ApplicationCommon {
			n.logger.Warn("got something that wasn't a CEA")
			return false
		}
		n.markRealActivity(conn)
		return n.handleCEA(msg, conn)
	default:
		switch msg.Header.CommandCode {
		case diam.CommandCapabilitiesExchange:
			// not allowed after the initial capability exchange
			n.logger.WithField("peer", conn.describe()).Warn("got CER/CEA after initial capability-exchange")
			return false
		case diam.CommandDeviceWatchdog:
			if msg.Header.IsRequest() {
				return n.handleDWR(msg, conn)
			}
			return n.handleDWA(msg, conn)
		case diam.CommandDisconnectPeer:
			if msg.Header.IsRequest() {
				return n.handleDPR(msg, conn)
			}
			return n.handleDPA(msg, conn)
		default:
			n.markRealActivity(conn)
			if msg.Header.IsRequest() {
				if n.isLoopedMessage(msg) {
					n.rejectLoopedRequest(msg, conn)
					return true
				}
				if !n.IsAllowedApplication(msg, conn.Peer) {
					n.rejectDisallowedRequest(msg, conn)
					return true
				}
			}
			if !n.dispatcher.Handle(msg, conn.Key, conn.Peer) {
				if msg.Header.IsRequest() {
					return n.handleUnknownRequest(msg, conn)
				}
				return true // unusual, but not impossible
			}
			return true
		}
	}
}

func (n *Node) markRealActivity(conn *Connection) {
	n.registry.Lock()
	conn.Timers.MarkRealActivity()
	n.registry.Unlock()
}

// isLoopedMessage walks the Route-Record AVPs per RFC 3588 section 6.1.3.
func (n *Node) isLoopedMessage(msg *diam.Message) bool {
	for _, a := range msg.Subset(diam.AVPRouteRecord) {
		if a.UTF8String() == n.settings.HostID {
			return true
		}
	}
	return false
}

func (n *Node) rejectLoopedRequest(msg *diam.Message, conn *Connection) {
	n.logger.WithFields(logrus.Fields{
		"peer":    conn.describe(),
		"command": msg.Header.CommandCode,
	}).Warn("rejecting looped request")
	n.rejectRequest(msg, conn, diam.ResultLoopDetected)
}

// IsAllowedApplication determines whether a message is supported by a
// peer. The Auth-Application-Id, Acct-Application-Id or
// Vendor-Specific-Application-Id AVP is extracted and tested against the
// peer's negotiated capabilities.
func (n *Node) IsAllowedApplication(msg *diam.Message, peer *Peer) bool {
	if peer == nil || peer.Capabilities == nil {
		return false
	}
	if a := msg.Find(diam.AVPAuthApplicationID); a != nil {
		app, err := a.Unsigned32()
		if err != nil {
			n.logger.WithError(err).Info("bad application-id AVP")
			return false
		}
		if peer.Capabilities.IsAllowedAuthApp(app) {
			return true
		}
		// 3GPP IMS applications advertise vendor-specific-application in
		// CER/CEA but carry plain auth-application-id in messages
		return peer.Capabilities.IsAllowedVendorAuthApp(diam.Vendor3GPP, app)
	}
	if a := msg.Find(diam.AVPAcctApplicationID); a != nil {
		app, err := a.Unsigned32()
		if err != nil {
			n.logger.WithError(err).Info("bad application-id AVP")
			return false
		}
		return peer.Capabilities.IsAllowedAcctApp(app)
	}
	if a := msg.Find(diam.AVPVendorSpecificApplicationID); a != nil {
		vsai, err := parseVendorSpecificApplicationID(a)
		if err != nil {
			n.logger.WithError(err).Info("bad vendor-specific-application-id AVP")
			return false
		}
		if vsai.authAppID != nil {
			return peer.Capabilities.IsAllowedVendorAuthApp(vsai.vendorID, *vsai.authAppID)
		}
		if vsai.acctAppID != nil {
			return peer.Capabilities.IsAllowedVendorAcctApp(vsai.vendorID, *vsai.acctAppID)
		}
		return false
	}
	n.logger.Warn("no auth-app-id, acct-app-id nor vendor-app in packet")
	return false
}

func (n *Node) rejectDisallowedRequest(msg *diam.Message, conn *Connection) {
	n.logger.WithFields(logrus.Fields{
		"peer":    conn.describe(),
		"command": msg.Header.CommandCode,
	}).Warn("rejecting request because it is not allowed")
	n.rejectRequest(msg, conn, diam.ResultApplicationUnsupported)
}

func (n *Node) rejectRequest(msg *diam.Message, conn *Connection, resultCode uint32) {
	answer := diam.NewMessage()
	answer.PrepareAnswer(msg)
	if resultCode >= 3000 && resultCode <= 3999 {
		answer.Header.SetError(true)
	}
	answer.Add(diam.NewUnsigned32AVP(diam.AVPResultCode, resultCode))
	n.AddOurHostAndRealm(answer)
	diam.CopyProxyInfo(msg, answer)
	diam.SetMandatory(answer)
	n.sendMessage(answer, conn)
}

// sendCEError builds and sends an error answer during the capability
// exchange. extra AVPs (Failed-AVP, Error-Message) are appended after our
// host and realm.
func (n *Node) sendCEError(msg *diam.Message, conn *Connection, resultCode uint32, extra ...*diam.AVP) {
	answer := diam.NewMessage()
	answer.PrepareAnswer(msg)
	if resultCode >= 3000 && resultCode <= 3999 {
		answer.Header.SetError(true)
	}
	answer.Add(diam.NewUnsigned32AVP(diam.AVPResultCode, resultCode))
	n.AddOurHostAndRealm(answer)
	for _, a := range extra {
		answer.Add(a)
	}
	diam.SetMandatory(answer)
	n.sendMessage(answer, conn)
}

// doElection decides what happens when a CER arrives from a host we may
// already have a connection to. Host-ids are compared as unsigned
// byte-wise strings. An equal host-id is a suspected self-connection and
// is rejected outright. Otherwise, if a ready connection to the same host
// exists, the side with the larger host-id wins: we either close the
// existing connection and accept the new one, or reject the CER.
func (n *Node) doElection(cerHostID string) bool {
	if n.settings.HostID == cerHostID {
		n.logger.WithField("host_id", cerHostID).Warn("got CER with our own host-id; suspecting a connection from ourselves")
		return false
	}
	closeOtherConnection := n.settings.HostID > cerHostID

	var existing *Connection
	n.registry.Lock()
	for _, conn := range n.registry.conns {
		if conn.HostID == cerHostID && conn.State == Ready {
			existing = conn
			break
		}
	}
	n.registry.Unlock()

	if existing == nil {
		return true
	}
	n.logger.WithField("host_id", cerHostID).Info("new connection to a peer we already have a connection to")
	if closeOtherConnection {
		n.CloseConnection(existing, false)
		return true
	}
	return false // close this one
}

func (n *Node) handleCER(msg *diam.Message, conn *Connection) bool {
	n.logger.WithField("peer", conn.describe()).Debug("CER received")

	avp := msg.Find(diam.AVPOriginHost)
	if avp == nil {
		n.logger.WithField("peer", conn.describe()).Debug("CER is missing the Origin-Host AVP; rejecting")
		failed := diam.NewUTF8StringAVP(diam.AVPOriginHost, "")
		failed.SetMandatory(true)
		n.sendCEError(msg, conn, diam.ResultMissingAVP,
			diam.NewGroupedAVP(diam.AVPFailedAVP, failed))
		return false
	}
	hostID := avp.UTF8String()
	n.logger.WithField("origin_host", hostID).Debug("peer's origin-host")

	// authenticate before the election, otherwise a rogue node could
	// trick us into disconnecting legitimate peers
	ar := n.validator.AuthenticateNode(hostID, conn.RemoteAddr())
	if ar == nil || !ar.Known {
		n.logger.WithField("origin_host", hostID).Debug("we do not know this peer; rejecting")
		resultCode := diam.ResultUnknownPeer
		if ar != nil && ar.ResultCode != nil {
			resultCode = *ar.ResultCode
		}
		var extra []*diam.AVP
		if ar != nil && ar.ErrorMessage != "" {
			extra = append(extra, diam.NewUTF8StringAVP(diam.AVPErrorMessage, ar.ErrorMessage))
		}
		n.sendCEError(msg, conn, resultCode, extra...)
		return false
	}

	if !n.doElection(hostID) {
		n.logger.WithField("origin_host", hostID).Debug("CER lost the election; rejecting")
		n.sendCEError(msg, conn, diam.ResultElectionLost)
		return false
	}

	n.registry.Lock()
	if conn.Peer == nil {
		conn.Peer = peerFromConn(conn)
	}
	conn.Peer.Host = hostID
	conn.HostID = hostID
	n.registry.Unlock()

	if !n.handleCEx(msg, conn) {
		return false
	}

	cea := diam.NewMessage()
	cea.PrepareAnswer(msg)
	cea.Add(diam.NewUnsigned32AVP(diam.AVPResultCode, diam.ResultSuccess))
	n.addCEStuff(cea, conn.Peer.Capabilities, conn)
	diam.SetMandatory(cea)
	n.sendMessage(cea, conn)

	n.logger.WithField("peer", conn.Peer).Info("connection is now ready")
	n.registry.Lock()
	conn.State = Ready
	n.registry.Unlock()
	n.listener.Handle(conn.Key, conn.Peer, true)
	n.connAvailable.broadcast()
	return true
}

func (n *Node) handleCEA(msg *diam.Message, conn *Connection) bool {
	n.logger.WithField("peer", conn.describe()).Debug("CEA received")

	avp := msg.Find(diam.AVPResultCode)
	if avp == nil {
		n.logger.WithField("peer", conn.describe()).Warn("CEA did not contain a Result-Code AVP (violation of RFC 3588 section 5.3.2); dropping connection")
		return false
	}
	resultCode, err := avp.Unsigned32()
	if err != nil {
		n.logger.WithField("peer", conn.describe()).Info("CEA contained an ill-formed Result-Code; dropping connection")
		return false
	}
	if resultCode != diam.ResultSuccess {
		n.logger.WithFields(logrus.Fields{
			"peer":        conn.describe(),
			"result_code": resultCode,
		}).Info("CEA rejected us; dropping connection")
		return false
	}
	avp = msg.Find(diam.AVPOriginHost)
	if avp == nil {
		n.logger.Warn("peer did not include origin-host in CEA (violation of RFC 3588 section 5.3.2); dropping connection")
		return false
	}
	hostID := avp.UTF8String()
	n.logger.WithFields(logrus.Fields{
		"origin_host": hostID,
		"expected":    conn.HostID,
	}).Debug("peer's origin-host")

	n.registry.Lock()
	if conn.Peer == nil {
		conn.Peer = peerFromConn(conn)
	}
	conn.Peer.Host = hostID
	conn.HostID = hostID
	n.registry.Unlock()

	if !n.handleCEx(msg, conn) {
		return false
	}

	n.registry.Lock()
	conn.State = Ready
	n.registry.Unlock()
	n.logger.WithField("peer", conn.Peer).Info("connection is now ready")
	n.listener.Handle(conn.Key, conn.Peer, true)
	n.connAvailable.broadcast()
	return true
}

// handleCEx computes the negotiated capabilities from a CER or CEA and
// stores them on the connection's peer.
func (n *Node) handleCEx(msg *diam.Message, conn *Connection) bool {
	n.logger.Debug("processing CER/CEA")

	invalidAVP := func(a *diam.AVP, resultCode uint32) bool {
		n.logger.WithField("avp", a.String()).Warn("invalid AVP in CER/CEA")
		if msg.Header.IsRequest() {
			n.sendCEError(msg, conn, resultCode,
				diam.NewGroupedAVP(diam.AVPFailedAVP, a))
		}
		return false
	}

	reported := NewCapability()
	for _, a := range msg.Subset(diam.AVPSupportedVendorID) {
		vendorID, err := a.Unsigned32()
		if err != nil {
			return invalidAVP(a, diam.ResultInvalidAVPLength)
		}
		reported.AddSupportedVendor(vendorID)
	}
	for _, a := range msg.Subset(diam.AVPAuthApplicationID) {
		app, err := a.Unsigned32()
		if err != nil {
			return invalidAVP(a, diam.ResultInvalidAVPLength)
		}
		if app != diam.ApplicationCommon {
			reported.AddAuthApp(app)
		}
	}
	for _, a := range msg.Subset(diam.AVPAcctApplicationID) {
		app, err := a.Unsigned32()
		if err != nil {
			return invalidAVP(a, diam.ResultInvalidAVPLength)
		}
		if app != diam.ApplicationCommon {
			reported.AddAcctApp(app)
		}
	}
	for _, a := range msg.Subset(diam.AVPVendorSpecificApplicationID) {
		vsai, err := parseVendorSpecificApplicationID(a)
		if err != nil {
			if _, ok := err.(*diam.ErrInvalidAVPLength); ok {
				return invalidAVP(a, diam.ResultInvalidAVPLength)
			}
			return invalidAVP(a, diam.ResultInvalidAVPValue)
		}
		if vsai.authAppID != nil {
			reported.AddVendorAuthApp(vsai.vendorID, *vsai.authAppID)
		}
		if vsai.acctAppID != nil {
			reported.AddVendorAcctApp(vsai.vendorID, *vsai.acctAppID)
		}
	}

	result := n.validator.AuthorizeNode(conn.HostID, n.settings, reported)
	if result == nil || result.IsEmpty() {
		n.logger.WithField("peer", conn.describe()).Warn("no application in common")
		if msg.Header.IsRequest() {
			n.sendCEError(msg, conn, diam.ResultNoCommonApplication)
		}
		return false
	}

	n.registry.Lock()
	conn.Peer.Capabilities = result
	n.registry.Unlock()
	return true
}

// sendCER starts the capability exchange on an outbound connection.
func (n *Node) sendCER(conn *Connection) {
	n.logger.WithField("peer", conn.describe()).Debug("sending CER")
	cer := diam.NewRequest(diam.CommandCapabilitiesExchange, diam.ApplicationCommon)
	n.registry.Lock()
	cer.Header.HopByHopID = conn.NextHopByHopIdentifier()
	n.registry.Unlock()
	cer.Header.EndToEndID = n.nodeState.NextEndToEndIdentifier()
	n.addCEStuff(cer, n.settings.Capabilities, conn)
	diam.SetMandatory(cer)
	n.sendMessage(cer, conn)
}

// addCEStuff adds the CER/CEA payload: identity, addresses, and the
// capability block.
func (n *Node) addCEStuff(msg *diam.Message, capabilities *Capability, conn *Connection) {
	n.AddOurHostAndRealm(msg)
	for _, ip := range conn.LocalAddresses() {
		msg.Add(diam.NewAddressAVP(diam.AVPHostIPAddress, ip))
	}
	msg.Add(diam.NewUnsigned32AVP(diam.AVPVendorID, n.settings.VendorID))
	msg.Add(diam.NewUTF8StringAVP(diam.AVPProductName, n.settings.ProductName))
	msg.Add(diam.NewUnsigned32AVP(diam.AVPOriginStateID, n.nodeState.StateID()))
	for _, vendorID := range sortedSet(capabilities.SupportedVendors) {
		msg.Add(diam.NewUnsigned32AVP(diam.AVPSupportedVendorID, vendorID))
	}
	for _, app := range sortedSet(capabilities.AuthApps) {
		msg.Add(diam.NewUnsigned32AVP(diam.AVPAuthApplicationID, app))
	}
	for _, app := range sortedSet(capabilities.AcctApps) {
		msg.Add(diam.NewUnsigned32AVP(diam.AVPAcctApplicationID, app))
	}
	for _, va := range sortedVendorApps(capabilities.VendorAuthApps) {
		msg.Add(newVendorSpecificApplicationIDAVP(va.VendorID, va.ApplicationID, 0))
	}
	for _, va := range sortedVendorApps(capabilities.VendorAcctApps) {
		msg.Add(newVendorSpecificApplicationIDAVP(va.VendorID, 0, va.ApplicationID))
	}
	if n.settings.FirmwareRevision != 0 {
		msg.Add(diam.NewUnsigned32AVP(diam.AVPFirmwareRevision, n.settings.FirmwareRevision))
	}
}

func (n *Node) handleDWR(msg *diam.Message, conn *Connection) bool {
	n.logger.WithField("peer", conn.describe()).Info("DWR received")
	n.registry.Lock()
	conn.Timers.MarkDWR()
	n.registry.Unlock()
	dwa := diam.NewMessage()
	dwa.PrepareAnswer(msg)
	dwa.Add(diam.NewUnsigned32AVP(diam.AVPResultCode, diam.ResultSuccess))
	n.AddOurHostAndRealm(dwa)
	dwa.Add(diam.NewUnsigned32AVP(diam.AVPOriginStateID, n.nodeState.StateID()))
	diam.SetMandatory(dwa)
	n.sendMessage(dwa, conn)
	return true
}

func (n *Node) handleDWA(msg *diam.Message, conn *Connection) bool {
	n.logger.WithField("peer", conn.describe()).Debug("DWA received")
	n.registry.Lock()
	conn.Timers.MarkDWA()
	n.registry.Unlock()
	return true
}

func (n *Node) handleDPR(msg *diam.Message, conn *Connection) bool {
	n.logger.WithField("peer", conn.describe()).Debug("DPR received")
	dpa := diam.NewMessage()
	dpa.PrepareAnswer(msg)
	dpa.Add(diam.NewUnsigned32AVP(diam.AVPResultCode, diam.ResultSuccess))
	n.AddOurHostAndRealm(dpa)
	diam.SetMandatory(dpa)
	n.sendMessage(dpa, conn)
	return false
}

func (n *Node) handleDPA(msg *diam.Message, conn *Connection) bool {
	n.registry.Lock()
	state := conn.State
	n.registry.Unlock()
	if state == Closing {
		n.logger.WithField("peer", conn.describe()).Info("got a DPA")
	} else {
		n.logger.WithField("state", state.String()).Warn("got an unexpected DPA")
	}
	return false // in any case close the connection
}

func (n *Node) handleUnknownRequest(msg *diam.Message, conn *Connection) bool {
	n.logger.WithField("peer", conn.describe()).Info("unknown request received")
	n.rejectRequest(msg, conn, diam.ResultUnableToDeliver)
	return true
}

// sendDWR emits a device-watchdog request and arms the DWA deadline.
func (n *Node) sendDWR(conn *Connection) {
	n.logger.WithField("peer", conn.describe()).Debug("sending DWR")
	dwr := diam.NewRequest(diam.CommandDeviceWatchdog, diam.ApplicationCommon)
	n.registry.Lock()
	dwr.Header.HopByHopID = conn.NextHopByHopIdentifier()
	n.registry.Unlock()
	dwr.Header.EndToEndID = n.nodeState.NextEndToEndIdentifier()
	n.AddOurHostAndRealm(dwr)
	dwr.Add(diam.NewUnsigned32AVP(diam.AVPOriginStateID, n.nodeState.StateID()))
	diam.SetMandatory(dwr)
	n.sendMessage(dwr, conn)
	n.registry.Lock()
	conn.Timers.MarkDWROut()
	n.registry.Unlock()
}

// sendDPR announces a graceful disconnect with the given cause.
func (n *Node) sendDPR(conn *Connection, cause uint32) {
	n.logger.WithField("peer", conn.describe()).Debug("sending DPR")
	dpr := diam.NewRequest(diam.CommandDisconnectPeer, diam.ApplicationCommon)
	n.registry.Lock()
	dpr.Header.HopByHopID = conn.NextHopByHopIdentifier()
	n.registry.Unlock()
	dpr.Header.EndToEndID = n.nodeState.NextEndToEndIdentifier()
	n.AddOurHostAndRealm(dpr)
	dpr.Add(diam.NewUnsigned32AVP(diam.AVPDisconnectCause, cause))
	diam.SetMandatory(dpr)
	n.sendMessage(dpr, conn)
}

// sortedSet returns the members of a u32 set in ascending order so the
// emitted AVP order is stable.
func sortedSet(set map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedVendorApps(set map[VendorApplication]struct{}) []VendorApplication {
	out := make([]VendorApplication, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VendorID != out[j].VendorID {
			return out[i].VendorID < out[j].VendorID
		}
		return out[i].ApplicationID < out[j].ApplicationID
	})
	return out
}
