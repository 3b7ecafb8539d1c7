package diam

// Command codes of the base protocol commands handled by the node.
const (
	CommandCapabilitiesExchange uint32 = 257
	CommandDeviceWatchdog       uint32 = 280
	CommandDisconnectPeer       uint32 = 282
)

// ApplicationCommon is the application id of the common message set.
const ApplicationCommon uint32 = 0

// AVP codes used by the base protocol.
const (
	AVPUserName                    uint32 = 1
	AVPHostIPAddress               uint32 = 257
	AVPAuthApplicationID           uint32 = 258
	AVPAcctApplicationID           uint32 = 259
	AVPVendorSpecificApplicationID uint32 = 260
	AVPSessionID                   uint32 = 263
	AVPOriginHost                  uint32 = 264
	AVPSupportedVendorID           uint32 = 265
	AVPVendorID                    uint32 = 266
	AVPFirmwareRevision            uint32 = 267
	AVPResultCode                  uint32 = 268
	AVPProductName                 uint32 = 269
	AVPDisconnectCause             uint32 = 273
	AVPOriginStateID               uint32 = 278
	AVPFailedAVP                   uint32 = 279
	AVPErrorMessage                uint32 = 281
	AVPRouteRecord                 uint32 = 282
	AVPProxyInfo                   uint32 = 284
	AVPOriginRealm                 uint32 = 296
	AVPInbandSecurityID            uint32 = 299
)

// Result codes.
const (
	ResultSuccess                uint32 = 2001
	ResultUnableToDeliver        uint32 = 3002
	ResultLoopDetected           uint32 = 3005
	ResultApplicationUnsupported uint32 = 3007
	ResultUnknownPeer            uint32 = 3010
	ResultElectionLost           uint32 = 4003
	ResultInvalidAVPValue        uint32 = 5004
	ResultMissingAVP             uint32 = 5005
	ResultNoCommonApplication    uint32 = 5010
	ResultInvalidAVPLength       uint32 = 5014
)

// Disconnect-Cause values.
const (
	DisconnectCauseRebooting uint32 = 0
	DisconnectCauseBusy      uint32 = 1
)

// Vendor3GPP is the 3GPP vendor id, relevant for the IMS application-id
// wrinkle where CER/CEA advertise vendor-specific applications but the
// actual messages carry plain Auth-Application-Id AVPs.
const Vendor3GPP uint32 = 10415
