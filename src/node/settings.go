package node

import (
	"fmt"
	"time"
)

// TransportPolicy controls whether a transport driver must, may, or must
// not be loaded at start.
type TransportPolicy int

const (
	// TransportRequired makes start fail if the driver cannot be
	// initialised.
	TransportRequired TransportPolicy = iota
	// TransportOptional loads the driver if possible; failure is logged
	// and ignored.
	TransportOptional
	// TransportDisabled never loads the driver.
	TransportDisabled
)

// String ...
func (p TransportPolicy) String() string {
	switch p {
	case TransportRequired:
		return "required"
	case TransportOptional:
		return "optional"
	case TransportDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ParseTransportPolicy parses a policy string.
func ParseTransportPolicy(s string) (TransportPolicy, error) {
	switch s {
	case "required":
		return TransportRequired, nil
	case "optional":
		return TransportOptional, nil
	case "disabled":
		return TransportDisabled, nil
	}
	return TransportDisabled, fmt.Errorf("unknown transport policy %q", s)
}

// Defaults.
const (
	DefaultWatchdogInterval = 30 * time.Second
	DefaultPort             = 3868
)

// Settings holds the immutable identity and behaviour of a node. It must
// not be modified after the node is started.
type Settings struct {
	// HostID is our Origin-Host.
	HostID string

	// Realm is our Origin-Realm.
	Realm string

	// Port is the listen port for every loaded transport. 0 disables
	// listening; the node can still initiate outbound connections.
	Port int

	// VendorID is our Vendor-Id as assigned by IANA.
	VendorID uint32

	// ProductName is our Product-Name, included in CER/CEA.
	ProductName string

	// FirmwareRevision is included in CER/CEA when non-zero.
	FirmwareRevision uint32

	// WatchdogInterval is the device-watchdog interval (tw).
	WatchdogInterval time.Duration

	// IdleTimeout closes connections with no non-base traffic for this
	// long. 0 disables idle expiry.
	IdleTimeout time.Duration

	// Capabilities we declare in CER/CEA.
	Capabilities *Capability

	// UseTCP and UseSCTP select which transport drivers are loaded.
	UseTCP  TransportPolicy
	UseSCTP TransportPolicy

	// TCPPortRangeLo and TCPPortRangeHi bound the local source port of
	// outbound TCP connections. Both 0 lets the kernel choose.
	TCPPortRangeLo int
	TCPPortRangeHi int

	// JitterPRNG names the PRNG used for watchdog jitter. The value
	// "bogus" selects a time-seeded PRNG instead of a crypto-seeded one,
	// which deviates from RFC 3539.
	JitterPRNG string
}

// Validate checks the settings for obvious misconfiguration and fills in
// defaults.
func (s *Settings) Validate() error {
	if s.HostID == "" {
		return fmt.Errorf("HostID must be set")
	}
	if s.Realm == "" {
		return fmt.Errorf("Realm must be set")
	}
	if s.ProductName == "" {
		return fmt.Errorf("ProductName must be set")
	}
	if s.WatchdogInterval == 0 {
		s.WatchdogInterval = DefaultWatchdogInterval
	}
	if s.Capabilities == nil {
		s.Capabilities = NewCapability()
	}
	if s.TCPPortRangeLo > s.TCPPortRangeHi {
		return fmt.Errorf("TCP source-port range [%d,%d] is empty", s.TCPPortRangeLo, s.TCPPortRangeHi)
	}
	if s.TCPPortRangeLo < 0 || s.TCPPortRangeHi > 65535 {
		return fmt.Errorf("TCP source-port range [%d,%d] out of bounds", s.TCPPortRangeLo, s.TCPPortRangeHi)
	}
	return nil
}
