package node

// VendorApplication identifies an application within a vendor's namespace.
type VendorApplication struct {
	VendorID      uint32
	ApplicationID uint32
}

// Capability is the set of applications and vendors a node supports: five
// unordered sets as advertised in CER/CEA.
type Capability struct {
	SupportedVendors map[uint32]struct{}
	AuthApps         map[uint32]struct{}
	AcctApps         map[uint32]struct{}
	VendorAuthApps   map[VendorApplication]struct{}
	VendorAcctApps   map[VendorApplication]struct{}
}

// NewCapability returns an empty Capability.
func NewCapability() *Capability {
	return &Capability{
		SupportedVendors: make(map[uint32]struct{}),
		AuthApps:         make(map[uint32]struct{}),
		AcctApps:         make(map[uint32]struct{}),
		VendorAuthApps:   make(map[VendorApplication]struct{}),
		VendorAcctApps:   make(map[VendorApplication]struct{}),
	}
}

// AddSupportedVendor ...
func (c *Capability) AddSupportedVendor(vendorID uint32) {
	c.SupportedVendors[vendorID] = struct{}{}
}

// AddAuthApp ...
func (c *Capability) AddAuthApp(app uint32) {
	c.AuthApps[app] = struct{}{}
}

// AddAcctApp ...
func (c *Capability) AddAcctApp(app uint32) {
	c.AcctApps[app] = struct{}{}
}

// AddVendorAuthApp ...
func (c *Capability) AddVendorAuthApp(vendorID, app uint32) {
	c.VendorAuthApps[VendorApplication{vendorID, app}] = struct{}{}
}

// AddVendorAcctApp ...
func (c *Capability) AddVendorAcctApp(vendorID, app uint32) {
	c.VendorAcctApps[VendorApplication{vendorID, app}] = struct{}{}
}

// IsSupportedVendor ...
func (c *Capability) IsSupportedVendor(vendorID uint32) bool {
	_, ok := c.SupportedVendors[vendorID]
	return ok
}

// IsAllowedAuthApp reports whether the plain auth application is allowed.
func (c *Capability) IsAllowedAuthApp(app uint32) bool {
	_, ok := c.AuthApps[app]
	return ok
}

// IsAllowedAcctApp reports whether the plain acct application is allowed.
func (c *Capability) IsAllowedAcctApp(app uint32) bool {
	_, ok := c.AcctApps[app]
	return ok
}

// IsAllowedVendorAuthApp reports whether the vendor-specific auth
// application is allowed.
func (c *Capability) IsAllowedVendorAuthApp(vendorID, app uint32) bool {
	_, ok := c.VendorAuthApps[VendorApplication{vendorID, app}]
	return ok
}

// IsAllowedVendorAcctApp reports whether the vendor-specific acct
// application is allowed.
func (c *Capability) IsAllowedVendorAcctApp(vendorID, app uint32) bool {
	_, ok := c.VendorAcctApps[VendorApplication{vendorID, app}]
	return ok
}

// IsEmpty reports whether all five sets are empty.
func (c *Capability) IsEmpty() bool {
	return len(c.SupportedVendors) == 0 &&
		len(c.AuthApps) == 0 &&
		len(c.AcctApps) == 0 &&
		len(c.VendorAuthApps) == 0 &&
		len(c.VendorAcctApps) == 0
}

// CalculateIntersection returns the capabilities present in both sets.
// This is what the default validator negotiates on CER/CEA.
func CalculateIntersection(ours, theirs *Capability) *Capability {
	result := NewCapability()
	for v := range theirs.SupportedVendors {
		if ours.IsSupportedVendor(v) {
			result.AddSupportedVendor(v)
		}
	}
	for app := range theirs.AuthApps {
		if ours.IsAllowedAuthApp(app) {
			result.AddAuthApp(app)
		}
	}
	for app := range theirs.AcctApps {
		if ours.IsAllowedAcctApp(app) {
			result.AddAcctApp(app)
		}
	}
	for va := range theirs.VendorAuthApps {
		if ours.IsAllowedVendorAuthApp(va.VendorID, va.ApplicationID) {
			result.AddVendorAuthApp(va.VendorID, va.ApplicationID)
		}
	}
	for va := range theirs.VendorAcctApps {
		if ours.IsAllowedVendorAcctApp(va.VendorID, va.ApplicationID) {
			result.AddVendorAcctApp(va.VendorID, va.ApplicationID)
		}
	}
	return result
}
