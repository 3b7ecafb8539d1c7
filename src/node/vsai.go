package node

import "github.com/nordictel/diameter/src/diam"

// vendorSpecificApplicationID is a typed view over a decoded
// Vendor-Specific-Application-Id group. The group must contain a Vendor-Id
// and at least one of Auth-Application-Id or Acct-Application-Id.
type vendorSpecificApplicationID struct {
	vendorID  uint32
	authAppID *uint32
	acctAppID *uint32
}

func parseVendorSpecificApplicationID(a *diam.AVP) (*vendorSpecificApplicationID, error) {
	members, err := a.Grouped()
	if err != nil {
		return nil, err
	}
	v := &vendorSpecificApplicationID{}
	foundVendor := false
	for _, m := range members {
		switch m.Code {
		case diam.AVPVendorID:
			value, err := m.Unsigned32()
			if err != nil {
				return nil, err
			}
			v.vendorID = value
			foundVendor = true
		case diam.AVPAuthApplicationID:
			value, err := m.Unsigned32()
			if err != nil {
				return nil, err
			}
			v.authAppID = &value
		case diam.AVPAcctApplicationID:
			value, err := m.Unsigned32()
			if err != nil {
				return nil, err
			}
			v.acctAppID = &value
		}
		// other members are non-compliant but tolerated
	}
	if !foundVendor || (v.authAppID == nil && v.acctAppID == nil) {
		return nil, &diam.ErrInvalidAVPValue{AVP: a}
	}
	return v, nil
}

// newVendorSpecificApplicationIDAVP builds the grouped AVP for CER/CEA.
// Exactly one of authAppID/acctAppID should be non-zero.
func newVendorSpecificApplicationIDAVP(vendorID, authAppID, acctAppID uint32) *diam.AVP {
	var appAVP *diam.AVP
	if authAppID != 0 {
		appAVP = diam.NewUnsigned32AVP(diam.AVPAuthApplicationID, authAppID)
	} else {
		appAVP = diam.NewUnsigned32AVP(diam.AVPAcctApplicationID, acctAppID)
	}
	appAVP.SetMandatory(true)
	vendorAVP := diam.NewUnsigned32AVP(diam.AVPVendorID, vendorID)
	vendorAVP.SetMandatory(true)
	return diam.NewGroupedAVP(diam.AVPVendorSpecificApplicationID, vendorAVP, appAVP)
}
