package diam

// SetMandatory sets the M bit on every AVP of the message. The base
// protocol AVPs produced by the node are all mandatory per RFC 3588.
func SetMandatory(m *Message) {
	for _, a := range m.AVPs {
		a.SetMandatory(true)
	}
}

// CopyProxyInfo copies the Proxy-Info AVPs of a request into an answer, in
// order, as required when generating answers on behalf of the node.
func CopyProxyInfo(request, answer *Message) {
	for _, a := range request.Subset(AVPProxyInfo) {
		answer.Add(&AVP{Code: a.Code, Flags: a.Flags, VendorID: a.VendorID, Data: a.Data})
	}
}
