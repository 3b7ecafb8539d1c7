package diam

import (
	"bytes"
	"net"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	msg := NewRequest(CommandCapabilitiesExchange, ApplicationCommon)
	msg.Header.HopByHopID = 0xdeadbeef
	msg.Header.EndToEndID = 0x01020304
	msg.Add(NewUTF8StringAVP(AVPOriginHost, "a.example"))
	msg.Add(NewUTF8StringAVP(AVPOriginRealm, "example"))
	msg.Add(NewUnsigned32AVP(AVPVendorID, 0))
	msg.Add(NewUnsigned32AVP(AVPAuthApplicationID, 4))
	SetMandatory(msg)

	raw := msg.Encode()
	if len(raw)%4 != 0 {
		t.Fatalf("encoded message is not 32-bit aligned: %d bytes", len(raw))
	}
	if raw[0] != Version {
		t.Fatalf("wrong version byte: %d", raw[0])
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.Header.IsRequest() {
		t.Fatal("R bit lost")
	}
	if decoded.Header.CommandCode != CommandCapabilitiesExchange {
		t.Fatalf("wrong command code: %d", decoded.Header.CommandCode)
	}
	if decoded.Header.HopByHopID != 0xdeadbeef || decoded.Header.EndToEndID != 0x01020304 {
		t.Fatal("identifiers lost")
	}
	if got := decoded.Find(AVPOriginHost).UTF8String(); got != "a.example" {
		t.Fatalf("wrong origin-host: %q", got)
	}
	app, err := decoded.Find(AVPAuthApplicationID).Unsigned32()
	if err != nil || app != 4 {
		t.Fatalf("wrong auth-app: %d, %v", app, err)
	}
	for _, a := range decoded.AVPs {
		if a.Flags&AVPFlagMandatory == 0 {
			t.Fatalf("AVP %d lost its M bit", a.Code)
		}
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	msg := NewRequest(CommandDeviceWatchdog, ApplicationCommon)
	raw := msg.Encode()
	raw[0] = 2
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected version error")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	msg := NewRequest(CommandDeviceWatchdog, ApplicationCommon)
	raw := msg.Encode()
	raw[3]++ // length field no longer matches the frame
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected length error")
	}
}

func TestPrepareAnswer(t *testing.T) {
	req := NewRequest(CommandCapabilitiesExchange, ApplicationCommon)
	req.Header.Flags |= FlagProxiable
	req.Header.HopByHopID = 7
	req.Header.EndToEndID = 9

	answer := NewMessage()
	answer.PrepareAnswer(req)
	if answer.Header.IsRequest() {
		t.Fatal("answer has R bit set")
	}
	if !answer.Header.IsProxiable() {
		t.Fatal("P bit not copied")
	}
	if answer.Header.HopByHopID != 7 || answer.Header.EndToEndID != 9 {
		t.Fatal("identifiers not copied")
	}
	if answer.Header.CommandCode != CommandCapabilitiesExchange {
		t.Fatal("command code not copied")
	}
}

func TestGroupedAVP(t *testing.T) {
	vendor := NewUnsigned32AVP(AVPVendorID, 10415)
	app := NewUnsigned32AVP(AVPAuthApplicationID, 16777216)
	group := NewGroupedAVP(AVPVendorSpecificApplicationID, vendor, app)

	members, err := group.Grouped()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	v, err := members[0].Unsigned32()
	if err != nil || v != 10415 {
		t.Fatalf("wrong vendor-id: %d, %v", v, err)
	}
	a, err := members[1].Unsigned32()
	if err != nil || a != 16777216 {
		t.Fatalf("wrong app: %d, %v", a, err)
	}
}

func TestAddressAVP(t *testing.T) {
	ip4 := net.ParseIP("192.0.2.1")
	a := NewAddressAVP(AVPHostIPAddress, ip4)
	got, err := a.Address()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(ip4) {
		t.Fatalf("wrong address: %v", got)
	}
	if !bytes.Equal(a.Data[:2], []byte{0, 1}) {
		t.Fatalf("wrong address family prefix: %v", a.Data[:2])
	}

	ip6 := net.ParseIP("2001:db8::1")
	a = NewAddressAVP(AVPHostIPAddress, ip6)
	got, err = a.Address()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(ip6) {
		t.Fatalf("wrong address: %v", got)
	}
}

func TestUnsigned32RejectsBadLength(t *testing.T) {
	a := &AVP{Code: AVPResultCode, Data: []byte{1, 2, 3}}
	if _, err := a.Unsigned32(); err == nil {
		t.Fatal("expected length error")
	}
}

func TestVendorFlagAddsVendorID(t *testing.T) {
	a := &AVP{Code: 999, Flags: AVPFlagVendor, VendorID: 10415, Data: []byte{0, 0, 0, 1}}
	group := NewGroupedAVP(1000, a)
	members, err := group.Grouped()
	if err != nil {
		t.Fatal(err)
	}
	if members[0].VendorID != 10415 {
		t.Fatalf("vendor-id lost: %d", members[0].VendorID)
	}
}

func TestCopyProxyInfo(t *testing.T) {
	req := NewRequest(280, ApplicationCommon)
	req.Add(NewGroupedAVP(AVPProxyInfo, NewUTF8StringAVP(AVPOriginHost, "proxy.example")))
	answer := NewMessage()
	answer.PrepareAnswer(req)
	CopyProxyInfo(req, answer)
	if answer.Find(AVPProxyInfo) == nil {
		t.Fatal("proxy-info not copied")
	}
}
