package diam

import (
	"encoding/binary"
	"fmt"
	"net"
)

// AVP flag bits.
const (
	AVPFlagVendor    uint8 = 0x80
	AVPFlagMandatory uint8 = 0x40
	AVPFlagPrivate   uint8 = 0x20
)

// Address families used in the Address AVP format (RFC 3588 section 4.3).
const (
	addressFamilyIPv4 uint16 = 1
	addressFamilyIPv6 uint16 = 2
)

// AVP is a Diameter attribute-value-pair. Data holds the raw payload
// without padding; typed accessors interpret it.
type AVP struct {
	Code     uint32
	Flags    uint8
	VendorID uint32
	Data     []byte
}

// ErrInvalidAVPLength is returned by typed accessors when the payload size
// does not match the expected type.
type ErrInvalidAVPLength struct {
	AVP *AVP
}

func (e *ErrInvalidAVPLength) Error() string {
	return fmt.Sprintf("invalid length %d for AVP %d", len(e.AVP.Data), e.AVP.Code)
}

// ErrInvalidAVPValue is returned when an AVP payload decodes but does not
// hold a usable value, such as a Vendor-Specific-Application-Id group
// without the required members.
type ErrInvalidAVPValue struct {
	AVP *AVP
}

func (e *ErrInvalidAVPValue) Error() string {
	return fmt.Sprintf("invalid value in AVP %d", e.AVP.Code)
}

// NewUnsigned32AVP creates an Unsigned32 AVP.
func NewUnsigned32AVP(code uint32, value uint32) *AVP {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, value)
	return &AVP{Code: code, Data: data}
}

// NewUTF8StringAVP creates a UTF8String AVP.
func NewUTF8StringAVP(code uint32, value string) *AVP {
	return &AVP{Code: code, Data: []byte(value)}
}

// NewAddressAVP creates an Address AVP with the 2-byte address family
// prefix.
func NewAddressAVP(code uint32, ip net.IP) *AVP {
	var family uint16
	var raw []byte
	if ip4 := ip.To4(); ip4 != nil {
		family = addressFamilyIPv4
		raw = ip4
	} else {
		family = addressFamilyIPv6
		raw = ip.To16()
	}
	data := make([]byte, 2+len(raw))
	binary.BigEndian.PutUint16(data, family)
	copy(data[2:], raw)
	return &AVP{Code: code, Data: data}
}

// NewGroupedAVP creates a grouped AVP from member AVPs.
func NewGroupedAVP(code uint32, members ...*AVP) *AVP {
	size := 0
	for _, m := range members {
		size += m.Len()
	}
	data := make([]byte, size)
	offset := 0
	for _, m := range members {
		m.serializeTo(data[offset:])
		offset += m.Len()
	}
	return &AVP{Code: code, Data: data}
}

// Unsigned32 interprets the payload as an Unsigned32.
func (a *AVP) Unsigned32() (uint32, error) {
	if len(a.Data) != 4 {
		return 0, &ErrInvalidAVPLength{AVP: a}
	}
	return binary.BigEndian.Uint32(a.Data), nil
}

// UTF8String interprets the payload as a UTF8String.
func (a *AVP) UTF8String() string {
	return string(a.Data)
}

// Address interprets the payload as an Address.
func (a *AVP) Address() (net.IP, error) {
	if len(a.Data) < 2 {
		return nil, &ErrInvalidAVPLength{AVP: a}
	}
	family := binary.BigEndian.Uint16(a.Data)
	raw := a.Data[2:]
	switch {
	case family == addressFamilyIPv4 && len(raw) == net.IPv4len:
		return net.IP(raw), nil
	case family == addressFamilyIPv6 && len(raw) == net.IPv6len:
		return net.IP(raw), nil
	}
	return nil, &ErrInvalidAVPValue{AVP: a}
}

// Grouped decodes the payload as a sequence of member AVPs.
func (a *AVP) Grouped() ([]*AVP, error) {
	members := []*AVP{}
	data := a.Data
	for len(data) > 0 {
		m, consumed, err := decodeAVP(data)
		if err != nil {
			return nil, &ErrInvalidAVPLength{AVP: a}
		}
		members = append(members, m)
		data = data[consumed:]
	}
	return members, nil
}

// SetMandatory sets or clears the M bit.
func (a *AVP) SetMandatory(mandatory bool) {
	if mandatory {
		a.Flags |= AVPFlagMandatory
	} else {
		a.Flags &^= AVPFlagMandatory
	}
}

func (a *AVP) headerLen() int {
	if a.Flags&AVPFlagVendor != 0 {
		return 12
	}
	return 8
}

// Len returns the on-wire size of the AVP including padding.
func (a *AVP) Len() int {
	return (a.headerLen() + len(a.Data) + 3) &^ 3
}

func (a *AVP) serializeTo(b []byte) {
	hl := a.headerLen()
	binary.BigEndian.PutUint32(b[0:4], a.Code)
	b[4] = a.Flags
	putUint24(b[5:8], uint32(hl+len(a.Data)))
	if a.Flags&AVPFlagVendor != 0 {
		binary.BigEndian.PutUint32(b[8:12], a.VendorID)
	}
	copy(b[hl:], a.Data)
	for i := hl + len(a.Data); i < a.Len(); i++ {
		b[i] = 0
	}
}

// decodeAVP decodes one AVP from data and returns it together with the
// number of bytes consumed, padding included.
func decodeAVP(data []byte) (*AVP, int, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("truncated AVP header: %d bytes", len(data))
	}
	a := &AVP{
		Code:  binary.BigEndian.Uint32(data[0:4]),
		Flags: data[4],
	}
	length := int(uint24(data[5:8]))
	hl := a.headerLen()
	if length < hl || length > len(data) {
		return nil, 0, fmt.Errorf("AVP %d has bad length %d", a.Code, length)
	}
	if a.Flags&AVPFlagVendor != 0 {
		a.VendorID = binary.BigEndian.Uint32(data[8:12])
	}
	a.Data = append([]byte(nil), data[hl:length]...)
	padded := (length + 3) &^ 3
	if padded > len(data) {
		padded = len(data)
	}
	return a, padded, nil
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func (a *AVP) String() string {
	return fmt.Sprintf("{Code:%d,Flags:0x%x,VendorId:%d,Length:%d}",
		a.Code, a.Flags, a.VendorID, len(a.Data))
}
