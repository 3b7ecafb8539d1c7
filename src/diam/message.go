package diam

import (
	"encoding/binary"
	"fmt"
)

// Version is the only supported Diameter protocol version.
const Version uint8 = 1

// HeaderLength is the fixed size of the Diameter message header.
const HeaderLength = 20

// Header flag bits.
const (
	FlagRequest       uint8 = 0x80
	FlagProxiable     uint8 = 0x40
	FlagError         uint8 = 0x20
	FlagRetransmitted uint8 = 0x10
)

// Header is the fixed Diameter message header.
type Header struct {
	Version       uint8
	Flags         uint8
	CommandCode   uint32
	ApplicationID uint32
	HopByHopID    uint32
	EndToEndID    uint32
}

// IsRequest reports whether the R bit is set.
func (h *Header) IsRequest() bool {
	return h.Flags&FlagRequest != 0
}

// SetRequest sets or clears the R bit.
func (h *Header) SetRequest(request bool) {
	if request {
		h.Flags |= FlagRequest
	} else {
		h.Flags &^= FlagRequest
	}
}

// IsProxiable reports whether the P bit is set.
func (h *Header) IsProxiable() bool {
	return h.Flags&FlagProxiable != 0
}

// IsError reports whether the E bit is set.
func (h *Header) IsError() bool {
	return h.Flags&FlagError != 0
}

// SetError sets or clears the E bit.
func (h *Header) SetError(e bool) {
	if e {
		h.Flags |= FlagError
	} else {
		h.Flags &^= FlagError
	}
}

// Message is a decoded Diameter message: a header and an ordered list of
// AVPs.
type Message struct {
	Header Header
	AVPs   []*AVP
}

// NewMessage returns an empty message with the version field set.
func NewMessage() *Message {
	return &Message{Header: Header{Version: Version}}
}

// NewRequest returns a request message for the given command on the given
// application.
func NewRequest(commandCode, applicationID uint32) *Message {
	m := NewMessage()
	m.Header.SetRequest(true)
	m.Header.CommandCode = commandCode
	m.Header.ApplicationID = applicationID
	return m
}

// Add appends an AVP to the message.
func (m *Message) Add(a *AVP) {
	m.AVPs = append(m.AVPs, a)
}

// Find returns the first AVP with the given code, or nil.
func (m *Message) Find(code uint32) *AVP {
	for _, a := range m.AVPs {
		if a.Code == code {
			return a
		}
	}
	return nil
}

// Subset returns every AVP with the given code, in message order.
func (m *Message) Subset(code uint32) []*AVP {
	matches := []*AVP{}
	for _, a := range m.AVPs {
		if a.Code == code {
			matches = append(matches, a)
		}
	}
	return matches
}

// PrepareAnswer initialises the message as an answer to the request: same
// command, application and identifiers, R bit cleared, P bit copied.
func (m *Message) PrepareAnswer(request *Message) {
	m.Header.Version = Version
	m.Header.CommandCode = request.Header.CommandCode
	m.Header.ApplicationID = request.Header.ApplicationID
	m.Header.HopByHopID = request.Header.HopByHopID
	m.Header.EndToEndID = request.Header.EndToEndID
	m.Header.SetRequest(false)
	if request.Header.IsProxiable() {
		m.Header.Flags |= FlagProxiable
	}
}

// Len returns the on-wire size of the message.
func (m *Message) Len() int {
	size := HeaderLength
	for _, a := range m.AVPs {
		size += a.Len()
	}
	return size
}

// Encode serializes the message, header length field included.
func (m *Message) Encode() []byte {
	size := m.Len()
	b := make([]byte, size)
	b[0] = Version
	putUint24(b[1:4], uint32(size))
	b[4] = m.Header.Flags
	putUint24(b[5:8], m.Header.CommandCode)
	binary.BigEndian.PutUint32(b[8:12], m.Header.ApplicationID)
	binary.BigEndian.PutUint32(b[12:16], m.Header.HopByHopID)
	binary.BigEndian.PutUint32(b[16:20], m.Header.EndToEndID)
	offset := HeaderLength
	for _, a := range m.AVPs {
		a.serializeTo(b[offset:])
		offset += a.Len()
	}
	return b
}

// Decode parses a complete framed message. The input must hold exactly one
// message as framed on the wire.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("truncated message header: %d bytes", len(data))
	}
	if data[0] != Version {
		return nil, fmt.Errorf("unsupported protocol version %d", data[0])
	}
	length := int(uint24(data[1:4]))
	if length != len(data) {
		return nil, fmt.Errorf("message length field %d does not match frame size %d", length, len(data))
	}
	m := &Message{
		Header: Header{
			Version:       data[0],
			Flags:         data[4],
			CommandCode:   uint24(data[5:8]),
			ApplicationID: binary.BigEndian.Uint32(data[8:12]),
			HopByHopID:    binary.BigEndian.Uint32(data[12:16]),
			EndToEndID:    binary.BigEndian.Uint32(data[16:20]),
		},
	}
	rest := data[HeaderLength:]
	for len(rest) > 0 {
		a, consumed, err := decodeAVP(rest)
		if err != nil {
			return nil, err
		}
		m.AVPs = append(m.AVPs, a)
		rest = rest[consumed:]
	}
	return m, nil
}
