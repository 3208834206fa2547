// Package coap implements the RFC 7252 message layer: the fixed 4-byte
// header, token, option sequence and payload that ride on top of UDP. It
// knows nothing about confirmability, retransmission or duplicate
// suppression: that is pkg/reliability's job.
package coap

import "fmt"

// Type is the two-bit message type carried in the fixed header.
type Type uint8

const (
	TypeCON Type = 0
	TypeNON Type = 1
	TypeACK Type = 2
	TypeRST Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeCON:
		return "CON"
	case TypeNON:
		return "NON"
	case TypeACK:
		return "ACK"
	case TypeRST:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Code is class*32+detail, e.g. 2.05 is encoded as 2<<5|5.
type Code uint8

const (
	classSuccess = 2 << 5
	classClientErr = 4 << 5
	classServerErr = 5 << 5
)

// Request method codes (class 0).
const (
	CodeEmpty Code = 0
	CodeGET   Code = 1
	CodePOST  Code = 2
	CodePUT   Code = 3
	CodeDELETE Code = 4
)

// Response codes used by this reliability core and its default resources.
const (
	CodeContent             Code = classSuccess + 5
	CodeBadRequest          Code = classClientErr + 0
	CodeBadOption           Code = classClientErr + 2
	CodeNotFound            Code = classClientErr + 4
	CodeMethodNotAllowed    Code = classClientErr + 5
	CodeInternalServerError Code = classServerErr + 0
	CodeServiceUnavailable  Code = classServerErr + 3
)

// Class returns the 3-bit response class (0, 2, 4 or 5).
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail returns the 5-bit response detail.
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

func (c Code) String() string {
	if c == CodeEmpty {
		return "0.00"
	}
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Option numbers this module gives meaning to. Odd numbers are critical
// per RFC 7252 §5.4.6; an option number not in this table that is also
// odd is reported as an unknown critical option by the codec.
const (
	OptionETag          uint16 = 4
	OptionUriPath       uint16 = 11
	OptionContentFormat uint16 = 12
	OptionMaxAge        uint16 = 14
)

// Option is a single (number, value) pair. Repeatable options (Uri-Path
// among them) appear as several entries sharing a number, in wire order.
type Option struct {
	Number uint16
	Value  []byte
}

// Message is a decoded CoAP message, independent of reliability phase.
type Message struct {
	Type    Type
	Code    Code
	MID     uint16
	Token   []byte
	Options []Option
	Payload []byte
}

// IsEmpty reports whether this is an RFC 7252 empty message: zero code,
// zero-length token, no options, no payload. Used for bare ACK and RST.
func (m *Message) IsEmpty() bool {
	return m.Code == CodeEmpty && len(m.Token) == 0 && len(m.Options) == 0 && len(m.Payload) == 0
}

// Option returns the first option with the given number and true, or a
// zero Option and false if absent.
func (m *Message) Option(number uint16) (Option, bool) {
	for _, o := range m.Options {
		if o.Number == number {
			return o, true
		}
	}
	return Option{}, false
}

// OptionValues returns every option value for a repeatable option, in order.
func (m *Message) OptionValues(number uint16) [][]byte {
	var values [][]byte
	for _, o := range m.Options {
		if o.Number == number {
			values = append(values, o.Value)
		}
	}
	return values
}

// Path rebuilds the request URI path from Uri-Path options: a leading
// slash followed by each component joined by slashes. A request with no
// Uri-Path options resolves to "/".
func (m *Message) Path() string {
	segments := m.OptionValues(OptionUriPath)
	if len(segments) == 0 {
		return "/"
	}

	path := ""
	for _, seg := range segments {
		path += "/" + string(seg)
	}
	return path
}
