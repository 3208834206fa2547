package coap

import (
	"encoding/binary"
	"fmt"
)

// header layout constants, RFC 7252 §3.
const (
	headerLen   = 4
	version     = 1
	payloadMark = 0xFF
)

// Encode serializes a Message into its wire representation. Encode never
// fails on a Message produced by Decode or built through this package;
// it returns an error only if the caller hands it an out-of-range token
// or options that are not in ascending number order.
func Encode(m *Message) ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, fmt.Errorf("coap: token length %d exceeds 8 bytes", len(m.Token))
	}

	buf := make([]byte, headerLen, headerLen+len(m.Token)+len(m.Payload)+16)

	buf[0] = version<<6 | uint8(m.Type)<<4 | uint8(len(m.Token))
	buf[1] = uint8(m.Code)
	binary.BigEndian.PutUint16(buf[2:4], m.MID)

	buf = append(buf, m.Token...)

	var lastNumber uint16
	for _, opt := range m.Options {
		var err error
		buf, lastNumber, err = appendOption(buf, lastNumber, opt)
		if err != nil {
			return nil, err
		}
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMark)
		buf = append(buf, m.Payload...)
	}

	return buf, nil
}

// appendOption writes one option's delta/length TLV (RFC 7252 §3.1),
// using the 13/14 one-byte extension markers for deltas/lengths that
// don't fit in a 4-bit nibble. 15 is reserved and never produced here.
func appendOption(buf []byte, lastNumber uint16, opt Option) ([]byte, uint16, error) {
	if opt.Number < lastNumber {
		return nil, 0, fmt.Errorf("coap: options must be appended in ascending number order")
	}

	delta := opt.Number - lastNumber
	length := len(opt.Value)

	deltaNibble, deltaExt, deltaExtLen := splitNibble(uint32(delta))
	lengthNibble, lengthExt, lengthExtLen := splitNibble(uint32(length))

	buf = append(buf, deltaNibble<<4|lengthNibble)
	buf = appendExt(buf, deltaExt, deltaExtLen)
	buf = appendExt(buf, lengthExt, lengthExtLen)
	buf = append(buf, opt.Value...)

	return buf, opt.Number, nil
}

// splitNibble encodes a delta or length value into its 4-bit nibble plus
// any extended-value bytes per the 13/14 marker scheme.
func splitNibble(v uint32) (nibble uint8, ext uint16, extLen int) {
	switch {
	case v < 13:
		return uint8(v), 0, 0
	case v < 13+256:
		return 13, uint16(v - 13), 1
	default:
		return 14, uint16(v - 13 - 256), 2
	}
}

func appendExt(buf []byte, ext uint16, extLen int) []byte {
	switch extLen {
	case 1:
		return append(buf, uint8(ext))
	case 2:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, ext)
		return append(buf, b...)
	default:
		return buf
	}
}

// MalformedMessageError is returned by Decode when a datagram cannot be
// parsed as a well-formed CoAP message. If the fixed header and message-ID
// parsed successfully before the failure, Decode returns the partially
// decoded Message alongside this error so the caller can still reply with
// an RST carrying the right MID (RFC 7252 §4.2); if the header itself
// didn't parse, Decode returns a nil Message and the caller has nothing
// to address a reply to, so it must drop the datagram silently.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("coap: malformed message: %s", e.Reason)
}

// UnknownCriticalOptionError is returned by Decode when a message carries
// an odd (critical, per RFC 7252 §5.4.6) option number this codec does
// not recognize. The message itself decodes otherwise fine; callers
// should respond 4.02 Bad Option rather than drop the datagram.
type UnknownCriticalOptionError struct {
	Number uint16
}

func (e *UnknownCriticalOptionError) Error() string {
	return fmt.Sprintf("coap: unknown critical option %d", e.Number)
}

// knownOptions is the set of option numbers this codec understands. A
// critical (odd) option outside this set is surfaced, not silently kept.
var knownOptions = map[uint16]bool{
	OptionETag:          true,
	OptionUriPath:       true,
	OptionContentFormat: true,
	OptionMaxAge:        true,
}

// Decode parses a raw UDP datagram into a Message. On a datagram whose
// fixed header and MID don't even parse, it returns a nil Message with
// *MalformedMessageError; the caller has no MID to reply to and must
// drop silently. On a datagram whose header parses but whose option or
// payload encoding is invalid, it returns the partially decoded Message
// (MID included) together with *MalformedMessageError so the caller can
// reply with an RST. On a well-formed message carrying an unrecognized
// critical option, it returns the partially decoded Message together
// with *UnknownCriticalOptionError so the caller can respond 4.02 with
// the right message-ID and token.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < headerLen {
		return nil, &MalformedMessageError{Reason: "datagram shorter than fixed header"}
	}

	ver := raw[0] >> 6
	if ver != version {
		return nil, &MalformedMessageError{Reason: fmt.Sprintf("unsupported version %d", ver)}
	}

	tkl := int(raw[0] & 0x0f)
	if tkl > 8 {
		return nil, &MalformedMessageError{Reason: "token length exceeds 8 bytes"}
	}

	m := &Message{
		Type: Type((raw[0] >> 4) & 0x03),
		Code: Code(raw[1]),
		MID:  binary.BigEndian.Uint16(raw[2:4]),
	}

	// Past this point the fixed header and MID are parsed, so every
	// remaining failure returns the partial Message alongside its error:
	// the caller can still address an RST reply to msg.MID.
	pos := headerLen
	if len(raw) < pos+tkl {
		return m, &MalformedMessageError{Reason: "datagram shorter than declared token"}
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), raw[pos:pos+tkl]...)
	}
	pos += tkl

	var unknownCritical *UnknownCriticalOptionError
	var lastNumber uint16
	for pos < len(raw) && raw[pos] != payloadMark {
		deltaNibble := raw[pos] >> 4
		lengthNibble := raw[pos] & 0x0f
		pos++

		if deltaNibble == 15 || lengthNibble == 15 {
			return m, &MalformedMessageError{Reason: "reserved option nibble value 15"}
		}

		delta, newPos, err := readExt(raw, pos, deltaNibble)
		if err != nil {
			return m, err
		}
		pos = newPos

		length, newPos, err := readExt(raw, pos, lengthNibble)
		if err != nil {
			return m, err
		}
		pos = newPos

		if len(raw) < pos+int(length) {
			return m, &MalformedMessageError{Reason: "option value runs past end of datagram"}
		}

		number := lastNumber + delta
		value := append([]byte(nil), raw[pos:pos+int(length)]...)
		pos += int(length)
		lastNumber = number

		m.Options = append(m.Options, Option{Number: number, Value: value})

		if number%2 == 1 && !knownOptions[number] && unknownCritical == nil {
			unknownCritical = &UnknownCriticalOptionError{Number: number}
		}
	}

	if pos < len(raw) && raw[pos] == payloadMark {
		pos++
		if pos == len(raw) {
			return m, &MalformedMessageError{Reason: "payload marker with zero-length payload"}
		}
		m.Payload = append([]byte(nil), raw[pos:]...)
	}

	if unknownCritical != nil {
		return m, unknownCritical
	}
	return m, nil
}

// readExt resolves a 4-bit nibble into its actual delta/length value,
// consuming 0, 1 or 2 extension bytes per the 13/14 marker scheme.
func readExt(raw []byte, pos int, nibble uint8) (value uint16, newPos int, err error) {
	switch nibble {
	case 13:
		if pos >= len(raw) {
			return 0, 0, &MalformedMessageError{Reason: "truncated 1-byte option extension"}
		}
		return uint16(raw[pos]) + 13, pos + 1, nil
	case 14:
		if pos+1 >= len(raw) {
			return 0, 0, &MalformedMessageError{Reason: "truncated 2-byte option extension"}
		}
		return binary.BigEndian.Uint16(raw[pos:pos+2]) + 13 + 256, pos + 2, nil
	default:
		return uint16(nibble), pos, nil
	}
}
