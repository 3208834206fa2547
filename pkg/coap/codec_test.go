package coap

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := &Message{
		Type:  TypeCON,
		Code:  CodeGET,
		MID:   0x1001,
		Token: []byte{0xab},
		Options: []Option{
			{Number: OptionUriPath, Value: []byte("t")},
			{Number: OptionMaxAge, Value: []byte{0x3c}},
		},
		Payload: []byte("23"),
	}

	raw, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode erred: %v", err)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode erred: %v", err)
	}

	if decoded.Type != m.Type || decoded.Code != m.Code || decoded.MID != m.MID {
		t.Fatalf("header mismatch: got %+v, want %+v", decoded, m)
	}
	if !bytes.Equal(decoded.Token, m.Token) {
		t.Fatalf("token mismatch: got %x, want %x", decoded.Token, m.Token)
	}
	if !bytes.Equal(decoded.Payload, m.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", decoded.Payload, m.Payload)
	}
	if len(decoded.Options) != len(m.Options) {
		t.Fatalf("option count mismatch: got %d, want %d", len(decoded.Options), len(m.Options))
	}
	for i, opt := range decoded.Options {
		if opt.Number != m.Options[i].Number || !bytes.Equal(opt.Value, m.Options[i].Value) {
			t.Fatalf("option %d mismatch: got %+v, want %+v", i, opt, m.Options[i])
		}
	}
}

func TestEncodeDecodeExtendedOptionNumbers(t *testing.T) {
	// Force both extension markers: an option number delta of 20 needs the
	// 13 marker (one extension byte), and a value length of 300, above 268
	// (13 + 255), needs the 14 marker (two extension bytes).
	m := &Message{
		Type: TypeNON,
		Code: CodeContent,
		MID:  7,
		Options: []Option{
			{Number: 20, Value: bytes.Repeat([]byte{0x01}, 300)},
		},
	}

	raw, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode erred: %v", err)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode erred: %v", err)
	}

	if len(decoded.Options) != 1 || decoded.Options[0].Number != 20 {
		t.Fatalf("unexpected options: %+v", decoded.Options)
	}
	if len(decoded.Options[0].Value) != 300 {
		t.Fatalf("option value length mismatch: got %d, want 300", len(decoded.Options[0].Value))
	}
}

func TestDecodeTruncatedHeaderIsMalformed(t *testing.T) {
	_, err := Decode([]byte{0x40, 0x01})
	if _, ok := err.(*MalformedMessageError); !ok {
		t.Fatalf("expected *MalformedMessageError, got %v (%T)", err, err)
	}
}

func TestDecodeMalformedOptionTailKeepsMID(t *testing.T) {
	// Valid 4-byte header and MID, followed by an option byte using the
	// reserved nibble value 15 in its length half.
	raw := []byte{0x40, 0x01, 0x12, 0x34, 0x0f}

	decoded, err := Decode(raw)
	if _, ok := err.(*MalformedMessageError); !ok {
		t.Fatalf("expected *MalformedMessageError, got %v (%T)", err, err)
	}
	if decoded == nil || decoded.MID != 0x1234 {
		t.Fatalf("expected partially decoded message with MID 0x1234, got %+v", decoded)
	}
}

func TestDecodeUnknownCriticalOption(t *testing.T) {
	m := &Message{
		Type:    TypeCON,
		Code:    CodeGET,
		MID:     1,
		Options: []Option{{Number: 9, Value: []byte{0x01}}},
	}
	raw, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode erred: %v", err)
	}

	decoded, err := Decode(raw)
	unknownErr, ok := err.(*UnknownCriticalOptionError)
	if !ok {
		t.Fatalf("expected *UnknownCriticalOptionError, got %v (%T)", err, err)
	}
	if unknownErr.Number != 9 {
		t.Fatalf("expected option number 9, got %d", unknownErr.Number)
	}
	if decoded == nil || decoded.MID != 1 {
		t.Fatalf("expected partially decoded message with MID 1, got %+v", decoded)
	}
}

func TestMessagePath(t *testing.T) {
	m := &Message{Options: []Option{
		{Number: OptionUriPath, Value: []byte("a")},
		{Number: OptionUriPath, Value: []byte("b")},
	}}
	if got := m.Path(); got != "/a/b" {
		t.Fatalf("Path() = %q, want /a/b", got)
	}

	empty := &Message{}
	if got := empty.Path(); got != "/" {
		t.Fatalf("Path() on empty options = %q, want /", got)
	}
}
