package reliability

import (
	"sync"
	"testing"
	"time"

	"github.com/insaneXs/nCoAP/pkg/coap"
)

// fakeSender records every message written to it and makes each one
// observable on a channel, so tests can assert on send order without
// sleeping blindly.
type fakeSender struct {
	mu   sync.Mutex
	sent []*coap.Message
	ch   chan *coap.Message
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan *coap.Message, 32)}
}

func (f *fakeSender) WriteTo(_ Endpoint, msg *coap.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.ch <- msg
	return nil
}

func (f *fakeSender) next(t *testing.T, timeout time.Duration) *coap.Message {
	t.Helper()
	select {
	case msg := <-f.ch:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a sent message")
		return nil
	}
}

// delayedHandler resolves every request with a fixed response after delay,
// tracking how many times it was invoked.
type delayedHandler struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	code    coap.Code
	payload []byte
}

func (h *delayedHandler) Handle(req *coap.Message, remote Endpoint, resolve func(*coap.Message)) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()

	go func() {
		time.Sleep(h.delay)
		resolve(&coap.Message{Code: h.code, Payload: h.payload})
	}()
}

func (h *delayedHandler) invocations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func withConstants(ackDelay, ackTimeout time.Duration, maxRetransmit int) func() {
	origAckDelay, origAckTimeout, origMaxRetransmit := AckDelay, AckTimeout, MaxRetransmit
	AckDelay, AckTimeout, MaxRetransmit = ackDelay, ackTimeout, maxRetransmit
	return func() {
		AckDelay, AckTimeout, MaxRetransmit = origAckDelay, origAckTimeout, origMaxRetransmit
	}
}

func TestPiggybackedResponse(t *testing.T) {
	defer withConstants(2*time.Second, 2*time.Second, 4)()

	sender := newFakeSender()
	handler := &delayedHandler{delay: 10 * time.Millisecond, code: coap.CodeContent, payload: []byte("23")}
	core := NewCore(sender, handler)
	defer core.Close()

	remote := Endpoint{IP: "192.0.2.1", Port: 5683}
	req := &coap.Message{Type: coap.TypeCON, Code: coap.CodeGET, MID: 0x1001, Token: []byte("ab")}
	raw, _ := coap.Encode(req)

	core.HandleInbound(raw, remote)

	resp := sender.next(t, time.Second)
	if resp.Type != coap.TypeACK || resp.MID != 0x1001 || resp.Code != coap.CodeContent {
		t.Fatalf("unexpected piggy-backed response: %+v", resp)
	}
	if string(resp.Payload) != "23" {
		t.Fatalf("unexpected payload: %q", resp.Payload)
	}

	select {
	case extra := <-sender.ch:
		t.Fatalf("unexpected extra message sent: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSeparateResponse(t *testing.T) {
	defer withConstants(20*time.Millisecond, 2*time.Second, 4)()

	sender := newFakeSender()
	handler := &delayedHandler{delay: 120 * time.Millisecond, code: coap.CodeContent, payload: []byte("23")}
	core := NewCore(sender, handler)
	defer core.Close()

	remote := Endpoint{IP: "192.0.2.1", Port: 5683}
	req := &coap.Message{Type: coap.TypeCON, Code: coap.CodeGET, MID: 0x1001, Token: []byte("ab")}
	raw, _ := coap.Encode(req)

	core.HandleInbound(raw, remote)

	ack := sender.next(t, time.Second)
	if ack.Type != coap.TypeACK || !ack.IsEmpty() || ack.MID != 0x1001 {
		t.Fatalf("expected empty ACK mid=0x1001, got %+v", ack)
	}

	separate := sender.next(t, time.Second)
	if separate.Type != coap.TypeCON || separate.Code != coap.CodeContent {
		t.Fatalf("expected separate CON response, got %+v", separate)
	}
	if separate.MID == 0x1001 {
		t.Fatal("separate response must use a freshly allocated message ID")
	}
	if string(separate.Token) != "ab" {
		t.Fatalf("separate response token mismatch: got %q", separate.Token)
	}
}

func TestDuplicateRequestInvokesHandlerOnce(t *testing.T) {
	defer withConstants(2*time.Second, 2*time.Second, 4)()

	sender := newFakeSender()
	handler := &delayedHandler{delay: 10 * time.Millisecond, code: coap.CodeContent, payload: []byte("23")}
	core := NewCore(sender, handler)
	defer core.Close()

	remote := Endpoint{IP: "192.0.2.1", Port: 5683}
	req := &coap.Message{Type: coap.TypeCON, Code: coap.CodeGET, MID: 0x1001, Token: []byte("ab")}
	raw, _ := coap.Encode(req)

	core.HandleInbound(raw, remote)
	first := sender.next(t, time.Second)
	if first.Type != coap.TypeACK || string(first.Payload) != "23" {
		t.Fatalf("unexpected first response: %+v", first)
	}

	core.HandleInbound(raw, remote)
	second := sender.next(t, time.Second)
	if second.Type != coap.TypeACK || string(second.Payload) != "23" || second.MID != 0x1001 {
		t.Fatalf("expected cached response to be replayed verbatim, got %+v", second)
	}

	if got := handler.invocations(); got != 1 {
		t.Fatalf("expected handler to be invoked exactly once, got %d", got)
	}
}

func TestOutboundConfirmableTimeout(t *testing.T) {
	defer withConstants(2*time.Second, 5*time.Millisecond, 2)()

	sender := newFakeSender()
	core := NewCore(sender, nil)
	defer core.Close()

	results := make(chan OutboundResult, 1)
	core.SetOutboundHandler(func(_ *Exchange, result OutboundResult) {
		results <- result
	})

	remote := Endpoint{IP: "192.0.2.2", Port: 5683}
	req := &coap.Message{Code: coap.CodeGET, Token: []byte("zz")}

	if _, err := core.SendRequest(req, remote, true); err != nil {
		t.Fatalf("SendRequest erred: %v", err)
	}

	// Initial send plus up to MaxRetransmit retransmissions, all unacked.
	for i := 0; i < 3; i++ {
		sender.next(t, time.Second)
	}

	select {
	case result := <-results:
		if result.Kind != KindCONTimeout {
			t.Fatalf("expected KindCONTimeout, got %v", result.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CONTimeout result")
	}
}

func TestNonRequestGetsNonResponseNoEmptyAck(t *testing.T) {
	defer withConstants(2*time.Second, 2*time.Second, 4)()

	sender := newFakeSender()
	handler := &delayedHandler{delay: 5 * time.Millisecond, code: coap.CodeContent, payload: []byte("hi")}
	core := NewCore(sender, handler)
	defer core.Close()

	remote := Endpoint{IP: "192.0.2.4", Port: 5683}
	req := &coap.Message{Type: coap.TypeNON, Code: coap.CodeGET, MID: 0x4001, Token: []byte("nn")}
	raw, _ := coap.Encode(req)

	core.HandleInbound(raw, remote)

	resp := sender.next(t, time.Second)
	if resp.Type != coap.TypeNON {
		t.Fatalf("expected NON response to a NON request, got %+v", resp)
	}
	if string(resp.Payload) != "hi" {
		t.Fatalf("unexpected payload: %q", resp.Payload)
	}

	select {
	case extra := <-sender.ch:
		t.Fatalf("expected exactly one message for a NON exchange, got extra %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedMessageWithParsedHeaderGetsRST(t *testing.T) {
	defer withConstants(2*time.Second, 2*time.Second, 4)()

	sender := newFakeSender()
	core := NewCore(sender, nil)
	defer core.Close()

	remote := Endpoint{IP: "192.0.2.5", Port: 5683}
	// Valid 4-byte header and MID, followed by an option byte using the
	// reserved nibble value 15: header/MID parse, the option tail doesn't.
	raw := []byte{0x40, 0x01, 0x56, 0x78, 0x0f}

	core.HandleInbound(raw, remote)

	rst := sender.next(t, time.Second)
	if rst.Type != coap.TypeRST || !rst.IsEmpty() || rst.MID != 0x5678 {
		t.Fatalf("expected empty RST mid=0x5678, got %+v", rst)
	}
}

func TestMalformedMessageWithUnparsedHeaderIsDropped(t *testing.T) {
	sender := newFakeSender()
	core := NewCore(sender, nil)
	defer core.Close()

	remote := Endpoint{IP: "192.0.2.6", Port: 5683}
	core.HandleInbound([]byte{0x40, 0x01}, remote) // shorter than the fixed header

	select {
	case extra := <-sender.ch:
		t.Fatalf("expected no reply to an unparseable datagram, got %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOutboundPeerReset(t *testing.T) {
	defer withConstants(2*time.Second, 2*time.Second, 4)()

	sender := newFakeSender()
	core := NewCore(sender, nil)
	defer core.Close()

	results := make(chan OutboundResult, 1)
	core.SetOutboundHandler(func(_ *Exchange, result OutboundResult) {
		results <- result
	})

	remote := Endpoint{IP: "192.0.2.3", Port: 5683}
	req := &coap.Message{Code: coap.CodeGET, Token: []byte("zz")}

	ex, err := core.SendRequest(req, remote, true)
	if err != nil {
		t.Fatalf("SendRequest erred: %v", err)
	}
	sender.next(t, time.Second) // initial send

	rst := buildEmptyMessage(coap.TypeRST, ex.MID)
	raw, _ := coap.Encode(rst)
	core.HandleInbound(raw, remote)

	select {
	case result := <-results:
		if result.Kind != KindPeerReset {
			t.Fatalf("expected KindPeerReset, got %v", result.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeerReset result")
	}

	if ex.Phase() != PhaseReset {
		t.Fatalf("expected exchange phase Reset, got %v", ex.Phase())
	}
}
