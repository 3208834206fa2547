package reliability

import (
	"strconv"
	"sync"
	"time"

	"github.com/insaneXs/nCoAP/pkg/coap"
)

// Endpoint identifies a remote peer by (ip, port), per spec.md §3.
type Endpoint struct {
	IP   string
	Port int
}

func (e Endpoint) String() string {
	return e.IP + ":" + strconv.Itoa(e.Port)
}

// Origin distinguishes an exchange opened by an inbound request from one
// opened by an outbound request this node issued.
type Origin int

const (
	OriginInbound Origin = iota
	OriginOutbound
)

// Phase is an exchange's position in the §4.C/§4.D state machines.
type Phase int

const (
	// Inbound phases.
	PhaseReceivedUnconfirmed Phase = iota // entry inserted, no ACK sent yet
	PhaseConfirmed                        // empty ACK already sent, awaiting a separate response
	PhaseResponded                        // a response has been produced and cached

	// Outbound phases (retransmission state machine, §4.B).
	PhaseArmed                   // waiting for ACK/RST, may still retransmit
	PhaseAwaitingSeparateResponse // empty ACK received for a request; separate response pending
	PhaseDone                    // ACK'd or piggy-backed response received
	PhaseReset                   // peer sent RST
	PhaseTimeout                 // retransmissions exhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseReceivedUnconfirmed:
		return "ReceivedUnconfirmed"
	case PhaseConfirmed:
		return "Confirmed"
	case PhaseResponded:
		return "Responded"
	case PhaseArmed:
		return "Armed"
	case PhaseAwaitingSeparateResponse:
		return "AwaitingSeparateResponse"
	case PhaseDone:
		return "Done"
	case PhaseReset:
		return "Reset"
	case PhaseTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Exchange is the unit of reliability state for one request/response
// interaction (spec.md §3). Every mutation goes through its mutex so a
// timer goroutine and the I/O reactor can both touch it safely.
type Exchange struct {
	mu sync.Mutex

	Remote      Endpoint
	MID         uint16
	Token       string // string(token bytes); CoAP tokens are opaque, not text
	Origin      Origin
	RequestType coap.Type // CON or NON of the request that opened this exchange

	phase     Phase
	attempts  int
	epoch     uint64 // bumped on every terminal transition; guards stale timers
	createdAt time.Time
	lastSeen  time.Time

	cachedResponse *coap.Message
	requestPath    string // for admin introspection only
}

// NewExchange creates an Exchange in its initial phase for the given
// origin (PhaseReceivedUnconfirmed inbound, PhaseArmed outbound).
func NewExchange(remote Endpoint, mid uint16, token []byte, origin Origin) *Exchange {
	return NewExchangeOfType(remote, mid, token, origin, coap.TypeCON)
}

// NewExchangeOfType is NewExchange with an explicit request type, so the
// incoming handler can record whether the request that opened this
// exchange was confirmable.
func NewExchangeOfType(remote Endpoint, mid uint16, token []byte, origin Origin, requestType coap.Type) *Exchange {
	now := time.Now()
	initial := PhaseArmed
	if origin == OriginInbound {
		initial = PhaseReceivedUnconfirmed
	}

	return &Exchange{
		Remote:      remote,
		MID:         mid,
		Token:       string(token),
		Origin:      origin,
		RequestType: requestType,
		phase:       initial,
		createdAt:   now,
		lastSeen:    now,
	}
}

// Phase returns the exchange's current phase.
func (ex *Exchange) Phase() Phase {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.phase
}

// Attempts returns the number of transmissions (including the first) sent
// so far for an outbound confirmable.
func (ex *Exchange) Attempts() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.attempts
}

// Epoch returns the exchange's current epoch, incremented on every
// terminal phase transition. A timer callback should capture the epoch
// it was scheduled under and compare before acting (spec.md §5
// Cancellation).
func (ex *Exchange) Epoch() uint64 {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.epoch
}

// CachedResponse returns the response cached for duplicate replay, if any.
func (ex *Exchange) CachedResponse() *coap.Message {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.cachedResponse
}

// transition moves the exchange to a new phase, touching lastSeen and, for
// terminal phases, bumping the epoch so stale timers recognize they no
// longer apply.
func (ex *Exchange) transition(phase Phase) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.phase = phase
	ex.lastSeen = time.Now()

	switch phase {
	case PhaseDone, PhaseReset, PhaseTimeout, PhaseResponded:
		ex.epoch++
	}
}

// tryTransition performs transition only if the exchange is currently in
// one of from; it is the CAS-like primitive spec.md §5.2 calls the
// "atomic markConfirmed transition": whichever caller (timer or
// dispatcher) wins the race decides empty-ACK vs piggy-back.
func (ex *Exchange) tryTransition(to Phase, from ...Phase) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ok := false
	for _, f := range from {
		if ex.phase == f {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}

	ex.phase = to
	ex.lastSeen = time.Now()
	switch to {
	case PhaseDone, PhaseReset, PhaseTimeout, PhaseResponded:
		ex.epoch++
	}
	return true
}

func (ex *Exchange) recordAttempt() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.attempts++
	ex.lastSeen = time.Now()
	return ex.attempts
}

func (ex *Exchange) setCachedResponse(resp *coap.Message) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.cachedResponse = resp
}

func (ex *Exchange) setRequestPath(path string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.requestPath = path
}

// RequestPath reports the URI path of the request that opened this
// exchange, for the admin surface's exchange snapshot.
func (ex *Exchange) RequestPath() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.requestPath
}
