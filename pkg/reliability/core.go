// Package reliability implements the RFC 7252 message-layer reliability
// core: message-ID allocation, retransmission with exponential backoff,
// duplicate suppression, empty-ACK scheduling, piggy-backed vs. separate
// responses, and the registry tying it all together. It is deliberately
// blind to the wire format (pkg/coap) and the transport (pkg/transport);
// it is driven by decoded coap.Message values and a small Sender
// interface for writing them back out.
package reliability

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/insaneXs/nCoAP/pkg/coap"
)

// Sender is the minimal transport contract this package needs: write a
// decoded message to a remote endpoint. Implemented by pkg/transport.
type Sender interface {
	WriteTo(remote Endpoint, msg *coap.Message) error
}

// RequestHandler dispatches a decoded inbound request (pkg/resource's
// Dispatcher implements this). Handle MUST eventually invoke resolve
// exactly once with the produced response.
type RequestHandler interface {
	Handle(req *coap.Message, remote Endpoint, resolve func(resp *coap.Message))
}

// OutboundResult is delivered to a Core's outbound handler once a
// request this node issued reaches a terminal state.
type OutboundResult struct {
	Response *coap.Message
	Kind     Kind // zero value on success, KindCONTimeout or KindPeerReset otherwise
}

// Core owns the exchange registry, the message-ID factory and the timer
// scheduler, and drives the §4.C/§4.D state machines described in
// spec.md. It is grounded on the teacher's routing.Core: one struct
// wiring owned subsystems together.
type Core struct {
	Sender  Sender
	Handler RequestHandler

	registry  *Registry
	idFactory *IDFactory
	scheduler *Scheduler

	mu              sync.Mutex
	outboundHandler func(*Exchange, OutboundResult)
	eventHandler    func(*Exchange, string)
}

// NewCore creates a Core backed by the default RFC 7252 timing constants.
// sender and handler may be nil at construction time and set afterwards
// via Sender/Handler fields, mirroring how the teacher's Core is wired up
// incrementally by RegisterApplicationAgent/RegisterCLA before Close.
func NewCore(sender Sender, handler RequestHandler) *Core {
	c := &Core{
		Sender:    sender,
		Handler:   handler,
		idFactory: NewIDFactory(),
		scheduler: NewScheduler(),
	}
	c.registry = NewRegistry(ExchangeLifetime, c.onEvicted)
	return c
}

// SetOutboundHandler registers the callback invoked when an
// outbound-originated exchange reaches a terminal state (ACK'd,
// piggy-backed response, separate response, reset or timeout).
func (c *Core) SetOutboundHandler(fn func(*Exchange, OutboundResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outboundHandler = fn
}

func (c *Core) notifyOutbound(ex *Exchange, result OutboundResult) {
	c.mu.Lock()
	fn := c.outboundHandler
	c.mu.Unlock()
	if fn != nil {
		fn(ex, result)
	}
}

// SetEventHandler registers a callback invoked on every phase transition
// this exchange undergoes, labeled with a short event name ("empty-ack",
// "piggyback", "separate-response", "reset", "timeout", ...). The admin
// surface's live WebSocket feed is the only consumer; it is nil by
// default so the hot path pays nothing when no admin surface is attached.
func (c *Core) SetEventHandler(fn func(*Exchange, string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = fn
}

func (c *Core) emitEvent(ex *Exchange, label string) {
	c.mu.Lock()
	fn := c.eventHandler
	c.mu.Unlock()
	if fn != nil {
		fn(ex, label)
	}
}

func (c *Core) onEvicted(ex *Exchange) {
	log.WithFields(log.Fields{
		"remote": ex.Remote.String(),
		"mid":    ex.MID,
		"phase":  ex.Phase(),
	}).Debug("exchange evicted from registry")
}

// Registry exposes the exchange registry for the admin surface's
// introspection endpoints.
func (c *Core) Registry() *Registry { return c.registry }

// Close shuts down the registry's eviction timers, the ID factory's
// deallocation timers and the scheduler. None of the three can fail, so
// unlike cmd/coapd's daemon.Close (which does aggregate real shutdown
// errors with multierror) this has nothing to report.
func (c *Core) Close() error {
	c.scheduler.Stop()
	c.idFactory.Close()
	c.registry.Close()
	return nil
}

func isRequestCode(code coap.Code) bool {
	return code.Class() == 0 && code != coap.CodeEmpty
}

func isResponseCode(code coap.Code) bool {
	class := code.Class()
	return class == 2 || class == 4 || class == 5
}

func buildEmptyMessage(t coap.Type, mid uint16) *coap.Message {
	return &coap.Message{Type: t, Code: coap.CodeEmpty, MID: mid}
}
