package reliability

import (
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/insaneXs/nCoAP/pkg/coap"
)

// inboundCtx carries one decoded datagram through the incoming handler's
// processing steps.
type inboundCtx struct {
	core          *Core
	msg           *coap.Message
	remote        Endpoint
	unknownOption bool
}

// inboundStep is the continuation-passing step function this handler is
// built from, grounded on the teacher's pipelineFunc: each step returns
// the next step to run, or nil to stop.
type inboundStep func(*inboundCtx) inboundStep

// HandleInbound decodes a raw datagram and runs it through the §4.C
// incoming reliability state machine. A datagram whose header didn't even
// parse is dropped silently, with nothing to address a reply to; one
// whose header parsed but whose options or payload are invalid gets an
// RST carrying its MID, per RFC 7252 §4.2. Everything else enters the
// step chain below.
func (c *Core) HandleInbound(raw []byte, remote Endpoint) {
	msg, err := coap.Decode(raw)
	if err != nil {
		if _, malformed := err.(*coap.MalformedMessageError); malformed {
			if msg == nil {
				log.WithField("remote", remote.String()).WithError(err).Debug("dropped unparseable datagram")
				return
			}

			relErr := Wrap(KindMalformedMessage, "rejecting malformed message with RST", err)
			log.WithFields(log.Fields{"remote": remote.String(), "mid": msg.MID}).WithError(relErr).Debug("rejecting malformed message with RST")
			rst := buildEmptyMessage(coap.TypeRST, msg.MID)
			if sendErr := c.Sender.WriteTo(remote, rst); sendErr != nil {
				log.WithError(sendErr).Warn("failed to send RST for malformed message")
			}
			return
		}
	}

	ctx := &inboundCtx{core: c, msg: msg, remote: remote}
	if _, unknown := err.(*coap.UnknownCriticalOptionError); unknown {
		ctx.unknownOption = true
	}

	for step := inboundDispatchByType; step != nil; {
		step = step(ctx)
	}
}

// inboundDispatchByType routes by message type, per spec.md §4.C.2.
func inboundDispatchByType(ctx *inboundCtx) inboundStep {
	switch ctx.msg.Type {
	case coap.TypeACK, coap.TypeRST:
		return inboundResolveOutbound
	default:
		if isResponseCode(ctx.msg.Code) {
			return inboundSeparateResponse
		}
		return inboundRequest
	}
}

// inboundResolveOutbound handles ACK/RST arriving for an outbound CON
// this node sent, matched by (remote, mid).
func inboundResolveOutbound(ctx *inboundCtx) inboundStep {
	ctx.core.handleAckOrReset(ctx.msg, ctx.remote)
	return nil
}

// inboundSeparateResponse handles a response-coded message (always CON
// or NON, never ACK/RST, those are handled above) arriving for an
// outbound request, matched by (remote, token).
func inboundSeparateResponse(ctx *inboundCtx) inboundStep {
	ctx.core.handleSeparateResponse(ctx.msg, ctx.remote)
	return nil
}

// inboundRequest is the duplicate-filtered request path: every CON or
// NON that does not carry a response code, the empty code included.
func inboundRequest(ctx *inboundCtx) inboundStep {
	c, msg, remote := ctx.core, ctx.msg, ctx.remote

	ex := NewExchangeOfType(remote, msg.MID, msg.Token, OriginInbound, msg.Type)
	existing, inserted := c.registry.InsertIfAbsent(ex)

	if !inserted {
		if cached := existing.CachedResponse(); cached != nil {
			if sendErr := c.Sender.WriteTo(remote, cached); sendErr != nil {
				log.WithError(sendErr).Warn("failed to re-emit cached response to duplicate request")
			}
		}
		// Response not yet emitted: duplicate of an in-flight request,
		// dropped silently per spec.md §4.C.1.
		return nil
	}

	ex.setRequestPath(msg.Path())

	if ctx.unknownOption {
		relErr := New(KindUnknownCriticalOption, "unrecognized critical option")
		log.WithFields(log.Fields{"remote": remote.String(), "mid": msg.MID}).WithError(relErr).Debug("rejecting request with 4.02 Bad Option")
		c.respondDirect(ex, msg, remote, &coap.Message{Code: coap.CodeBadOption})
		return nil
	}

	if msg.Type == coap.TypeCON {
		mid := msg.MID
		c.scheduler.Schedule(emptyAckJobName(remote, mid), AckDelay, func() {
			c.fireEmptyAck(ex)
		})
	}

	if c.Handler == nil {
		c.respondDirect(ex, msg, remote, &coap.Message{Code: coap.CodeServiceUnavailable})
		return nil
	}

	c.Handler.Handle(msg, remote, func(resp *coap.Message) {
		c.resolveResponse(ex, msg, remote, resp)
	})
	return nil
}

func emptyAckJobName(remote Endpoint, mid uint16) string {
	return "ack:" + remote.String() + ":" + strconv.FormatUint(uint64(mid), 16)
}

// fireEmptyAck is the empty-ACK timer's callback. It only wins if the
// exchange is still unconfirmed; losing the race means the handler
// resolved first and already sent a piggy-backed response, per the
// atomic transition spec.md §5.2 calls the correctness lynchpin.
func (c *Core) fireEmptyAck(ex *Exchange) {
	if !ex.tryTransition(PhaseConfirmed, PhaseReceivedUnconfirmed) {
		return
	}

	c.emitEvent(ex, "empty-ack")

	ack := buildEmptyMessage(coap.TypeACK, ex.MID)
	if err := c.Sender.WriteTo(ex.Remote, ack); err != nil {
		log.WithError(err).Warn("failed to send empty ACK")
	}
}

// respondDirect is used for responses the core itself produces (unknown
// critical option, no handler registered) rather than ones a
// RequestHandler resolves. It still goes through the same §4.D
// classification as a handler-produced response.
func (c *Core) respondDirect(ex *Exchange, req *coap.Message, remote Endpoint, resp *coap.Message) {
	c.resolveResponse(ex, req, remote, resp)
}
