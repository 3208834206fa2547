package reliability

import (
	"math/rand"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/insaneXs/nCoAP/pkg/coap"
)

// resolveResponse classifies a response produced for an inbound request
// (spec.md §4.D) into piggy-backed ACK, separate CON, or late NON, and
// sends it. This is the "atomic markConfirmed transition" race described
// in spec.md §5.2: whichever of the empty-ACK timer or this call wins
// the tryTransition decides the outcome.
func (c *Core) resolveResponse(ex *Exchange, req *coap.Message, remote Endpoint, resp *coap.Message) {
	resp.Token = req.Token

	if ex.RequestType == coap.TypeNON {
		if !ex.tryTransition(PhaseResponded, PhaseReceivedUnconfirmed) {
			return
		}
		resp.Type = coap.TypeNON
		mid, err := c.idFactory.Allocate()
		if err != nil {
			log.WithError(err).Error("failed to allocate message ID for NON response")
			return
		}
		resp.MID = mid
		ex.setCachedResponse(resp)
		c.emitEvent(ex, "non-response")
		c.send(remote, resp)
		return
	}

	// The inbound entry is live only while the registry still holds it
	// under the request's (remote, mid).
	current, found := c.registry.FindByMID(remote, req.MID)
	live := found && current == ex

	if live && ex.tryTransition(PhaseResponded, PhaseReceivedUnconfirmed) {
		// Piggy-back: handler beat the empty-ACK timer.
		c.scheduler.Cancel(emptyAckJobName(remote, req.MID))

		resp.Type = coap.TypeACK
		resp.MID = req.MID
		ex.setCachedResponse(resp)
		c.emitEvent(ex, "piggyback")
		c.send(remote, resp)
		return
	}

	if live && ex.tryTransition(PhaseResponded, PhaseConfirmed) {
		// Separate response: empty ACK already went out for this
		// request. The final response travels as its own fresh CON,
		// tracked by a distinct outbound exchange for retransmission.
		mid, err := c.idFactory.Allocate()
		if err != nil {
			log.WithError(err).Error("failed to allocate message ID for separate response")
			return
		}

		resp.Type = coap.TypeCON
		resp.MID = mid
		ex.setCachedResponse(resp)

		separate := NewExchangeOfType(remote, mid, req.Token, OriginOutbound, coap.TypeCON)
		c.registry.InsertIfAbsent(separate)
		c.emitEvent(ex, "separate-response")
		c.armRetransmission(separate, resp)
		return
	}

	// Exchange already evicted (late response after EXCHANGE_LIFETIME):
	// emit as a fresh NON, best effort. A further resolve of an exchange
	// that was already answered also lands here and is sent the same way.
	resp.Type = coap.TypeNON
	mid, err := c.idFactory.Allocate()
	if err != nil {
		log.WithError(err).Error("failed to allocate message ID for late response")
		return
	}
	resp.MID = mid
	c.emitEvent(ex, "late-response")
	c.send(remote, resp)
}

func (c *Core) send(remote Endpoint, msg *coap.Message) {
	if err := c.Sender.WriteTo(remote, msg); err != nil {
		log.WithFields(log.Fields{"remote": remote.String(), "mid": msg.MID}).WithError(err).Warn("failed to send message")
	}
}

// SendRequest issues a new outbound request (spec.md §4.D "new outbound
// request" branch). The caller chooses CON vs NON via confirmable; a
// CON request is registered with the retransmission scheduler.
func (c *Core) SendRequest(msg *coap.Message, remote Endpoint, confirmable bool) (*Exchange, error) {
	mid, err := c.idFactory.Allocate()
	if err != nil {
		return nil, err
	}
	msg.MID = mid

	if confirmable {
		msg.Type = coap.TypeCON
	} else {
		msg.Type = coap.TypeNON
	}

	ex := NewExchangeOfType(remote, mid, msg.Token, OriginOutbound, msg.Type)
	c.registry.InsertIfAbsent(ex)

	if confirmable {
		c.armRetransmission(ex, msg)
	} else {
		c.send(remote, msg)
	}

	return ex, nil
}

// armRetransmission implements the §4.B state machine: initial send (if
// attempts is still zero) followed by up to MaxRetransmit retries with
// doubling timeouts off a randomized initial ACK_TIMEOUT.
func (c *Core) armRetransmission(ex *Exchange, msg *coap.Message) {
	epoch := ex.Epoch()

	if ex.Attempts() == 0 {
		ex.recordAttempt()
		c.send(ex.Remote, msg)
	}

	interval := randomizedAckTimeout()
	c.scheduleRetransmit(ex, msg, epoch, interval)
}

func randomizedAckTimeout() time.Duration {
	factor := 1.0 + rand.Float64()*(AckRandomFactor-1.0)
	return time.Duration(float64(AckTimeout) * factor)
}

func (c *Core) scheduleRetransmit(ex *Exchange, msg *coap.Message, epoch uint64, interval time.Duration) {
	name := "retransmit:" + ex.Remote.String() + ":" + strconv.FormatUint(uint64(ex.MID), 16)
	c.scheduler.Schedule(name, interval, func() {
		c.fireRetransmit(ex, msg, epoch, interval)
	})
}

func (c *Core) fireRetransmit(ex *Exchange, msg *coap.Message, epoch uint64, lastInterval time.Duration) {
	if ex.Epoch() != epoch || ex.Phase() != PhaseArmed {
		return
	}

	attempts := ex.Attempts()
	if attempts > MaxRetransmit {
		ex.transition(PhaseTimeout)
		c.emitEvent(ex, "timeout")
		c.notifyOutbound(ex, OutboundResult{Kind: KindCONTimeout})
		c.registry.Evict(ex)
		return
	}

	ex.recordAttempt()
	c.send(ex.Remote, msg)
	c.scheduleRetransmit(ex, msg, epoch, 2*lastInterval)
}

// handleAckOrReset resolves an inbound ACK or RST against the outbound
// exchange it matches by (remote, mid).
func (c *Core) handleAckOrReset(msg *coap.Message, remote Endpoint) {
	ex, ok := c.registry.FindByMID(remote, msg.MID)
	if !ok {
		return
	}

	c.scheduler.Cancel("retransmit:" + remote.String() + ":" + strconv.FormatUint(uint64(msg.MID), 16))

	if msg.Type == coap.TypeRST {
		if ex.tryTransition(PhaseReset, PhaseArmed, PhaseAwaitingSeparateResponse) {
			c.emitEvent(ex, "reset")
			c.notifyOutbound(ex, OutboundResult{Kind: KindPeerReset})
			c.registry.Evict(ex)
		}
		return
	}

	if msg.IsEmpty() {
		// Empty ACK to a request: a separate response is coming later,
		// already indexed by token since SendRequest registered it.
		if ex.tryTransition(PhaseAwaitingSeparateResponse, PhaseArmed) {
			c.emitEvent(ex, "awaiting-separate-response")
		}
		return
	}

	// Piggy-backed response.
	if ex.tryTransition(PhaseDone, PhaseArmed) {
		c.emitEvent(ex, "acked")
		c.notifyOutbound(ex, OutboundResult{Response: msg})
		c.registry.Evict(ex)
	}
}

// handleSeparateResponse resolves an inbound separate response (a CON
// or NON carrying a response code) against the outbound exchange it
// matches by (remote, token). A CON separate response is ACK'd.
func (c *Core) handleSeparateResponse(msg *coap.Message, remote Endpoint) {
	ex, ok := c.registry.FindByToken(remote, msg.Token)
	if ok && ex.tryTransition(PhaseDone, PhaseAwaitingSeparateResponse) {
		c.emitEvent(ex, "separate-response-received")
		c.notifyOutbound(ex, OutboundResult{Response: msg})
		c.registry.Evict(ex)
	}

	if msg.Type == coap.TypeCON {
		c.send(remote, buildEmptyMessage(coap.TypeACK, msg.MID))
	}
}
