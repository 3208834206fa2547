package reliability

import "time"

// Timing and sizing constants from RFC 7252 §4.8. These are vars, not
// consts, so cmd/coapd's configuration can override them from its
// [constants] TOML block at startup.
var (
	AckTimeout       = 2 * time.Second
	AckRandomFactor  = 1.5
	MaxRetransmit    = 4
	NStart           = 1
	DefaultLeisure   = 5 * time.Second
	ExchangeLifetime = 247 * time.Second
	NonLifetime      = 145 * time.Second
	MaxTransmitSpan  = 45 * time.Second
	MaxTransmitWait  = 93 * time.Second

	// AckDelay bounds the wait before an empty ACK is emitted for an
	// unanswered confirmable request. Defaults to AckTimeout per spec.
	AckDelay = 2 * time.Second
)
