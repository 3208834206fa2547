// Package resource implements the webservice dispatcher (spec.md §4.F):
// the path-keyed registry of resources a CoAP server exposes, and the
// one-shot response promise a resource fulfills asynchronously.
package resource

import (
	"time"

	"github.com/insaneXs/nCoAP/pkg/coap"
	"github.com/insaneXs/nCoAP/pkg/reliability"
)

// ResourceState is the opaque state a Webservice's ETag is computed
// over: the resource's current internal state, not the payload it
// happens to serialize into a given response, per spec.md §3.
type ResourceState interface {
	Digest() []byte
}

// Webservice is the external contract a registered resource advertises,
// grounded on original_source's Webservice.java: a path, a freshness
// lifetime, current state for ETag computation, whether DELETE is
// permitted, and an asynchronous handler that must eventually resolve
// the promise it's handed exactly once.
type Webservice interface {
	// Path this resource is registered under, e.g. "/temperature".
	Path() string

	// MaxAge is the freshness lifetime advertised on successful
	// responses. Defaults conventionally to 60s if a resource has no
	// more specific notion of freshness.
	MaxAge() time.Duration

	// AllowsDelete reports whether a DELETE request should be routed to
	// Handle at all, or rejected with 4.05 by the dispatcher.
	AllowsDelete() bool

	// State returns the resource's current state for ETag computation.
	// May return nil if the resource has no meaningful ETag.
	State() ResourceState

	// Handle processes a decoded request and resolves promise exactly
	// once. Producing a response is mandatory; the dispatcher will not
	// retry on duplicates since the response is cached by the
	// reliability core (spec.md §4.C.3).
	Handle(req *coap.Message, remote reliability.Endpoint, promise *Promise)

	// Shutdown releases any resources held by this Webservice, called
	// when it is unregistered or the server shuts down.
	Shutdown()
}

// SamePath implements the path-only equality spec.md §9 calls for,
// deliberately dropping the Java original's hybrid comparison against
// both another Webservice and a bare path string.
func SamePath(a, b Webservice) bool {
	return a.Path() == b.Path()
}
