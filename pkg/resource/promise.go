package resource

import (
	"sync"

	"github.com/insaneXs/nCoAP/pkg/coap"
)

// Promise is the one-shot settable response future spec.md §9 asks for:
// "the handler will resolve eventually" expressed as resolve(value)
// rather than a blocking call. Grounded on the teacher's single-direction
// message channels (pkg/agent), but collapsed to a single value since a
// promise is fulfilled exactly once by contract.
type Promise struct {
	once sync.Once
	done chan struct{}
	resp *coap.Message
}

// NewPromise creates an unresolved Promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolve fulfills the promise with resp. Only the first call has any
// effect; a Webservice calling Resolve twice is a bug the promise
// silently tolerates rather than panics on, since spec.md treats
// "producing a response is mandatory" as a contract the dispatcher
// relies on, not one it can enforce by itself.
func (p *Promise) Resolve(resp *coap.Message) {
	p.once.Do(func() {
		p.resp = resp
		close(p.done)
	})
}

// Done returns a channel that closes once the promise is resolved.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Response returns the resolved response, or nil before Done() closes.
func (p *Promise) Response() *coap.Message {
	return p.resp
}
