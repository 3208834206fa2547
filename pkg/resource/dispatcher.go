package resource

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/howeyc/crc16"
	log "github.com/sirupsen/logrus"

	"github.com/insaneXs/nCoAP/pkg/coap"
	"github.com/insaneXs/nCoAP/pkg/reliability"
)

// Dispatcher is the webservice dispatcher of spec.md §4.F: a path-keyed
// resource registry implementing reliability.RequestHandler, grounded on
// the teacher's MuxAgent registration/lookup shape (generalized from
// MuxAgent's endpoint-matching broadcast to an exact-path lookup, since
// a CoAP request has exactly one target resource rather than a bag of
// interested recipients).
type Dispatcher struct {
	mu       sync.RWMutex
	services map[string]Webservice
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{services: make(map[string]Webservice)}
}

// Register adds a Webservice under its own Path(). Registering a second
// Webservice at a path already in use replaces the first, then shuts
// the old one down.
func (d *Dispatcher) Register(ws Webservice) {
	d.mu.Lock()
	old, existed := d.services[ws.Path()]
	d.services[ws.Path()] = ws
	d.mu.Unlock()

	if existed {
		old.Shutdown()
	}
}

// Unregister removes and shuts down the Webservice at path, if any.
func (d *Dispatcher) Unregister(path string) {
	d.mu.Lock()
	ws, ok := d.services[path]
	delete(d.services, path)
	d.mu.Unlock()

	if ok {
		ws.Shutdown()
	}
}

// Paths returns every currently registered path, for the admin surface's
// GET /resources endpoint.
func (d *Dispatcher) Paths() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	paths := make([]string, 0, len(d.services))
	for path := range d.services {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Handle implements reliability.RequestHandler: route by path, reject
// disallowed methods, invoke the resource asynchronously and bound its
// wait with MaxTransmitSpan (spec.md §4.F).
func (d *Dispatcher) Handle(req *coap.Message, remote reliability.Endpoint, resolve func(*coap.Message)) {
	path := req.Path()

	d.mu.RLock()
	ws, ok := d.services[path]
	d.mu.RUnlock()

	if !ok {
		relErr := reliability.New(reliability.KindNoMatchingService, "no webservice registered at "+path)
		log.WithFields(log.Fields{"path": path, "remote": remote.String()}).WithError(relErr).Debug("rejecting request with 4.04 Not Found")
		resolve(&coap.Message{Code: coap.CodeNotFound})
		return
	}

	if req.Code == coap.CodeDELETE && !ws.AllowsDelete() {
		relErr := reliability.New(reliability.KindMethodNotAllowed, "DELETE not allowed on "+path)
		log.WithFields(log.Fields{"path": path, "remote": remote.String()}).WithError(relErr).Debug("rejecting request with 4.05 Method Not Allowed")
		resolve(&coap.Message{Code: coap.CodeMethodNotAllowed})
		return
	}

	promise := NewPromise()
	go ws.Handle(req, remote, promise)

	go func() {
		select {
		case <-promise.Done():
			resp := promise.Response()
			if resp == nil {
				relErr := reliability.New(reliability.KindHandlerFailed, "webservice resolved a nil response")
				log.WithFields(log.Fields{"path": path, "remote": remote.String()}).WithError(relErr).Warn("rejecting with 5.00 Internal Server Error")
				resp = &coap.Message{Code: coap.CodeInternalServerError}
			}
			attachMetadata(resp, ws)
			resolve(resp)

		case <-time.After(reliability.MaxTransmitSpan):
			relErr := reliability.New(reliability.KindHandlerFailed, "webservice did not resolve its response promise within MaxTransmitSpan")
			log.WithFields(log.Fields{
				"path":   path,
				"remote": remote.String(),
			}).WithError(relErr).Warn("rejecting with 5.03 Service Unavailable")
			resolve(&coap.Message{Code: coap.CodeServiceUnavailable})
		}
	}()
}

// attachMetadata adds the Max-Age and ETag options spec.md §4.F promises
// on every successful response, keeping the option list in the ascending
// order pkg/coap's codec requires.
func attachMetadata(resp *coap.Message, ws Webservice) {
	if resp.Code.Class() != 2 {
		return
	}

	maxAge := ws.MaxAge()
	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}
	resp.Options = append(resp.Options, coap.Option{
		Number: coap.OptionMaxAge,
		Value:  trimLeadingZeros(uint32ToBytes(uint32(maxAge.Seconds()))),
	})

	if state := ws.State(); state != nil {
		sum := crc16.ChecksumCCITT(state.Digest())
		etag := make([]byte, 2)
		binary.BigEndian.PutUint16(etag, sum)
		resp.Options = append(resp.Options, coap.Option{Number: coap.OptionETag, Value: etag})
	}

	sort.Slice(resp.Options, func(i, j int) bool {
		return resp.Options[i].Number < resp.Options[j].Number
	})
}

func uint32ToBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// trimLeadingZeros drops leading zero bytes, since CoAP integer options
// are encoded in the shortest possible representation.
func trimLeadingZeros(b []byte) []byte {
	i := 0
	for i < len(b)-1 && b[i] == 0 {
		i++
	}
	return b[i:]
}
