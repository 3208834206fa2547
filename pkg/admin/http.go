// Package admin implements the read-only admin surface (spec.md §4.I):
// HTTP introspection of live exchanges and registered resources, plus a
// WebSocket feed streaming exchange phase transitions as they happen.
// This is operational tooling bound to its own address, entirely
// separate from the CoAP protocol surface and unreachable by CoAP
// clients.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/insaneXs/nCoAP/pkg/reliability"
	"github.com/insaneXs/nCoAP/pkg/resource"
)

// Surface is the admin HTTP+WebSocket server, grounded on the teacher's
// RestAgent: a gorilla/mux router embedded in a struct with HandleFunc
// routes registered at construction time.
type Surface struct {
	router     *mux.Router
	core       *reliability.Core
	dispatcher *resource.Dispatcher
	hub        *hub
}

// exchangeView is the JSON projection of a reliability.Exchange exposed
// by GET /exchanges: admin clients see phase and timing, not internal
// mutex state.
type exchangeView struct {
	Remote   string `json:"remote"`
	MID      uint16 `json:"mid"`
	Origin   string `json:"origin"`
	Phase    string `json:"phase"`
	Attempts int    `json:"attempts"`
	Path     string `json:"path,omitempty"`
}

// NewSurface creates an admin Surface over the given core and dispatcher.
func NewSurface(core *reliability.Core, dispatcher *resource.Dispatcher) *Surface {
	s := &Surface{
		router:     mux.NewRouter(),
		core:       core,
		dispatcher: dispatcher,
		hub:        newHub(),
	}

	s.router.HandleFunc("/exchanges", s.handleExchanges).Methods(http.MethodGet)
	s.router.HandleFunc("/resources", s.handleResources).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.hub.serveHTTP)

	s.hub.subscribe(core)

	return s
}

// ServeHTTP lets Surface be bound directly to a net/http.Server.
func (s *Surface) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Surface) handleExchanges(w http.ResponseWriter, _ *http.Request) {
	exchanges := s.core.Registry().Snapshot()
	views := make([]exchangeView, 0, len(exchanges))
	for _, ex := range exchanges {
		views = append(views, viewOf(ex))
	}

	if err := json.NewEncoder(w).Encode(views); err != nil {
		log.WithError(err).Warn("failed to write /exchanges response")
	}
}

func (s *Surface) handleResources(w http.ResponseWriter, _ *http.Request) {
	if err := json.NewEncoder(w).Encode(s.dispatcher.Paths()); err != nil {
		log.WithError(err).Warn("failed to write /resources response")
	}
}

func viewOf(ex *reliability.Exchange) exchangeView {
	origin := "inbound"
	if ex.Origin == reliability.OriginOutbound {
		origin = "outbound"
	}

	return exchangeView{
		Remote:   ex.Remote.String(),
		MID:      ex.MID,
		Origin:   origin,
		Phase:    ex.Phase().String(),
		Attempts: ex.Attempts(),
		Path:     ex.RequestPath(),
	}
}
