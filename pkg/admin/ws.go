package admin

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/insaneXs/nCoAP/pkg/reliability"
)

// hub fans exchange phase-transition events out to every connected
// WebSocket client, grounded on the teacher's WSAgent: an Upgrader plus
// a registry of connections guarded by its own mutex.
type hub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
}

func newHub() *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *hub) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("admin websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go h.drainReads(conn)
}

// drainReads discards client frames until the connection closes, then
// deregisters it. A CoAP admin client has nothing to send us, but the
// read loop is what notices a dropped connection.
func (h *hub) drainReads(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// eventView is the JSON frame pushed to every connected /events client
// as each exchange crosses a phase transition.
type eventView struct {
	Event    string `json:"event"`
	Exchange exchangeView `json:"exchange"`
}

// subscribe wires this hub as core's event handler, so every phase
// transition spec.md §5.2 names (empty-ack, piggyback, separate-response,
// acked, reset, timeout, ...) is pushed to connected clients as it
// happens, rather than polled.
func (h *hub) subscribe(core *reliability.Core) {
	core.SetEventHandler(func(ex *reliability.Exchange, event string) {
		payload, err := json.Marshal(eventView{Event: event, Exchange: viewOf(ex)})
		if err != nil {
			log.WithError(err).Warn("failed to marshal admin event")
			return
		}
		h.broadcast(payload)
	})
}

func (h *hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}
