package admin

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/insaneXs/nCoAP/pkg/reliability"
)

func TestHubBroadcastsExchangeEvents(t *testing.T) {
	h := newHub()
	core := reliability.NewCore(nil, nil)
	defer core.Close()
	h.subscribe(core)

	router := mux.NewRouter()
	router.HandleFunc("/events", h.serveHTTP)
	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):] + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	// Give the server goroutine a moment to register the connection
	// before the triggering event fires.
	time.Sleep(50 * time.Millisecond)

	ex := reliability.NewExchangeOfType(reliability.Endpoint{IP: "192.0.2.1", Port: 5683}, 1, nil, reliability.OriginInbound, 0)
	core.Registry().InsertIfAbsent(ex)
	h.broadcast(mustMarshal(t, eventView{Event: "test", Exchange: viewOf(ex)}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read broadcast event: %v", err)
	}

	var got eventView
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if got.Event != "test" {
		t.Fatalf("expected event %q, got %q", "test", got.Event)
	}
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	return b
}
