package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/taintguard/internal/alerts"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func alertEvent(address string, sev alerts.Severity) *alerts.Event {
	return &alerts.Event{
		Type:      alerts.EventAlertRaised,
		Timestamp: time.Now(),
		Data:      &alerts.Alert{ID: "alrt_1", Detector: "VELOCITY", Severity: sev, Address: address},
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true, Addresses: []string{"nobody"}}}

	if !h.shouldSend(client, alertEvent("thief", alerts.SeverityLow)) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		EventTypes: []alerts.EventType{alerts.EventAlertRaised, alerts.EventAddressFlagged},
	}}

	if !h.shouldSend(client, alertEvent("thief", alerts.SeverityHigh)) {
		t.Error("should receive alert.raised")
	}
	if !h.shouldSend(client, &alerts.Event{Type: alerts.EventAddressFlagged, Data: &alerts.Flag{Address: "thief"}}) {
		t.Error("should receive address.flagged")
	}
	if h.shouldSend(client, &alerts.Event{Type: alerts.EventReversalExecuted}) {
		t.Error("should NOT receive reversal.executed")
	}
}

func TestShouldSend_AddressFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{Addresses: []string{"thief"}}}

	if !h.shouldSend(client, alertEvent("thief", alerts.SeverityLow)) {
		t.Error("should match the alert address")
	}
	if h.shouldSend(client, alertEvent("bystander", alerts.SeverityLow)) {
		t.Error("should NOT match unrelated addresses")
	}
	if !h.shouldSend(client, &alerts.Event{Type: alerts.EventAddressFlagged, Data: &alerts.Flag{Address: "thief"}}) {
		t.Error("should match the flagged address")
	}
	// Events that name no address pass through.
	if !h.shouldSend(client, &alerts.Event{Type: alerts.EventPoolLowBalance, Data: "0.5"}) {
		t.Error("address-less events should pass the address filter")
	}
}

func TestShouldSend_MinSeverity(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{MinSeverity: alerts.SeverityHigh}}

	if h.shouldSend(client, alertEvent("x", alerts.SeverityMedium)) {
		t.Error("MEDIUM is below HIGH")
	}
	if !h.shouldSend(client, alertEvent("x", alerts.SeverityCritical)) {
		t.Error("CRITICAL is above HIGH")
	}
	if !h.shouldSend(client, &alerts.Event{Type: alerts.EventReportSubmitted}) {
		t.Error("severity only filters alerts")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, alertEvent("x", alerts.SeverityLow)) {
		t.Error("empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	if stats.ConnectedClients != 0 || stats.TotalEvents != 0 {
		t.Errorf("unexpected initial stats: %+v", stats)
	}
}

func TestHub_DeliverAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	if err := h.Deliver(ctx, *alertEvent("x", alerts.SeverityLow)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for h.Stats().TotalEvents != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.Stats().TotalEvents; got != 1 {
		t.Errorf("expected 1 total event, got %d", got)
	}
}

type privateReport struct {
	Address string `json:"address"`
	Email   string `json:"email,omitempty"`
}

func (p *privateReport) SubjectAddress() string { return p.Address }

func (p *privateReport) Redact() any { return &privateReport{Address: p.Address} }

func TestHub_DeliverRedacts(t *testing.T) {
	h := testHub()
	ev := alerts.Event{
		Type: alerts.EventReportSubmitted,
		Data: &privateReport{Address: "victim", Email: "v@example.com"},
	}
	if err := h.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	queued := <-h.broadcast
	payload, err := json.Marshal(queued)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(payload), "v@example.com") {
		t.Errorf("payload leaked email: %s", payload)
	}
	if addr, ok := eventAddress(queued); !ok || addr != "victim" {
		t.Errorf("expected subject address victim, got %q", addr)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: Subscription{AllEvents: true}}
	h.register <- client
	h.unregister <- client
	// The loop handles messages in order, so one more register proves the
	// unregister was processed.
	other := &Client{hub: h, send: make(chan []byte, sendBuffer)}
	h.register <- other
	time.Sleep(20 * time.Millisecond)

	stats := h.Stats()
	if stats.ConnectedClients != 1 {
		t.Errorf("expected 1 connected client, got %d", stats.ConnectedClients)
	}
	if stats.TotalClients != 2 {
		t.Errorf("expected 2 total clients, got %d", stats.TotalClients)
	}
	if _, ok := <-client.send; ok {
		t.Error("unregistered client's send channel should be closed")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{EventTypes: []alerts.EventType{alerts.EventAddressFlagged}},
	}
	h.register <- client

	h.Broadcast(alertEvent("x", alerts.SeverityCritical))
	h.Broadcast(&alerts.Event{Type: alerts.EventAddressFlagged, Data: &alerts.Flag{Address: "x"}})

	select {
	case msg := <-client.send:
		var got struct {
			Type alerts.EventType `json:"type"`
		}
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if got.Type != alerts.EventAddressFlagged {
			t.Errorf("expected address.flagged first, got %s", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("client should receive the flag event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws/alerts", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown, got %d", w.Code)
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Subscription{Addresses: []string{"thief"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Wait for the subscription to be applied.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Stats().ConnectedClients == 1 && subscribed(h, "thief") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Broadcast(alertEvent("bystander", alerts.SeverityCritical))
	h.Broadcast(alertEvent("thief", alerts.SeverityCritical))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type alerts.EventType `json:"type"`
		Data alerts.Alert     `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Data.Address != "thief" {
		t.Errorf("expected the thief alert, got %q", ev.Data.Address)
	}
}

func subscribed(h *Hub, addr string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.RLock()
		ok := len(c.sub.Addresses) == 1 && c.sub.Addresses[0] == addr
		c.mu.RUnlock()
		if ok {
			return true
		}
	}
	return false
}
