package heartbeat

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeCounter struct {
	active   int
	messages uint64
}

func (f fakeCounter) ActiveCount() int      { return f.active }
func (f fakeCounter) TotalMessages() uint64 { return f.messages }

func TestEmitterSendsDatagram(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	cfg := Config{MonitorAddr: conn.LocalAddr().String(), Interval: 10 * time.Millisecond, ServerID: "tq-gateway-1", Port: 9000}
	e := NewEmitter(cfg, zerolog.Nop(), fakeCounter{active: 3, messages: 42}, time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	defer cancel()

	buf := make([]byte, 1024)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}

	var dg Datagram
	if err := json.Unmarshal(buf[:n], &dg); err != nil {
		t.Fatalf("unmarshal datagram: %v", err)
	}
	if dg.Clients != 3 {
		t.Errorf("Clients = %d, want 3", dg.Clients)
	}
	if dg.Messages != 42 {
		t.Errorf("Messages = %d, want 42", dg.Messages)
	}
	if dg.ServerID != "tq-gateway-1" {
		t.Errorf("ServerID = %q, want tq-gateway-1", dg.ServerID)
	}
	if dg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", dg.Port)
	}
	if dg.Status != "ok" {
		t.Errorf("Status = %q, want ok", dg.Status)
	}
	if dg.UptimeSeconds <= 0 {
		t.Errorf("UptimeSeconds = %v, want positive", dg.UptimeSeconds)
	}
}

func TestHealthHandler(t *testing.T) {
	cfg := Config{ServerID: "tq-gateway-1", Port: 9000}
	h := Handler(cfg, time.Now().Add(-time.Minute), fakeCounter{active: 2, messages: 7})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got Datagram
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got.Status != "ok" {
		t.Errorf("Status = %q, want ok", got.Status)
	}
	if got.Clients != 2 {
		t.Errorf("Clients = %d, want 2", got.Clients)
	}
	if got.Messages != 7 {
		t.Errorf("Messages = %d, want 7", got.Messages)
	}
}

func TestHealthHandlerUnmatchedPathReturns404JSON(t *testing.T) {
	cfg := Config{ServerID: "tq-gateway-1", Port: 9000}
	h := Handler(cfg, time.Now(), fakeCounter{})
	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got["status"] != "not_found" {
		t.Errorf(`body status = %q, want "not_found"`, got["status"])
	}
}
