// Package heartbeat sends periodic liveness datagrams to a monitor process
// over UDP and serves an HTTP /health endpoint describing the gateway's own
// view of its health. Both share one wire contract: the same stable field
// names regardless of transport.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Datagram is the wire payload sent to the monitor on every tick, and also
// the body served at GET /health as is; Status is "ok" in both.
// The field names are part of the gateway's observable contract and must
// not change independently of the monitor that consumes them.
type Datagram struct {
	Timestamp     time.Time `json:"timestamp"`
	ServerID      string    `json:"server_id"`
	Status        string    `json:"status"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Port          int       `json:"port"`
	Clients       int       `json:"clients"`
	Messages      uint64    `json:"messages"`
}

// Config controls the emitter's destination, cadence, and the identity it
// stamps on every datagram.
type Config struct {
	MonitorAddr string
	Interval    time.Duration
	ServerID    string
	Port        int
}

func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second}
}

// SessionCounter reports how many sessions are currently active and how
// many frames have been read in total, so each heartbeat datagram carries
// live counts without the emitter needing to know about session.Manager
// directly.
type SessionCounter interface {
	ActiveCount() int
	TotalMessages() uint64
}

// Emitter periodically sends a Datagram to Config.MonitorAddr over UDP.
type Emitter struct {
	cfg       Config
	log       zerolog.Logger
	sessions  SessionCounter
	startedAt time.Time
}

func NewEmitter(cfg Config, log zerolog.Logger, sessions SessionCounter, startedAt time.Time) *Emitter {
	return &Emitter{cfg: cfg, log: log, sessions: sessions, startedAt: startedAt}
}

// Run sends a heartbeat datagram every Config.Interval until ctx is
// cancelled.
func (e *Emitter) Run(ctx context.Context) error {
	if e.cfg.MonitorAddr == "" {
		<-ctx.Done()
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", e.cfg.MonitorAddr)
	if err != nil {
		return fmt.Errorf("heartbeat: resolve monitor addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("heartbeat: dial monitor: %w", err)
	}
	defer conn.Close()

	t := time.NewTicker(e.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.send(conn)
		}
	}
}

func (e *Emitter) datagram() Datagram {
	var clients int
	var messages uint64
	if e.sessions != nil {
		clients = e.sessions.ActiveCount()
		messages = e.sessions.TotalMessages()
	}
	return Datagram{
		Timestamp:     time.Now(),
		ServerID:      e.cfg.ServerID,
		Status:        "ok",
		UptimeSeconds: time.Since(e.startedAt).Seconds(),
		Port:          e.cfg.Port,
		Clients:       clients,
		Messages:      messages,
	}
}

func (e *Emitter) send(conn *net.UDPConn) {
	b, err := json.Marshal(e.datagram())
	if err != nil {
		e.log.Error().Err(err).Msg("marshal heartbeat datagram")
		return
	}
	if _, err := conn.Write(b); err != nil {
		e.log.Warn().Err(err).Msg("send heartbeat datagram")
	}
}

// Handler returns an http.HandlerFunc for GET /health. Requests for any
// other path get a 404 with a JSON body, matching the spec's contract that
// every response out of this server is JSON, never Go's default plain-text
// 404 page.
func Handler(cfg Config, startedAt time.Time, sessions SessionCounter) http.HandlerFunc {
	e := &Emitter{cfg: cfg, sessions: sessions, startedAt: startedAt}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			NotFoundHandler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(e.datagram())
	}
}

// NotFoundHandler writes the JSON 404 body the spec requires for any
// unmatched path on the health/metrics HTTP server.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{"status": "not_found"})
}
