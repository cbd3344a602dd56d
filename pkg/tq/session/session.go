// Package session runs the TCP ingress server: it accepts device
// connections, frames and decodes their traffic via codec, passes accepted
// fixes through the quality filter, forwards survivors to egress, and
// sweeps connections that have gone idle past the configured timeout.
package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/tqfleet/gateway/pkg/metricsx"
	"github.com/tqfleet/gateway/pkg/tq/codec"
	"github.com/tqfleet/gateway/pkg/tq/filter"
)

// readBufBytes is the fixed size of every ingress read. The wire protocol
// carries no length prefix; the gateway treats each read as one candidate
// frame, which holds because device firmware emits one frame per TCP
// segment in practice.
const readBufBytes = 1024

// Config controls the listener, idle sweep, and per-socket read timeout.
type Config struct {
	ListenAddr    netip.AddrPort
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	ReadTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:   10 * time.Minute,
		SweepInterval: 60 * time.Second,
		ReadTimeout:   300 * time.Second,
	}
}

// Notifier escalates conditions outside the hot path, such as the listening
// socket closing unexpectedly. Satisfied by tq.LogNotifier; tests may use a
// recording stub.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// LastKnown is the most recent accepted fix for a device, kept in memory
// only; the gateway carries no persistent store for it (see Non-goals).
type LastKnown struct {
	Report *codec.PositionReport
	At     time.Time
}

// Session is one device's live TCP connection.
type Session struct {
	ID       xid.ID
	Remote   net.Addr
	DeviceID codec.DeviceID

	conn net.Conn

	mu           sync.Mutex
	lastActivity time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// Sink is where decoded traffic goes: RPG frames for accepted reports, and
// the raw bytes of every ingress read regardless of outcome. egress.Fanout
// satisfies this; tests can substitute a fake.
type Sink interface {
	Send(frame string)
	Mirror(raw []byte)
}

// Manager owns the listener, every live Session, and the in-memory
// last-known-position table.
type Manager struct {
	cfg      Config
	log      zerolog.Logger
	decoder  *codec.Decoder
	filter   *filter.Filter
	sink     Sink
	notifier Notifier

	mu        sync.Mutex
	sessions  map[xid.ID]*Session
	lastKnown map[codec.DeviceID]LastKnown

	totalMessages *metrics.Counter
	accepted      *metrics.Counter
	rejected      *metrics.Counter
	registered    *metrics.Counter
	decodeErrs    *metrics.Counter
	activeGauge   *metrics.Gauge
	fixDensity    *metricsx.GeoCounter2
}

func NewManager(cfg Config, log zerolog.Logger, decoder *codec.Decoder, f *filter.Filter, sink Sink, notifier Notifier) *Manager {
	m := &Manager{
		cfg:           cfg,
		log:           log,
		decoder:       decoder,
		filter:        f,
		sink:          sink,
		notifier:      notifier,
		sessions:      make(map[xid.ID]*Session),
		lastKnown:     make(map[codec.DeviceID]LastKnown),
		totalMessages: metrics.GetOrCreateCounter(`tq_session_messages_total`),
		accepted:      metrics.GetOrCreateCounter(`tq_session_reports_total{outcome="accepted"}`),
		rejected:      metrics.GetOrCreateCounter(`tq_session_reports_total{outcome="rejected"}`),
		registered:    metrics.GetOrCreateCounter(`tq_session_registrations_total`),
		decodeErrs:    metrics.GetOrCreateCounter(`tq_session_decode_errors_total`),
		fixDensity:    metricsx.NewGeoCounter2(`tq_session_accepted_fix_density{}`),
	}
	m.activeGauge = metrics.GetOrCreateGauge(`tq_session_active`, func() float64 {
		m.mu.Lock()
		defer m.mu.Unlock()
		return float64(len(m.sessions))
	})
	return m
}

// TotalMessages returns the running count of frames read across every
// session, for heartbeat datagrams and /health (heartbeat.SessionCounter).
func (m *Manager) TotalMessages() uint64 {
	return uint64(m.totalMessages.Get())
}

// Run listens on cfg.ListenAddr, accepting connections until ctx is
// cancelled, and sweeps idle sessions on cfg.SweepInterval. If the listening
// socket is lost for any reason other than the context being cancelled
// (graceful shutdown), that is fatal: it is escalated through Notifier
// before the accept loop terminates.
func (m *Manager) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.TCPAddrFromAddrPort(m.cfg.ListenAddr).String())
	if err != nil {
		return fmt.Errorf("session: listen: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go m.sweepLoop(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if m.notifier != nil {
					m.notifier.Notify(context.Background(), "listening port closed")
				}
				return fmt.Errorf("session: accept: %w", err)
			}
		}
		go m.handleConn(ctx, conn)
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.idleSince(now) > m.cfg.IdleTimeout {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.log.Info().Str("session", s.ID.String()).Str("device", string(s.DeviceID)).Msg("closing idle session")
		s.conn.Close()
	}
}

func (m *Manager) handleConn(ctx context.Context, conn net.Conn) {
	sess := &Session{ID: xid.New(), Remote: conn.RemoteAddr(), conn: conn, lastActivity: time.Now()}
	log := m.log.With().Str("session", sess.ID.String()).Str("remote", conn.RemoteAddr().String()).Logger()

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	defer func() {
		conn.Close()
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
		log.Info().Str("device", string(sess.DeviceID)).Msg("session closed")
	}()

	log.Info().Msg("session opened")

	buf := make([]byte, readBufBytes)
	for {
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			now := time.Now()
			sess.touch(now)
			m.totalMessages.Inc()
			raw := append([]byte(nil), buf[:n]...)
			m.sink.Mirror(raw)
			m.process(log, sess, raw, now)
		}
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Msg("read error")
			}
			return
		}
	}
}

func (m *Manager) process(log zerolog.Logger, sess *Session, frame []byte, now time.Time) {
	if len(frame) == 0 {
		return
	}
	res := m.decoder.Decode(frame, now)
	switch res.Kind {
	case codec.KindRegistration:
		m.registered.Inc()
		log.Debug().Str("short_id", string(res.ShortID)).Msg("device registered")
	case codec.KindError:
		m.decodeErrs.Inc()
		log.Warn().Err(res.Err).Msg("frame decode failed")
	case codec.KindIgnore:
		log.Debug().Str("reason", res.Reason).Msg("frame ignored")
	case codec.KindFrame:
		sess.DeviceID = res.Report.DeviceID
		accept, reason, newSegment := m.filter.Evaluate(res.Report, now)
		if !accept {
			m.rejected.Inc()
			log.Debug().
				Str("reason", string(reason)).
				Bool("new_segment", newSegment).
				Str("device", string(res.Report.DeviceID)).
				Msg("report rejected")
			return
		}
		m.accepted.Inc()
		m.fixDensity.Inc(res.Report.Latitude, res.Report.Longitude)
		m.mu.Lock()
		m.lastKnown[res.Report.DeviceID] = LastKnown{Report: res.Report, At: now}
		m.mu.Unlock()

		m.sink.Send(codec.BuildRPG(res.Report))
	}
}

// LastKnownFor returns the most recent accepted fix for id, if any.
func (m *Manager) LastKnownFor(id codec.DeviceID) (LastKnown, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.lastKnown[id]
	return lk, ok
}

// ActiveSessions returns a snapshot of currently connected sessions.
func (m *Manager) ActiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ActiveCount satisfies heartbeat.SessionCounter.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// WriteFixDensityMetrics writes the accepted-fix geohash density counter in
// Prometheus text exposition format, alongside the VictoriaMetrics default
// registry exposed at /metrics.
func (m *Manager) WriteFixDensityMetrics(w io.Writer) {
	m.fixDensity.WritePrometheus(w)
}
