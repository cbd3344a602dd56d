package tq

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/tqfleet/gateway/pkg/tq/codec"
	"github.com/tqfleet/gateway/pkg/tq/egress"
	"github.com/tqfleet/gateway/pkg/tq/filter"
	"github.com/tqfleet/gateway/pkg/tq/heartbeat"
	"github.com/tqfleet/gateway/pkg/tq/session"
)

// Server owns every long-lived gateway component: the TCP session
// manager, the egress fan-out, the heartbeat emitter, and the /health and
// /metrics HTTP endpoints.
type Server struct {
	Logger zerolog.Logger

	cfg      *Config
	sessions *session.Manager
	egress   *egress.Fanout
	emitter  *heartbeat.Emitter
	notifier *LogNotifier
	httpAddr string

	startedAt time.Time
	closed    bool
}

// NewServer configures a new Server using c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv).
func NewServer(c *Config) (*Server, error) {
	log, err := configureLogging(c)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	var s Server
	s.Logger = log
	s.cfg = c
	s.startedAt = time.Now()
	s.httpAddr = net.TCPAddrFromAddrPort(c.HTTPAddr).String()

	egressCfg := egress.DefaultConfig()
	egressCfg.UDPAddr = c.EgressUDPAddr
	var mirrors []egress.Target
	for i, addr := range c.EgressTCPMirrors {
		if addr == "" {
			continue
		}
		mirrors = append(mirrors, egress.Target{Name: fmt.Sprintf("mirror%d", i), Addr: addr})
	}
	s.egress = egress.New(egressCfg, log.With().Str("component", "egress").Logger(), mirrors)

	s.notifier = NewLogNotifier(log.With().Str("component", "notifier").Logger())

	decoder := codec.NewDecoder(codec.Config{
		SouthernHemisphere: c.SouthernHemisphere,
		WesternHemisphere:  c.WesternHemisphere,
	})

	filterCfg := filter.DefaultConfig()
	if c.FilterMaxSpeedKmh > 0 {
		filterCfg.MaxSpeedKmh = float64(c.FilterMaxSpeedKmh)
	}
	qf := filter.New(filterCfg)

	sessCfg := session.DefaultConfig()
	sessCfg.ListenAddr = c.ListenAddr
	sessCfg.IdleTimeout = c.SessionIdleTimeout
	sessCfg.SweepInterval = c.SessionSweepInterval
	s.sessions = session.NewManager(sessCfg, log.With().Str("component", "session").Logger(), decoder, qf, s.egress, s.notifier)

	hbCfg := heartbeat.DefaultConfig()
	hbCfg.MonitorAddr = c.HeartbeatMonitorAddr
	hbCfg.ServerID = c.ServerID
	hbCfg.Port = int(c.ListenAddr.Port())
	if c.HeartbeatInterval > 0 {
		hbCfg.Interval = c.HeartbeatInterval
	}
	s.emitter = heartbeat.NewEmitter(hbCfg, log.With().Str("component", "heartbeat").Logger(), s.sessions, s.startedAt)

	return &s, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. On cancellation it sends "service stopped" and shuts the
// HTTP server down gracefully; on a component failure it returns that error
// at once, without that shutdown.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return http.ErrServerClosed
	}

	errch := make(chan error, 4)

	go func() {
		errch <- s.sessions.Run(ctx)
	}()
	go func() {
		stop := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(stop)
		}()
		s.egress.Run(stop)
		errch <- nil
	}()
	go func() {
		errch <- s.emitter.Run(ctx)
	}()

	healthCfg := heartbeat.Config{ServerID: s.cfg.ServerID, Port: int(s.cfg.ListenAddr.Port())}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", heartbeat.Handler(healthCfg, s.startedAt, s.sessions))
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
		s.sessions.WriteFixDensityMetrics(w)
	})
	mux.HandleFunc("/", heartbeat.NotFoundHandler)

	var m middlewares
	m.Add(hlog.NewHandler(s.Logger.With().Str("component", "http").Logger()))
	m.Add(hlog.RequestIDHandler("rid", ""))
	m.Add(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		e := hlog.FromRequest(r).Debug()
		if rid, ok := hlog.IDFromRequest(r); ok {
			e = e.Stringer("rid", rid)
		}
		e.Str("method", r.Method).Stringer("uri", r.URL).Int("status", status).Int("size", size).Dur("duration", duration).Msg("handled request")
	}))
	httpSrv := &http.Server{Addr: s.httpAddr, Handler: m.Then(mux)}
	go func() {
		s.Logger.Info().Str("addr", s.httpAddr).Msg("starting health/metrics server")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errch <- fmt.Errorf("http: %w", err)
		}
	}()

	s.Logger.Info().Str("addr", s.httpAddr).Msg("gateway started")
	go s.sdnotify("READY=1")

	select {
	case <-ctx.Done():
	case err := <-errch:
		if err != nil {
			s.Logger.Err(err).Msg("component failed")
			return err
		}
	}

	s.closed = true
	s.Logger.Info().Msg("shutting down")
	go s.sdnotify("STOPPING=1")
	if s.notifier != nil {
		s.notifier.Notify(context.Background(), "service stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		httpSrv.Shutdown(shutdownCtx)
	}()
	wg.Wait()

	return nil
}

// HandleSIGHUP logs that a reload was requested. It does not reopen log
// sinks or reload any configuration.
func (s *Server) HandleSIGHUP() {
	s.Logger.Info().Msg("reload requested (SIGHUP)")
}

// Status returns a short human-readable status line for the gateway CLI's
// "status" REPL command.
func (s *Server) Status() string {
	active := s.sessions.ActiveCount()
	return fmt.Sprintf("uptime=%s active_sessions=%d", time.Since(s.startedAt).Round(time.Second), active)
}

// Clients lists currently connected device sessions for the "clients" REPL
// command.
func (s *Server) Clients() []string {
	var out []string
	for _, sess := range s.sessions.ActiveSessions() {
		out = append(out, fmt.Sprintf("%s device=%s remote=%s", sess.ID, sess.DeviceID, sess.Remote))
	}
	return out
}

func (s *Server) sdnotify(state string) {
	if s.cfg.NotifySocket == "" {
		return
	}
	conn, err := net.Dial("unixgram", s.cfg.NotifySocket)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(strings.TrimSpace(state)))
}
