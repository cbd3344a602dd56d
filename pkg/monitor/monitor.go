// Package monitor implements the gateway's peer watchdog process: it
// consumes UDP heartbeat datagrams from a running gateway, tracks a
// Starting/Healthy/Degraded/Down state machine, and optionally alerts and
// shells out to a restart hook when the gateway goes quiet.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// State is a position in the watchdog's state machine.
type State int

const (
	StateStarting State = iota
	StateHealthy
	StateDegraded
	StateDown
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Notifier delivers an alert to whatever external channel the deployment
// wants (Telegram, SMTP, ...); those integrations live outside this
// package, which only decides when to call Notify.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Config tunes the state machine's timing.
type Config struct {
	ListenAddr     netip.AddrPort
	GracePeriod    time.Duration // time after start, with no heartbeat yet, before time since start is checked against DegradedAfter/DownAfter
	DegradedAfter  time.Duration // no heartbeat for this long -> Degraded
	DownAfter      time.Duration // no heartbeat for this long -> Down
	CooldownPeriod time.Duration // minimum time between repeat alerts
	PollInterval   time.Duration

	// RestartHook, if set, is a shell command run at most once per outage
	// when the state transitions into Down.
	RestartHook  string
	RestartDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:    30 * time.Second,
		DegradedAfter:  20 * time.Second,
		DownAfter:      300 * time.Second,
		CooldownPeriod: 600 * time.Second,
		PollInterval:   time.Second,
	}
}

// Snapshot is a point-in-time view of the watchdog's state, for the
// gateway's /health-equivalent introspection and for tests.
type Snapshot struct {
	State            State
	LastHeartbeat    time.Time
	HeartbeatCount   uint64
	StartedAt        time.Time
	RestartAttempted bool
}

// Monitor tracks liveness of a single gateway peer.
type Monitor struct {
	cfg      Config
	log      zerolog.Logger
	notifier Notifier

	mu               sync.Mutex
	state            State
	lastHeartbeat    time.Time
	heartbeatCount   uint64
	startedAt        time.Time
	alertSent        bool
	lastAlertTime    time.Time
	restartAttempted bool
	restartPID       int
}

func New(cfg Config, log zerolog.Logger, notifier Notifier) *Monitor {
	return &Monitor{cfg: cfg, log: log, notifier: notifier, state: StateStarting, startedAt: time.Now()}
}

// Run listens for heartbeat datagrams and polls the state machine until ctx
// is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(m.cfg.ListenAddr))
	if err != nil {
		return fmt.Errorf("monitor: listen: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go m.pollLoop(ctx)

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("monitor: read: %w", err)
			}
		}
		m.ProcessHeartbeat(ctx, time.Now(), buf[:n])
	}
}

// ProcessHeartbeat records a received heartbeat and, if the watchdog was
// Degraded or Down, logs recovery, resets the once-per-outage latches, and
// notifies exactly once that the gateway has recovered.
func (m *Monitor) ProcessHeartbeat(ctx context.Context, now time.Time, payload []byte) {
	var dg struct {
		ServerID string `json:"server_id"`
	}
	_ = json.Unmarshal(payload, &dg) // malformed payloads still count as liveness

	m.mu.Lock()
	wasDown := m.state == StateDown || m.state == StateDegraded
	m.lastHeartbeat = now
	m.heartbeatCount++
	m.state = StateHealthy

	if wasDown {
		m.alertSent = false
		m.restartAttempted = false
	}
	m.mu.Unlock()

	if wasDown {
		m.log.Info().Uint64("heartbeat_count", m.heartbeatCount).Msg("gateway recovered")
		if m.notifier != nil {
			if err := m.notifier.Notify(ctx, "gateway recovered"); err != nil {
				m.log.Error().Err(err).Msg("send recovery notification failed")
			}
		}
	}
}

func (m *Monitor) pollLoop(ctx context.Context) {
	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.checkTimeout(ctx, now)
		}
	}
}

// checkTimeout evaluates elapsed time since the last heartbeat (or since
// startup, if none has ever arrived) and drives state transitions, alerts,
// and the restart hook.
func (m *Monitor) checkTimeout(ctx context.Context, now time.Time) {
	m.mu.Lock()
	reference := m.lastHeartbeat
	if reference.IsZero() {
		reference = m.startedAt
		if now.Sub(m.startedAt) < m.cfg.GracePeriod {
			m.mu.Unlock()
			return
		}
	}
	elapsed := now.Sub(reference)

	var next State
	switch {
	case elapsed >= m.cfg.DownAfter:
		next = StateDown
	case elapsed >= m.cfg.DegradedAfter:
		next = StateDegraded
	default:
		next = StateHealthy
	}
	prev := m.state
	m.state = next

	shouldAlert := next != StateHealthy && (!m.alertSent || now.Sub(m.lastAlertTime) >= m.cfg.CooldownPeriod)
	if shouldAlert {
		m.alertSent = true
		m.lastAlertTime = now
	}
	shouldRestart := next == StateDown && m.cfg.RestartHook != "" && !m.restartAttempted && !m.restartProcessAlive()
	if shouldRestart {
		m.restartAttempted = true
	}
	m.mu.Unlock()

	if prev != next {
		m.log.Warn().Stringer("from", prev).Stringer("to", next).Dur("elapsed", elapsed).Msg("gateway state changed")
	}

	if shouldAlert && m.notifier != nil {
		msg := fmt.Sprintf("gateway %s: no heartbeat for %s", next, elapsed.Round(time.Second))
		if err := m.notifier.Notify(ctx, msg); err != nil {
			m.log.Error().Err(err).Msg("send alert failed")
		}
	}
	if shouldRestart {
		m.runRestartHook(ctx)
	}
}

// restartProcessAlive reports whether a previously spawned restart hook is
// still running, using a signal-0 liveness probe rather than tracking an
// *os.Process across the hook's own fork/exec.
func (m *Monitor) restartProcessAlive() bool {
	if m.restartPID == 0 {
		return false
	}
	return unix.Kill(m.restartPID, 0) == nil
}

func (m *Monitor) runRestartHook(ctx context.Context) {
	if m.cfg.RestartDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.RestartDelay):
		}
	}

	m.log.Warn().Str("hook", m.cfg.RestartHook).Msg("invoking restart hook")
	cmd := exec.CommandContext(ctx, "sh", "-c", m.cfg.RestartHook)
	if err := cmd.Start(); err != nil {
		m.log.Error().Err(err).Msg("restart hook failed to start")
		return
	}

	m.mu.Lock()
	m.restartPID = cmd.Process.Pid
	m.mu.Unlock()

	go func() {
		if err := cmd.Wait(); err != nil {
			m.log.Warn().Err(err).Msg("restart hook exited with error")
		}
	}()
}

// State returns a snapshot of the watchdog's current state.
func (m *Monitor) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:            m.state,
		LastHeartbeat:    m.lastHeartbeat,
		HeartbeatCount:   m.heartbeatCount,
		StartedAt:        m.startedAt,
		RestartAttempted: m.restartAttempted,
	}
}
