// Package tq runs the TQ telemetry gateway: TCP ingress, frame decoding,
// quality filtering, and fan-out to the platform and any TCP mirrors.
package tq

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the configuration for the gateway. The env struct tag
// contains the environment variable name and the default value if missing,
// or empty (if not ?=). All string arrays are comma-separated.
type Config struct {
	// The address to accept device TCP connections on.
	ListenAddr netip.AddrPort `env:"TQ_LISTEN_ADDR=:9000"`

	// How long a TCP session may go without a frame before it is swept.
	SessionIdleTimeout time.Duration `env:"TQ_SESSION_IDLE_TIMEOUT=600s"`

	// How often the idle sweep runs.
	SessionSweepInterval time.Duration `env:"TQ_SESSION_SWEEP_INTERVAL=60s"`

	// Whether the fleet operates south of the equator; the wire format
	// carries no sign bit for latitude, so this must be stated explicitly.
	SouthernHemisphere bool `env:"TQ_SOUTHERN_HEMISPHERE=true"`

	// Whether the fleet operates west of the Greenwich meridian; same
	// caveat as SouthernHemisphere, but for longitude.
	WesternHemisphere bool `env:"TQ_WESTERN_HEMISPHERE=true"`

	// The fastest a vehicle can plausibly move, in km/h; faster implied
	// speed between two fixes from the same device is rejected as a jump.
	FilterMaxSpeedKmh int `env:"TQ_FILTER_MAX_SPEED_KMH=200"`

	// Identifies this gateway instance in heartbeat datagrams and /health
	// responses, so a monitor watching several gateways can tell them apart.
	ServerID string `env:"TQ_SERVER_ID=tq-gateway"`

	// The platform's UDP ingest address, a single host:port. If empty,
	// nothing is sent to the platform.
	EgressUDPAddr string `env:"TQ_EGRESS_UDP_ADDR"`

	// Comma-separated host:port list of TCP mirrors that receive the raw
	// bytes of every ingress read, whether or not it decoded or was accepted.
	EgressTCPMirrors []string `env:"TQ_EGRESS_TCP_MIRRORS"`

	// The UDP address to send heartbeat datagrams to. If empty, heartbeat
	// emission is disabled.
	HeartbeatMonitorAddr string `env:"TQ_HEARTBEAT_MONITOR_ADDR"`

	// How often to emit a heartbeat datagram.
	HeartbeatInterval time.Duration `env:"TQ_HEARTBEAT_INTERVAL=10s"`

	// The address to serve /health and /metrics on.
	HTTPAddr netip.AddrPort `env:"TQ_HTTP_ADDR=:9001"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"TQ_LOG_LEVEL=info"`

	// Whether to log to stdout.
	LogStdout bool `env:"TQ_LOG_STDOUT=true"`

	// Whether to use pretty logs.
	LogStdoutPretty bool `env:"TQ_LOG_STDOUT_PRETTY=true"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"TQ_LOG_STDOUT_LEVEL=trace"`

	// The directory to write daily append-only device traffic logs to. If
	// empty, the daily log sink is disabled.
	LogDailyDir string `env:"TQ_LOG_DAILY_DIR=logs"`

	// The minimum log level for the daily log sink.
	LogDailyLevel zerolog.Level `env:"TQ_LOG_DAILY_LEVEL=debug"`

	// For sd-notify.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate. If incremental is true, default values
// will not be set for missing env vars, but only for empty ones.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "TQ_") || strings.HasPrefix(e, "NOTIFY_SOCKET=") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else if v, err1 := netip.ParseAddrPort("[::]" + val); val[0] == ':' && err1 == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
