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

// MonitorConfig is the configuration for the standalone watchdog process,
// cmd/tq-monitor. It is a distinct type from Config because the monitor
// runs as a separate binary, usually on the same host, and speaks only
// UDP heartbeat and alerting.
type MonitorConfig struct {
	// The address to receive heartbeat datagrams from the gateway on.
	ListenAddr netip.AddrPort `env:"TQMON_LISTEN_ADDR=:9002"`

	// Time after the monitor starts before a missing heartbeat is treated
	// as an outage, giving the gateway time to come up first.
	GracePeriod time.Duration `env:"TQMON_GRACE_PERIOD=30s"`

	// No heartbeat for this long moves the state to degraded, then down.
	DegradedAfter time.Duration `env:"TQMON_DEGRADED_AFTER=20s"`
	DownAfter     time.Duration `env:"TQMON_DOWN_AFTER=300s"`

	// Minimum time between repeat alerts for the same ongoing outage.
	CooldownPeriod time.Duration `env:"TQMON_COOLDOWN_PERIOD=600s"`

	// How often the state machine re-evaluates elapsed time since the
	// last heartbeat.
	PollInterval time.Duration `env:"TQMON_POLL_INTERVAL=1s"`

	// Shell command run at most once per outage when the gateway goes
	// down. Empty disables the restart hook.
	RestartHook  string        `env:"TQMON_RESTART_HOOK"`
	RestartDelay time.Duration `env:"TQMON_RESTART_DELAY=0s"`

	// The minimum log level.
	LogLevel zerolog.Level `env:"TQMON_LOG_LEVEL=info"`

	// Whether to use pretty console logs.
	LogStdoutPretty bool `env:"TQMON_LOG_STDOUT_PRETTY=true"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, the
// same way Config.UnmarshalEnv does for the gateway process.
func (c *MonitorConfig) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "TQMON_") {
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

		key, val, _ := strings.Cut(env, "=")
		if v, exists := em[key]; exists {
			if v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
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
