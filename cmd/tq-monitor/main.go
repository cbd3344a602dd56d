// Command tq-monitor is the gateway's peer watchdog: it listens for
// heartbeat datagrams from a running tq-gateway process and alerts (and
// optionally shells out to a restart hook) when the gateway goes quiet.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/tqfleet/gateway/pkg/monitor"
	"github.com/tqfleet/gateway/pkg/tq"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		if x, err := readEnv(pflag.Arg(0)); err == nil {
			e = x
		} else {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
	}

	var mc tq.MonitorConfig
	if err := mc.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(os.Stdout).Level(mc.LogLevel).With().Timestamp().Logger()
	if mc.LogStdoutPretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(mc.LogLevel).With().Timestamp().Logger()
	}

	cfg := monitor.Config{
		ListenAddr:     mc.ListenAddr,
		GracePeriod:    mc.GracePeriod,
		DegradedAfter:  mc.DegradedAfter,
		DownAfter:      mc.DownAfter,
		CooldownPeriod: mc.CooldownPeriod,
		PollInterval:   mc.PollInterval,
		RestartHook:    mc.RestartHook,
		RestartDelay:   mc.RestartDelay,
	}
	m := monitor.New(cfg, log, tq.NewLogNotifier(log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", mc.ListenAddr.String()).Msg("starting monitor")
	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run monitor: %v\n", err)
		os.Exit(1)
	}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
