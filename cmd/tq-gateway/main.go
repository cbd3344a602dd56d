// Command tq-gateway runs the TQ telemetry gateway: it accepts device TCP
// connections, decodes and filters position reports, and forwards survivors
// to the platform and any configured mirrors.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/spf13/pflag"

	"github.com/tqfleet/gateway/pkg/tq"
	"github.com/tqfleet/gateway/pkg/tq/codec"
)

var opt struct {
	Daemon bool
	Help   bool
}

func init() {
	pflag.BoolVarP(&opt.Daemon, "daemon", "d", false, "Run without the interactive console")
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
		if v, ok := os.LookupEnv("NOTIFY_SOCKET"); ok {
			e = append(e, "NOTIFY_SOCKET="+v)
		}
	}

	var c tq.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	s, err := tq.NewServer(&c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			s.HandleSIGHUP()
		}
	}()

	if !opt.Daemon {
		go runConsole(s)
	}

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run server: %v\n", err)
		os.Exit(1)
	}
}

// runConsole serves a small operator REPL on stdin for interactive
// deployments; it is skipped entirely when run with --daemon.
func runConsole(s *tq.Server) {
	sc := bufio.NewScanner(os.Stdin)
	fmt.Println("tq-gateway console: status, clients, checksum <frame>, quit")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "status":
			fmt.Println(s.Status())
		case "clients":
			for _, c := range s.Clients() {
				fmt.Println(c)
			}
		case "checksum":
			ok, err := codec.VerifyChecksum(rest)
			if err != nil {
				fmt.Println("error:", err)
			} else {
				fmt.Println("valid:", ok)
			}
		case "quit", "exit":
			return
		default:
			fmt.Println("unknown command:", cmd)
		}
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
