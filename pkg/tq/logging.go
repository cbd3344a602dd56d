package tq

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// middlewares is a chainable list of http.Handler wrappers, applied
// outermost-first in Then.
type middlewares []func(http.Handler) http.Handler

func (ms *middlewares) Add(m func(http.Handler) http.Handler) *middlewares {
	*ms = append(*ms, m)
	return ms
}

func (ms *middlewares) Then(h http.Handler) http.Handler {
	for i := len(*ms) - 1; i >= 0; i-- {
		h = (*ms)[i](h)
	}
	return h
}

// zerologWriterLevel wraps an io.Writer with a minimum zerolog.Level,
// filtering out events below it before they reach w.
type zerologWriterLevel struct {
	w io.Writer
	l zerolog.Level
	m sync.Mutex
}

var _ zerolog.LevelWriter = (*zerologWriterLevel)(nil)

func newZerologWriterLevel(w io.Writer, l zerolog.Level) *zerologWriterLevel {
	return &zerologWriterLevel{w: w, l: l}
}

func (wl *zerologWriterLevel) Write(p []byte) (n int, err error) {
	wl.m.Lock()
	defer wl.m.Unlock()
	if wl.w != nil {
		return wl.w.Write(p)
	}
	return len(p), nil
}

func (wl *zerologWriterLevel) WriteLevel(l zerolog.Level, p []byte) (n int, err error) {
	if l >= wl.l {
		wl.m.Lock()
		defer wl.m.Unlock()
		if wl.w != nil {
			if lw, ok := wl.w.(zerolog.LevelWriter); ok {
				return lw.WriteLevel(l, p)
			}
			return wl.w.Write(p)
		}
	}
	return len(p), nil
}

func (wl *zerologWriterLevel) SwapWriter(fn func(io.Writer) io.Writer) {
	wl.m.Lock()
	defer wl.m.Unlock()
	wl.w = fn(wl.w)
}

// dailyLogWriter appends every Write to dir/LOG_DDMMYY.txt, opening a new
// file the first time a write crosses midnight. It is handed to zerolog as
// one more writer in a MultiLevelWriter, so device traffic lands both in
// the structured log stream and in the plain-text daily files expected by
// downstream log tooling.
type dailyLogWriter struct {
	dir string

	mu      sync.Mutex
	day     string
	file    *os.File
}

func newDailyLogWriter(dir string) *dailyLogWriter {
	return &dailyLogWriter{dir: dir}
}

func (d *dailyLogWriter) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := time.Now().Format("020106")
	if day != d.day || d.file == nil {
		if err := os.MkdirAll(d.dir, 0o755); err != nil {
			return 0, fmt.Errorf("dailylog: mkdir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(d.dir, "LOG_"+day+".txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, fmt.Errorf("dailylog: open: %w", err)
		}
		if d.file != nil {
			d.file.Close()
		}
		d.file = f
		d.day = day
	}
	return d.file.Write(p)
}

// configureLogging builds the gateway's root logger from stdout and daily
// file sinks, each independently leveled, mirroring the teacher's
// configureLogging in spirit: a MultiLevelWriter feeding zerolog, not a
// hand-rolled fmt.Sprintf log line per sink.
func configureLogging(cfg *Config) (zerolog.Logger, error) {
	var writers []io.Writer

	if cfg.LogStdout {
		var w io.Writer = os.Stdout
		if cfg.LogStdoutPretty {
			w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		}
		writers = append(writers, newZerologWriterLevel(w, cfg.LogStdoutLevel))
	}

	if cfg.LogDailyDir != "" {
		writers = append(writers, newZerologWriterLevel(newDailyLogWriter(cfg.LogDailyDir), cfg.LogDailyLevel))
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = io.Discard
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(w).Level(cfg.LogLevel).With().Timestamp().Logger(), nil
}
