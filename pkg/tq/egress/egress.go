// Package egress fans reports out to two independent sinks: a UDP platform
// sink that gets the RPG-encoded bytes of each accepted report, and zero or
// more TCP mirrors that each get the exact, unmodified bytes of every
// ingress read regardless of decode or filter outcome. The two sinks have
// deliberately different lifecycles: the platform sink sends synchronously,
// best-effort, with no retry and no queue; each mirror dials, writes, and
// closes a fresh connection per buffer through a bounded, drop-oldest
// worker so a slow or dead mirror never backs up the session that produced
// the buffer.
package egress

import (
	"net"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
)

// Target is one TCP mirror destination.
type Target struct {
	Name string // label used in metrics and logs
	Addr string
}

// Config controls both sinks' timeouts and the mirror queue depth.
type Config struct {
	UDPAddr          string
	UDPTimeout       time.Duration
	MirrorTimeout    time.Duration
	MirrorQueueDepth int
}

func DefaultConfig() Config {
	return Config{
		UDPTimeout:       3 * time.Second,
		MirrorTimeout:    2 * time.Second,
		MirrorQueueDepth: 64,
	}
}

// Fanout owns the UDP platform sink and one worker per TCP mirror.
type Fanout struct {
	cfg     Config
	log     zerolog.Logger
	mirrors []*mirrorWorker

	udpSent *metrics.Counter
	udpErrs *metrics.Counter
}

func New(cfg Config, log zerolog.Logger, mirrors []Target) *Fanout {
	f := &Fanout{
		cfg:     cfg,
		log:     log,
		udpSent: metrics.GetOrCreateCounter(`tq_egress_udp_sent_total`),
		udpErrs: metrics.GetOrCreateCounter(`tq_egress_udp_errors_total`),
	}
	for _, t := range mirrors {
		f.mirrors = append(f.mirrors, newMirrorWorker(cfg, log.With().Str("mirror", t.Name).Logger(), t))
	}
	return f
}

// Run starts every mirror's worker goroutine and blocks until stop is
// closed. The UDP platform sink needs no background worker: Send dials,
// writes, and closes synchronously from the caller's own goroutine.
func (f *Fanout) Run(stop <-chan struct{}) {
	var wg sync.WaitGroup
	for _, w := range f.mirrors {
		wg.Add(1)
		go func(w *mirrorWorker) {
			defer wg.Done()
			w.run(stop)
		}(w)
	}
	wg.Wait()
}

// Send delivers frame, the RPG ASCII bytes of an accepted report, to the
// UDP platform sink. Best-effort: on dial or write failure it logs a
// warning and returns. There is no retry and no queue.
func (f *Fanout) Send(frame string) {
	if f.cfg.UDPAddr == "" {
		return
	}
	conn, err := net.DialTimeout("udp", f.cfg.UDPAddr, f.cfg.UDPTimeout)
	if err != nil {
		f.udpErrs.Inc()
		f.log.Warn().Err(err).Msg("udp dial failed, dropping frame")
		return
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(f.cfg.UDPTimeout))
	if _, err := conn.Write([]byte(frame)); err != nil {
		f.udpErrs.Inc()
		f.log.Warn().Err(err).Msg("udp write failed, dropping frame")
		return
	}
	f.udpSent.Inc()
}

// Mirror fans raw, unmodified ingress bytes out to every configured TCP
// mirror, to be called for every buffer a session reads, independent of
// whether it decoded or passed the quality filter. Never blocks: each
// mirror has its own bounded, drop-oldest queue.
func (f *Fanout) Mirror(raw []byte) {
	if len(f.mirrors) == 0 {
		return
	}
	buf := append([]byte(nil), raw...)
	for _, w := range f.mirrors {
		w.enqueue(buf)
	}
}

type mirrorWorker struct {
	cfg   Config
	log   zerolog.Logger
	t     Target
	queue chan []byte

	sent    *metrics.Counter
	dropped *metrics.Counter
	errs    *metrics.Counter
}

func newMirrorWorker(cfg Config, log zerolog.Logger, t Target) *mirrorWorker {
	labels := `{target="` + t.Name + `"}`
	return &mirrorWorker{
		cfg:     cfg,
		log:     log,
		t:       t,
		queue:   make(chan []byte, cfg.MirrorQueueDepth),
		sent:    metrics.GetOrCreateCounter(`tq_egress_mirror_sent_total` + labels),
		dropped: metrics.GetOrCreateCounter(`tq_egress_mirror_dropped_total` + labels),
		errs:    metrics.GetOrCreateCounter(`tq_egress_mirror_errors_total` + labels),
	}
}

func (w *mirrorWorker) enqueue(buf []byte) {
	for {
		select {
		case w.queue <- buf:
			return
		default:
			select {
			case <-w.queue:
				w.dropped.Inc()
			default:
			}
		}
	}
}

// run drains the queue, opening a fresh TCP connection per buffer, writing
// it, and closing. The mirror sink carries no persistent connection and no
// ordering guarantee across buffers from different sessions.
func (w *mirrorWorker) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case buf := <-w.queue:
			w.sendOnce(buf)
		}
	}
}

func (w *mirrorWorker) sendOnce(buf []byte) {
	conn, err := net.DialTimeout("tcp", w.t.Addr, w.cfg.MirrorTimeout)
	if err != nil {
		w.errs.Inc()
		w.log.Warn().Err(err).Msg("mirror dial failed, dropping buffer")
		return
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(w.cfg.MirrorTimeout))
	if _, err := conn.Write(buf); err != nil {
		w.errs.Inc()
		w.log.Warn().Err(err).Msg("mirror write failed, dropping buffer")
		return
	}
	w.sent.Inc()
}
