package session

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tqfleet/gateway/pkg/tq/codec"
	"github.com/tqfleet/gateway/pkg/tq/filter"
)

type fakeSink struct {
	mu     sync.Mutex
	frames []string
	mirror [][]byte
}

func (f *fakeSink) Send(frame string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *fakeSink) Mirror(raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mirror = append(f.mirror, append([]byte(nil), raw...))
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeSink) mirrorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mirror)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func newTestManager(t *testing.T, sink Sink) (*Manager, netip.AddrPort) {
	t.Helper()
	addr := netip.MustParseAddrPort("127.0.0.1:0")
	cfg := DefaultConfig()
	cfg.ListenAddr = addr
	cfg.SweepInterval = time.Hour

	decoder := codec.NewDecoder(codec.Config{SouthernHemisphere: true, WesternHemisphere: true})
	f := filter.New(filter.DefaultConfig())
	m := NewManager(cfg, zerolog.Nop(), decoder, f, sink, &fakeNotifier{})
	return m, addr
}

func TestAcceptedFrameReachesSink(t *testing.T) {
	sink := &fakeSink{}
	m, _ := newTestManager(t, sink)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go m.handleConn(ctx, conn)
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	frame := "24207666813317442103092534391355060583202802002297ffffdfff00001c6a00000000000000df54000009\n"
	if _, err := conn.Write([]byte(frame)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.count() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d frames, want 1", sink.count())
	}
	if got := sink.frames[0]; !strings.HasPrefix(got, ">RGP") {
		t.Errorf("sink frame = %q, want RPG envelope", got)
	}
	if sink.mirrorCount() != 1 {
		t.Fatalf("sink mirrored %d buffers, want 1 (every ingress read, regardless of outcome)", sink.mirrorCount())
	}

	lk, ok := m.LastKnownFor("2076668133")
	if !ok {
		t.Fatalf("LastKnownFor did not find device")
	}
	if lk.Report.ShortID != "68133" {
		t.Errorf("LastKnown ShortID = %q, want 68133", lk.Report.ShortID)
	}
}

func TestSweepClosesIdleSessions(t *testing.T) {
	sink := &fakeSink{}
	m, _ := newTestManager(t, sink)
	m.cfg.IdleTimeout = time.Millisecond

	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.handleConn(ctx, server)

	time.Sleep(5 * time.Millisecond)
	m.sweep(time.Now())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(m.ActiveSessions()) != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(m.ActiveSessions()); n != 0 {
		t.Fatalf("ActiveSessions() = %d, want 0 after sweep", n)
	}
}
