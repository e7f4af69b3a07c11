package heartbeat

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/lifeline/internal/liveness"
	"github.com/danmuck/lifeline/internal/testutil/testlog"
	"github.com/danmuck/lifeline/internal/transport"
)

func TestDefaultConfigTargetsWellKnownPorts(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	want := map[PeerID]string{
		PeerControl: "127.0.0.1:2013",
		PeerWorker:  "127.0.0.1:2014",
	}
	for _, p := range cfg.Peers {
		if p.Transport.RemoteAddr != want[p.ID] {
			t.Fatalf("peer %s remote=%q want %q", p.ID, p.Transport.RemoteAddr, want[p.ID])
		}
		if p.TimeoutThreshold != DefaultSendInterval+DefaultBufferMargin {
			t.Fatalf("peer %s timeout=%s", p.ID, p.TimeoutThreshold)
		}
		if p.InitialGrace != DefaultInitialGrace {
			t.Fatalf("peer %s grace=%s", p.ID, p.InitialGrace)
		}
		if p.Transport.IOTimeout != p.TimeoutThreshold {
			t.Fatalf("peer %s io timeout=%s", p.ID, p.Transport.IOTimeout)
		}
	}
}

func TestPeerConfigKeepsExplicitTimeout(t *testing.T) {
	testlog.Start(t)
	p := PeerConfig{
		ID:               "x",
		SendInterval:     time.Second,
		TimeoutThreshold: 4 * time.Second,
		BufferMargin:     time.Second,
		Transport:        transport.Config{RemoteAddr: "127.0.0.1:1"},
	}.WithDefaults()
	if p.TimeoutThreshold != 4*time.Second {
		t.Fatalf("explicit timeout overwritten: %s", p.TimeoutThreshold)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	testlog.Start(t)
	good := DefaultPeerConfig("a", 1)

	if err := (Config{}).Validate(); !errors.Is(err, ErrNoPeers) {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
	if err := (Config{Peers: []PeerConfig{good, good}}).Validate(); !errors.Is(err, ErrDuplicatePeer) {
		t.Fatalf("expected ErrDuplicatePeer, got %v", err)
	}
	bad := good
	bad.TimeoutThreshold = bad.SendInterval / 2
	if err := (Config{Peers: []PeerConfig{bad}}).Validate(); !errors.Is(err, liveness.ErrTimeoutBelowSend) {
		t.Fatalf("expected ErrTimeoutBelowSend, got %v", err)
	}
	bad = good
	bad.InitialGrace = bad.TimeoutThreshold
	if err := (Config{Peers: []PeerConfig{bad}}).Validate(); !errors.Is(err, liveness.ErrGraceNotAboveTimeout) {
		t.Fatalf("expected ErrGraceNotAboveTimeout, got %v", err)
	}
	bad = good
	bad.ID = ""
	if err := (Config{Peers: []PeerConfig{bad}}).Validate(); !errors.Is(err, ErrPeerIDRequired) {
		t.Fatalf("expected ErrPeerIDRequired, got %v", err)
	}
	bad = good
	bad.Transport.RemoteAddr = ""
	if err := (Config{Peers: []PeerConfig{bad}}).Validate(); !errors.Is(err, transport.ErrRemoteAddrRequired) {
		t.Fatalf("expected ErrRemoteAddrRequired, got %v", err)
	}
}

func TestEffectiveTick(t *testing.T) {
	testlog.Start(t)
	a := DefaultPeerConfig("a", 1)
	a.SendInterval = 3 * time.Second
	b := DefaultPeerConfig("b", 2)
	b.SendInterval = 2 * time.Second
	if got := (Config{Peers: []PeerConfig{a, b}}).EffectiveTick(); got != 2*time.Second {
		t.Fatalf("expected shortest interval, got %s", got)
	}
	b.SendInterval = time.Millisecond
	if got := (Config{Peers: []PeerConfig{a, b}}).EffectiveTick(); got != MinTick {
		t.Fatalf("expected clamp to MinTick, got %s", got)
	}
	if got := (Config{Tick: time.Second, Peers: []PeerConfig{a}}).EffectiveTick(); got != time.Second {
		t.Fatalf("expected explicit tick, got %s", got)
	}
}
