package heartbeat

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/lifeline/internal/liveness"
	"github.com/danmuck/lifeline/internal/transport"
)

// PeerID names a monitored peer. Any non-empty value is accepted.
type PeerID string

const (
	PeerControl PeerID = "control"
	PeerWorker  PeerID = "worker"
)

const (
	DefaultControlPort  = 2013
	DefaultWorkerPort   = 2014
	DefaultSendInterval = 5 * time.Second
	DefaultBufferMargin = 5 * time.Second
	DefaultInitialGrace = 60 * time.Second
	DefaultReceiveWait  = 250 * time.Millisecond
	// MinTick keeps the loop from busy-waiting on very short intervals.
	MinTick = 100 * time.Millisecond
)

var (
	ErrNoPeers            = errors.New("heartbeat: at least one peer required")
	ErrPeerIDRequired     = errors.New("heartbeat: peer id required")
	ErrDuplicatePeer      = errors.New("heartbeat: duplicate peer id")
	ErrUnknownPeer        = errors.New("heartbeat: unknown peer")
	ErrInvalidReceiveWait = errors.New("heartbeat: receive wait must be positive")
	ErrInvalidTick        = errors.New("heartbeat: tick must not be negative")
	ErrMonitorStarted     = errors.New("heartbeat: monitor already started")
)

// PeerConfig is the timing and channel setup for one peer.
type PeerConfig struct {
	ID           PeerID
	SendInterval time.Duration
	// TimeoutThreshold defaults to SendInterval + BufferMargin.
	TimeoutThreshold time.Duration
	// InitialGrace applies until the first token is received.
	InitialGrace time.Duration
	BufferMargin time.Duration
	// ReceiveWait bounds how long one tick drains inbound tokens.
	ReceiveWait time.Duration
	Transport   transport.Config
}

// Config is the full monitor configuration.
type Config struct {
	// Tick overrides the derived loop period when non-zero.
	Tick  time.Duration
	Peers []PeerConfig
}

// DefaultPeerConfig targets the peer's well-known port on loopback.
func DefaultPeerConfig(id PeerID, port int) PeerConfig {
	tc := transport.DefaultConfig()
	// derived from the timeout threshold by WithDefaults
	tc.IOTimeout = 0
	tc.LocalAddr = "127.0.0.1:0"
	tc.RemoteAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	return PeerConfig{
		ID:           id,
		SendInterval: DefaultSendInterval,
		InitialGrace: DefaultInitialGrace,
		BufferMargin: DefaultBufferMargin,
		ReceiveWait:  DefaultReceiveWait,
		Transport:    tc,
	}.WithDefaults()
}

// DefaultConfig monitors both companions on their default ports.
func DefaultConfig() Config {
	return Config{
		Peers: []PeerConfig{
			DefaultPeerConfig(PeerControl, DefaultControlPort),
			DefaultPeerConfig(PeerWorker, DefaultWorkerPort),
		},
	}
}

// WithDefaults fills derived and zero fields. An explicit TimeoutThreshold
// is kept even when it disagrees with BufferMargin.
func (p PeerConfig) WithDefaults() PeerConfig {
	p.ID = PeerID(strings.TrimSpace(string(p.ID)))
	if p.SendInterval == 0 {
		p.SendInterval = DefaultSendInterval
	}
	if p.BufferMargin == 0 {
		p.BufferMargin = DefaultBufferMargin
	}
	if p.TimeoutThreshold == 0 {
		p.TimeoutThreshold = p.SendInterval + p.BufferMargin
	}
	if p.InitialGrace == 0 {
		p.InitialGrace = DefaultInitialGrace
	}
	if p.ReceiveWait == 0 {
		p.ReceiveWait = DefaultReceiveWait
	}
	if p.Transport.IOTimeout == 0 {
		p.Transport.IOTimeout = p.TimeoutThreshold
	}
	p.Transport = p.Transport.WithDefaults()
	return p
}

// Thresholds projects the timing fields onto the tracker's tunables.
func (p PeerConfig) Thresholds() liveness.Thresholds {
	return liveness.Thresholds{
		SendInterval:     p.SendInterval,
		TimeoutThreshold: p.TimeoutThreshold,
		InitialGrace:     p.InitialGrace,
	}
}

func (p PeerConfig) Validate() error {
	if p.ID == "" {
		return ErrPeerIDRequired
	}
	if p.BufferMargin < 0 {
		return fmt.Errorf("peer %q: %w", p.ID, liveness.ErrNegativeBufferMargin)
	}
	if err := p.Thresholds().Validate(); err != nil {
		return fmt.Errorf("peer %q: %w", p.ID, err)
	}
	if p.ReceiveWait <= 0 {
		return fmt.Errorf("peer %q: %w", p.ID, ErrInvalidReceiveWait)
	}
	if err := p.Transport.Validate(); err != nil {
		return fmt.Errorf("peer %q: %w", p.ID, err)
	}
	return nil
}

// WithDefaults applies PeerConfig.WithDefaults to every peer.
func (c Config) WithDefaults() Config {
	peers := make([]PeerConfig, len(c.Peers))
	for i, p := range c.Peers {
		peers[i] = p.WithDefaults()
	}
	c.Peers = peers
	return c
}

func (c Config) Validate() error {
	if c.Tick < 0 {
		return ErrInvalidTick
	}
	if len(c.Peers) == 0 {
		return ErrNoPeers
	}
	seen := make(map[PeerID]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicatePeer, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// EffectiveTick is the loop period: Tick if set, otherwise the shortest
// SendInterval, never below MinTick.
func (c Config) EffectiveTick() time.Duration {
	tick := c.Tick
	if tick == 0 {
		for _, p := range c.Peers {
			if tick == 0 || p.SendInterval < tick {
				tick = p.SendInterval
			}
		}
	}
	if tick < MinTick {
		tick = MinTick
	}
	return tick
}
