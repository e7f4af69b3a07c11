package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/lifeline/internal/clock"
	"github.com/danmuck/lifeline/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// EndpointFactory opens the channel for one peer.
type EndpointFactory func(ctx context.Context, cfg PeerConfig) (transport.Endpoint, error)

// OpenTransport is the default factory.
func OpenTransport(ctx context.Context, cfg PeerConfig) (transport.Endpoint, error) {
	return transport.Open(ctx, string(cfg.ID), cfg.Transport)
}

type Option func(*Monitor)

// WithClock replaces the real clock used for every liveness comparison.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithEndpointFactory replaces transport.Open.
func WithEndpointFactory(f EndpointFactory) Option {
	return func(m *Monitor) {
		if f != nil {
			m.open = f
		}
	}
}

// Monitor runs one goroutine per configured peer.
type Monitor struct {
	cfg        Config
	tick       time.Duration
	clock      clock.Clock
	open       EndpointFactory
	dispatcher Dispatcher
	epoch      time.Time

	peers map[PeerID]*peer
	order []PeerID

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	runErr   error
}

// New validates cfg and builds an idle monitor. Run starts it.
func New(cfg Config, d Dispatcher, opts ...Option) (*Monitor, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d == nil {
		d = DispatcherFuncs{}
	}
	m := &Monitor{
		cfg:        cfg,
		tick:       cfg.EffectiveTick(),
		clock:      clock.Real{},
		open:       OpenTransport,
		dispatcher: d,
		peers:      make(map[PeerID]*peer, len(cfg.Peers)),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.epoch = m.clock.Now()
	for _, pc := range cfg.Peers {
		m.peers[pc.ID] = newPeer(pc, m.clock, m.epoch, m.dispatcher)
		m.order = append(m.order, pc.ID)
	}
	return m, nil
}

// Tick is the loop period shared by every peer.
func (m *Monitor) Tick() time.Duration {
	return m.tick
}

// Run blocks until ctx is cancelled or Stop is called. Every endpoint is
// closed before it returns.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrMonitorStarted
	}
	defer close(m.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info().
		Int("peers", len(m.order)).
		Dur("tick", m.tick).
		Msg("heartbeat.Monitor.Run starting")

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range m.order {
		p := m.peers[id]
		g.Go(func() error {
			p.run(gctx, m.open, m.tick)
			return nil
		})
	}
	m.runErr = g.Wait()
	log.Info().Msg("heartbeat.Monitor.Run stopped")
	return m.runErr
}

// Stop signals every peer to shut down and returns immediately.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Wait blocks until Run has returned. It must not be called from a
// Dispatcher callback, which runs on a peer goroutine.
func (m *Monitor) Wait() error {
	<-m.done
	return m.runErr
}

// Shutdown stops the monitor and waits for Run to return or ctx to expire.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.Stop()
	if !m.started.Load() {
		return nil
	}
	select {
	case <-m.done:
		return m.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestartPeer re-opens the peer's endpoint. It is the only way out of a
// setup failure; on a running peer it replaces the channel.
func (m *Monitor) RestartPeer(id PeerID) error {
	p, ok := m.peers[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, id)
	}
	p.requestRestart()
	return nil
}

// Snapshot copies every peer's status in configuration order.
func (m *Monitor) Snapshot() []PeerStatus {
	out := make([]PeerStatus, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.peers[id].status())
	}
	return out
}

// Peer returns one peer's status.
func (m *Monitor) Peer(id PeerID) (PeerStatus, bool) {
	p, ok := m.peers[id]
	if !ok {
		return PeerStatus{}, false
	}
	return p.status(), true
}
