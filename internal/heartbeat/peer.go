package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/lifeline/internal/clock"
	"github.com/danmuck/lifeline/internal/liveness"
	"github.com/danmuck/lifeline/internal/observability"
	"github.com/danmuck/lifeline/internal/protocol/frame"
	"github.com/danmuck/lifeline/internal/transport"
	"github.com/rs/zerolog/log"
)

// maxDrain bounds how many tokens one tick will read, so a flooding peer
// cannot starve the timeout check.
const maxDrain = 64

// peer owns one endpoint and tracker. Only its goroutine performs I/O;
// mu guards the fields status readers look at.
type peer struct {
	cfg        PeerConfig
	clock      clock.Clock
	epoch      time.Time
	dispatcher Dispatcher
	restart    chan struct{}

	mu       sync.Mutex
	ep       transport.Endpoint
	tracker  *liveness.Tracker
	halted   bool
	stopped  bool
	lastErr  error
	setupErr error
	// carryLoss is set while an episode opened before the current tracker
	// existed is still unresolved.
	carryLoss bool
	lostAt    time.Time
}

func newPeer(cfg PeerConfig, clk clock.Clock, epoch time.Time, d Dispatcher) *peer {
	return &peer{
		cfg:        cfg,
		clock:      clk,
		epoch:      epoch,
		dispatcher: d,
		restart:    make(chan struct{}, 1),
	}
}

// run cycles the peer until ctx is done. A setup failure parks the peer
// until requestRestart.
func (p *peer) run(ctx context.Context, open EndpointFactory, tick time.Duration) {
	defer p.finish()
	for {
		if err := p.setup(ctx, open); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-p.restart:
				continue
			}
		}
		restarted := p.loop(ctx, tick)
		p.teardown()
		if !restarted {
			return
		}
	}
}

func (p *peer) loop(ctx context.Context, tick time.Duration) bool {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	p.step(ctx)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-p.restart:
			log.Info().Str("peer", string(p.cfg.ID)).Msg("heartbeat.peer.loop restart requested")
			return true
		case <-ticker.C:
			p.step(ctx)
		}
	}
}

func (p *peer) setup(ctx context.Context, open EndpointFactory) error {
	ep, err := open(ctx, p.cfg)
	now := p.clock.Now()
	if err != nil {
		p.mu.Lock()
		p.halted = true
		p.setupErr = err
		p.lastErr = err
		first := !p.carryLoss
		if first {
			p.carryLoss = true
			p.lostAt = now
		}
		p.mu.Unlock()

		log.Error().
			Str("peer", string(p.cfg.ID)).
			Str("remote", p.cfg.Transport.RemoteAddr).
			Err(err).
			Msg("heartbeat.peer.setup endpoint failed; peer halted until restart")
		observability.SetPeerPhase(string(p.cfg.ID), string(liveness.PhaseLost))
		if first {
			p.dispatcher.OnPeerLost(LossEvent{
				Peer:   p.cfg.ID,
				Cause:  CauseSetupFailed,
				At:     now,
				Remote: p.cfg.Transport.RemoteAddr,
				Err:    err,
			})
		}
		return err
	}

	tr := liveness.NewTracker(p.cfg.Thresholds(), now)
	p.mu.Lock()
	if p.carryLoss {
		tr.MarkLost(now)
	}
	p.ep = ep
	p.tracker = tr
	p.halted = false
	p.setupErr = nil
	p.mu.Unlock()

	log.Info().
		Str("peer", string(p.cfg.ID)).
		Str("network", string(p.cfg.Transport.Network)).
		Str("local", ep.LocalAddr()).
		Str("remote", p.cfg.Transport.RemoteAddr).
		Msg("heartbeat.peer.setup endpoint ready")
	observability.SetPeerPhase(string(p.cfg.ID), string(tr.Phase()))
	return nil
}

// step is one tick: send if due, drain inbound tokens, then check the timeout.
func (p *peer) step(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	p.mu.Lock()
	ep, tr := p.ep, p.tracker
	p.mu.Unlock()
	if ep == nil || tr == nil {
		return
	}

	if now := p.clock.Now(); tr.ShouldSend(now) {
		ping := frame.Ping(clock.Elapsed(p.clock, p.epoch))
		if err := ep.Send(ctx, ping); err != nil {
			p.ioError("send", err)
		} else {
			tr.RecordSent(now)
			observability.RecordTokenSent(string(p.cfg.ID), ping.Type.String())
		}
	}

	p.drain(ctx, ep, tr)

	if ctx.Err() != nil {
		return
	}
	now := p.clock.Now()
	decision := tr.CheckTimeout(now)
	if decision.NewlyLost {
		p.markLost(now)
		log.Warn().
			Str("peer", string(p.cfg.ID)).
			Dur("silence", decision.Silence).
			Msg("heartbeat.peer.step peer lost")
		p.dispatcher.OnPeerLost(LossEvent{
			Peer:    p.cfg.ID,
			Cause:   CauseTimeout,
			At:      now,
			Silence: decision.Silence,
			Remote:  p.cfg.Transport.RemoteAddr,
		})
	}
	observability.SetPeerPhase(string(p.cfg.ID), string(tr.Phase()))
}

func (p *peer) drain(ctx context.Context, ep transport.Endpoint, tr *liveness.Tracker) {
	deadline := time.Now().Add(p.cfg.ReceiveWait)
	for i := 0; i < maxDrain; i++ {
		wait := time.Until(deadline)
		if wait <= 0 || ctx.Err() != nil {
			return
		}
		tok, ok, err := ep.TryReceive(ctx, wait)
		if err != nil {
			p.ioError("receive", err)
			if transport.Discarded(err) {
				continue
			}
			return
		}
		if !ok {
			return
		}
		p.credit(ctx, ep, tr, tok)
	}
}

// credit applies one inbound token. A PONG echoes our own send timestamp, so
// it only proves the peer was alive after that send; other tokens prove it now.
func (p *peer) credit(ctx context.Context, ep transport.Endpoint, tr *liveness.Tracker, tok frame.Token) {
	now := p.clock.Now()
	at := now
	if tok.Type == frame.MarkerPong {
		if sentAt := p.epoch.Add(time.Duration(tok.Timestamp)); sentAt.Before(at) {
			at = sentAt
		}
	}
	observability.RecordTokenReceived(string(p.cfg.ID), tok.Type.String())

	switch tr.RecordReceived(at) {
	case liveness.TransitionFirstContact:
		log.Info().Str("peer", string(p.cfg.ID)).Msg("heartbeat.peer.credit first contact")
	case liveness.TransitionRecovered:
		downtime := p.clearLoss(now)
		log.Info().
			Str("peer", string(p.cfg.ID)).
			Dur("downtime", downtime).
			Msg("heartbeat.peer.credit peer recovered")
		p.dispatcher.OnPeerRecovered(RecoveryEvent{
			Peer:     p.cfg.ID,
			At:       now,
			Downtime: downtime,
			Remote:   p.cfg.Transport.RemoteAddr,
		})
	}

	if reply, ok := tok.Reply(); ok && ctx.Err() == nil {
		if err := ep.Send(ctx, reply); err != nil {
			p.ioError("reply", err)
			return
		}
		observability.RecordTokenSent(string(p.cfg.ID), reply.Type.String())
	}
}

func (p *peer) markLost(now time.Time) {
	p.mu.Lock()
	p.carryLoss = true
	p.lostAt = now
	p.mu.Unlock()
}

func (p *peer) clearLoss(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	downtime := now.Sub(p.lostAt)
	p.carryLoss = false
	p.lostAt = time.Time{}
	return downtime
}

// ioError records a failed channel operation. These are never loss signals;
// only the timeout clock is.
func (p *peer) ioError(op string, err error) {
	kind := transport.KindOf(err)
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	if kind == transport.KindMalformed {
		observability.RecordMalformedToken(string(p.cfg.ID))
		return
	}
	observability.RecordIOError(string(p.cfg.ID), op, string(kind))
	if kind == transport.KindClosed || kind == transport.KindForeign || errors.Is(err, context.Canceled) {
		return
	}
	log.Debug().
		Str("peer", string(p.cfg.ID)).
		Str("op", op).
		Str("kind", string(kind)).
		Err(err).
		Msg("heartbeat.peer.io retry next tick")
}

func (p *peer) requestRestart() {
	select {
	case p.restart <- struct{}{}:
	default:
	}
}

func (p *peer) teardown() {
	p.mu.Lock()
	ep := p.ep
	p.ep = nil
	p.mu.Unlock()
	if ep == nil {
		return
	}
	if err := ep.Close(); err != nil {
		log.Warn().Str("peer", string(p.cfg.ID)).Err(err).Msg("heartbeat.peer.teardown close failed")
	}
}

// finish releases the endpoint and moves the peer to its terminal phase.
func (p *peer) finish() {
	p.teardown()
	p.mu.Lock()
	p.stopped = true
	tr := p.tracker
	p.mu.Unlock()
	if tr != nil {
		tr.Shutdown()
	}
	observability.SetPeerPhase(string(p.cfg.ID), string(liveness.PhaseShutDown))
}

// PeerStatus is a point-in-time copy of one peer's state.
type PeerStatus struct {
	ID             PeerID         `json:"id"`
	Phase          liveness.Phase `json:"phase"`
	Halted         bool           `json:"halted"`
	Network        string         `json:"network"`
	LocalAddr      string         `json:"local_addr,omitempty"`
	RemoteAddr     string         `json:"remote_addr"`
	LastSentAt     time.Time      `json:"last_sent_at,omitzero"`
	LastReceivedAt time.Time      `json:"last_received_at,omitzero"`
	LostAt         time.Time      `json:"lost_at,omitzero"`
	LastError      string         `json:"last_error,omitempty"`
}

func (p *peer) status() PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PeerStatus{
		ID:         p.cfg.ID,
		Phase:      liveness.PhaseAwaitingFirstContact,
		Halted:     p.halted,
		Network:    string(p.cfg.Transport.Network),
		RemoteAddr: p.cfg.Transport.RemoteAddr,
	}
	if p.tracker != nil {
		ts := p.tracker.State()
		st.Phase = ts.Phase()
		st.LastSentAt = ts.LastSentAt
		st.LastReceivedAt = ts.LastReceivedAt
	}
	if p.ep != nil {
		st.LocalAddr = p.ep.LocalAddr()
	}
	if p.carryLoss {
		st.LostAt = p.lostAt
		if st.Phase != liveness.PhaseShutDown {
			st.Phase = liveness.PhaseLost
		}
	}
	if p.stopped {
		st.Phase = liveness.PhaseShutDown
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}
