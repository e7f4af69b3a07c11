package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/danmuck/lifeline/internal/heartbeat"
	"github.com/danmuck/lifeline/internal/observability"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("recovery: dispatcher closed")

// Episode is one loss, open until the matching recovery.
type Episode struct {
	ID       string           `json:"id"`
	Peer     heartbeat.PeerID `json:"peer"`
	Cause    heartbeat.Cause  `json:"cause"`
	OpenedAt time.Time        `json:"opened_at"`
	Action   Action           `json:"action"`
	// Suppressed episodes were opened while the host process was inactive.
	// They are reported once the host is seen running while still open, and
	// stay silent through their recovery otherwise.
	Suppressed bool `json:"suppressed"`

	loss     heartbeat.LossEvent
	mu       sync.Mutex
	reloaded bool
	attempts int
	lastErr  error
}

// EpisodeStatus is a copy of an Episode safe to hand out.
type EpisodeStatus struct {
	ID             string           `json:"id"`
	Peer           heartbeat.PeerID `json:"peer"`
	Cause          heartbeat.Cause  `json:"cause"`
	OpenedAt       time.Time        `json:"opened_at"`
	Action         Action           `json:"action"`
	Suppressed     bool             `json:"suppressed"`
	Reloaded       bool             `json:"reloaded"`
	ReloadAttempts int              `json:"reload_attempts"`
	LastError      string           `json:"last_error,omitempty"`
}

func (e *Episode) suppressed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Suppressed
}

func (e *Episode) status() EpisodeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := EpisodeStatus{
		ID:             e.ID,
		Peer:           e.Peer,
		Cause:          e.Cause,
		OpenedAt:       e.OpenedAt,
		Action:         e.Action,
		Suppressed:     e.Suppressed,
		Reloaded:       e.reloaded,
		ReloadAttempts: e.attempts,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// Dispatcher implements heartbeat.Dispatcher. It is safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	host     HostProbe
	reloader Reloader
	sink     LogSink

	episodes cmap.ConcurrentMap[string, *Episode]
	// mu orders reporting a suppressed episode against its recovery.
	mu        sync.Mutex
	pool      *ants.Pool
	inflight  sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	watchDone chan struct{}
}

var _ heartbeat.Dispatcher = (*Dispatcher)(nil)

// New builds a dispatcher. A nil host counts as always active; a nil sink
// logs through zerolog. A nil reloader is only valid when no policy reloads.
func New(cfg Config, host HostProbe, reloader Reloader, sink LogSink) (*Dispatcher, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reloader == nil && cfg.reloads() {
		return nil, fmt.Errorf("%w: a policy requires reload", ErrNoReloadCommand)
	}
	if host == nil {
		host = alwaysActive{}
	}
	if sink == nil {
		sink = NewZerologSink()
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("recovery: worker pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:       cfg,
		host:      host,
		reloader:  reloader,
		sink:      sink,
		episodes:  cmap.New[*Episode](),
		pool:      pool,
		ctx:       ctx,
		cancel:    cancel,
		watchDone: make(chan struct{}),
	}
	if cfg.gatesHost() {
		go d.watchHost(cfg.HostRecheck)
	} else {
		close(d.watchDone)
	}
	return d, nil
}

func (c Config) reloads() bool {
	if c.Default.Action == ActionReload {
		return true
	}
	for _, p := range c.Policies {
		if p.Action == ActionReload {
			return true
		}
	}
	return false
}

func (c Config) gatesHost() bool {
	if c.Default.RequireHostActive {
		return true
	}
	for _, p := range c.Policies {
		if p.RequireHostActive {
			return true
		}
	}
	return false
}

// OnPeerLost opens an episode unless one is already open for the peer.
func (d *Dispatcher) OnPeerLost(ev heartbeat.LossEvent) {
	peer := string(ev.Peer)
	policy := d.cfg.policyFor(ev.Peer)
	ep := &Episode{
		ID:       uuid.NewString(),
		Peer:     ev.Peer,
		Cause:    ev.Cause,
		OpenedAt: ev.At,
		Action:   policy.Action,
		loss:     ev,
	}
	if policy.RequireHostActive && !d.host.IsHostProcessActive() {
		ep.Suppressed = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.episodes.SetIfAbsent(peer, ep) {
		observability.RecordPeerEvent(peer, "lost", "duplicate")
		log.Debug().Str("peer", peer).Msg("recovery.Dispatcher.OnPeerLost episode already open")
		return
	}
	if ep.Suppressed {
		observability.RecordPeerEvent(peer, "lost", "host_inactive")
		log.Debug().
			Str("peer", peer).
			Str("episode", ep.ID).
			Msg("recovery.Dispatcher.OnPeerLost host inactive; episode silenced")
		return
	}

	observability.RecordPeerEvent(peer, "lost", "reported")
	d.report(ep, ev)
}

// report emits the loss message and schedules the episode's action.
func (d *Dispatcher) report(ep *Episode, ev heartbeat.LossEvent) {
	peer := string(ep.Peer)
	d.sink.LogError(LossMessage(ev))
	if ep.Action != ActionReload {
		return
	}
	d.inflight.Add(1)
	if err := d.pool.Submit(func() {
		defer d.inflight.Done()
		d.reload(ep)
	}); err != nil {
		d.inflight.Done()
		ep.mu.Lock()
		ep.lastErr = err
		ep.mu.Unlock()
		observability.RecordReload(peer, false)
		d.sink.LogError(fmt.Sprintf("Could not schedule a reload of the %s: %v", peer, err))
	}
}

// OnPeerRecovered closes the peer's open episode. Without one it is ignored.
func (d *Dispatcher) OnPeerRecovered(ev heartbeat.RecoveryEvent) {
	peer := string(ev.Peer)
	d.mu.Lock()
	defer d.mu.Unlock()
	ep, ok := d.episodes.Pop(peer)
	if !ok {
		observability.RecordPeerEvent(peer, "recovered", "no_episode")
		return
	}
	if ep.suppressed() {
		observability.RecordPeerEvent(peer, "recovered", "host_inactive")
		return
	}
	observability.RecordPeerEvent(peer, "recovered", "reported")
	msg := RecoveryMessage(ev)
	if info, ok := d.sink.(InfoSink); ok {
		info.LogInfo(msg)
	} else {
		d.sink.LogError(msg)
	}
}

func (d *Dispatcher) watchHost(every time.Duration) {
	defer close(d.watchDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			d.revealSuppressed(now)
		}
	}
}

// revealSuppressed reports every still-open suppressed episode once the host
// process is running. The host is only probed while such episodes exist.
func (d *Dispatcher) revealSuppressed(now time.Time) {
	var pending []*Episode
	for item := range d.episodes.IterBuffered() {
		if item.Val.suppressed() {
			pending = append(pending, item.Val)
		}
	}
	if len(pending) == 0 || !d.host.IsHostProcessActive() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ep := range pending {
		if !d.isOpen(ep) || !ep.suppressed() {
			continue
		}
		ep.mu.Lock()
		ep.Suppressed = false
		ep.mu.Unlock()

		ev := ep.loss
		if since := now.Sub(ev.At); since > 0 {
			ev.Silence += since
		}
		observability.RecordPeerEvent(string(ep.Peer), "lost", "reported")
		log.Info().
			Str("peer", string(ep.Peer)).
			Str("episode", ep.ID).
			Msg("recovery.Dispatcher.revealSuppressed host active; reporting loss")
		d.report(ep, ev)
	}
}

// reload calls the Reloader, retrying only failed attempts and only while the
// episode is still open.
func (d *Dispatcher) reload(ep *Episode) {
	peer := string(ep.Peer)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.Retry.InitialDelay
	b.MaxInterval = d.cfg.Retry.MaxDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, d.cfg.Retry.MaxRetries), d.ctx)

	op := func() error {
		if !d.isOpen(ep) {
			return backoff.Permanent(errEpisodeClosed)
		}
		ep.mu.Lock()
		ep.attempts++
		ep.mu.Unlock()
		return d.reloader.TriggerReload(peer)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().
			Str("peer", peer).
			Str("episode", ep.ID).
			Dur("retry_in", wait).
			Err(err).
			Msg("recovery.Dispatcher.reload failed; retrying")
	}
	err := backoff.RetryNotify(op, policy, notify)

	ep.mu.Lock()
	ep.reloaded = err == nil
	ep.lastErr = err
	ep.mu.Unlock()
	switch {
	case err == nil:
		observability.RecordReload(peer, true)
		log.Info().Str("peer", peer).Str("episode", ep.ID).Msg("recovery.Dispatcher.reload triggered")
	case errors.Is(err, errEpisodeClosed), errors.Is(err, context.Canceled):
	default:
		observability.RecordReload(peer, false)
		d.sink.LogError(fmt.Sprintf("Reloading the %s failed: %v", peer, err))
	}
}

var errEpisodeClosed = errors.New("recovery: episode closed")

func (d *Dispatcher) isOpen(ep *Episode) bool {
	cur, ok := d.episodes.Get(string(ep.Peer))
	return ok && cur == ep
}

// Episodes lists open episodes ordered by peer.
func (d *Dispatcher) Episodes() []EpisodeStatus {
	out := make([]EpisodeStatus, 0, d.episodes.Count())
	for item := range d.episodes.IterBuffered() {
		out = append(out, item.Val.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Close cancels pending reload retries and waits up to timeout for running
// reloads before releasing the pool.
func (d *Dispatcher) Close(timeout time.Duration) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		<-d.watchDone
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.pool.Release()
		return fmt.Errorf("%w: reloads still running after %s", ErrClosed, timeout)
	}
	d.pool.Release()
	return nil
}

// LossMessage is the operator-facing text for a loss.
func LossMessage(ev heartbeat.LossEvent) string {
	switch ev.Cause {
	case heartbeat.CauseSetupFailed:
		return fmt.Sprintf("Unable to open the heartbeat channel to the %s (%s): %v. Please ensure the correct ports are open.",
			ev.Peer, ev.Remote, ev.Err)
	default:
		return fmt.Sprintf("Unable to ping the %s (%s) for %s! Please ensure the correct ports are open.",
			ev.Peer, ev.Remote, ev.Silence.Round(time.Millisecond))
	}
}

// RecoveryMessage is the operator-facing text for a recovery.
func RecoveryMessage(ev heartbeat.RecoveryEvent) string {
	return fmt.Sprintf("The %s (%s) is responding again after %s.", ev.Peer, ev.Remote, ev.Downtime.Round(time.Millisecond))
}
