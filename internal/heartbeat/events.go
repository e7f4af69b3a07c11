package heartbeat

import "time"

// Cause says why a peer was declared lost.
type Cause string

const (
	// CauseTimeout is silence beyond the active threshold.
	CauseTimeout Cause = "timeout"
	// CauseSetupFailed is an endpoint that could not be constructed.
	CauseSetupFailed Cause = "setup_failed"
)

// LossEvent opens a loss episode.
type LossEvent struct {
	Peer  PeerID
	Cause Cause
	At    time.Time
	// Silence is how long the peer had been quiet; zero for setup failures.
	Silence time.Duration
	Remote  string
	// Err carries the setup error for CauseSetupFailed.
	Err error
}

// RecoveryEvent closes the peer's open loss episode.
type RecoveryEvent struct {
	Peer     PeerID
	At       time.Time
	Downtime time.Duration
	Remote   string
}

// Dispatcher receives edge transitions. Calls for distinct peers may arrive
// concurrently, and implementations must not block the caller.
type Dispatcher interface {
	OnPeerLost(LossEvent)
	OnPeerRecovered(RecoveryEvent)
}

// DispatcherFuncs adapts plain functions to a Dispatcher. Nil fields are skipped.
type DispatcherFuncs struct {
	Lost      func(LossEvent)
	Recovered func(RecoveryEvent)
}

func (d DispatcherFuncs) OnPeerLost(ev LossEvent) {
	if d.Lost != nil {
		d.Lost(ev)
	}
}

func (d DispatcherFuncs) OnPeerRecovered(ev RecoveryEvent) {
	if d.Recovered != nil {
		d.Recovered(ev)
	}
}
