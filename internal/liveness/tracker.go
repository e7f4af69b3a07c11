package liveness

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInvalidSendInterval  = errors.New("liveness: send interval must be positive")
	ErrTimeoutBelowSend     = errors.New("liveness: timeout threshold below send interval")
	ErrGraceNotAboveTimeout = errors.New("liveness: initial grace must exceed timeout threshold")
	ErrNegativeBufferMargin = errors.New("liveness: buffer margin must not be negative")
)

// Thresholds are the timing tunables for one peer.
type Thresholds struct {
	SendInterval time.Duration
	// TimeoutThreshold applies once the peer has been heard from.
	TimeoutThreshold time.Duration
	// InitialGrace applies before first contact.
	InitialGrace time.Duration
}

func (th Thresholds) Validate() error {
	if th.SendInterval <= 0 {
		return ErrInvalidSendInterval
	}
	if th.TimeoutThreshold < th.SendInterval {
		return fmt.Errorf("%w: %s < %s", ErrTimeoutBelowSend, th.TimeoutThreshold, th.SendInterval)
	}
	if th.InitialGrace <= th.TimeoutThreshold {
		return fmt.Errorf("%w: %s <= %s", ErrGraceNotAboveTimeout, th.InitialGrace, th.TimeoutThreshold)
	}
	return nil
}

// Phase is the externally visible position in the peer state machine.
type Phase string

const (
	PhaseAwaitingFirstContact Phase = "awaiting_first_contact"
	PhaseAlive                Phase = "alive"
	PhaseLost                 Phase = "lost"
	PhaseShutDown             Phase = "shut_down"
)

// Transition is the edge produced by a receipt.
type Transition uint8

const (
	TransitionNone Transition = iota
	// TransitionFirstContact is the first receipt ever.
	TransitionFirstContact
	// TransitionRecovered clears a declared loss.
	TransitionRecovered
)

func (t Transition) String() string {
	switch t {
	case TransitionFirstContact:
		return "first_contact"
	case TransitionRecovered:
		return "recovered"
	default:
		return "none"
	}
}

// TimeoutDecision is the result of one timeout evaluation.
type TimeoutDecision struct {
	// Expired is true for every check made while the silence exceeds the
	// active threshold.
	Expired bool
	// NewlyLost is true only for the check that declared the loss.
	NewlyLost bool
	// Silence is how long the peer has been quiet at the checked instant.
	Silence time.Duration
}

// State is a copy of a tracker's fields. Zero times mean "never".
type State struct {
	Start          time.Time
	LastSentAt     time.Time
	LastReceivedAt time.Time
	LostAt         time.Time
	Lost           bool
	FirstSeen      bool
	ShutDown       bool
}

// Phase derives the state machine position from the fields.
func (s State) Phase() Phase {
	switch {
	case s.ShutDown:
		return PhaseShutDown
	case s.Lost:
		return PhaseLost
	case !s.FirstSeen:
		return PhaseAwaitingFirstContact
	default:
		return PhaseAlive
	}
}

// Tracker is the liveness state of one peer. Methods are safe for concurrent
// use so status readers can snapshot while the owning loop mutates it.
type Tracker struct {
	th Thresholds

	mu    sync.Mutex
	state State
}

// NewTracker starts tracking at start, which anchors the initial grace period.
func NewTracker(th Thresholds, start time.Time) *Tracker {
	return &Tracker{th: th, state: State{Start: start}}
}

func (t *Tracker) Thresholds() Thresholds {
	return t.th
}

// ShouldSend reports whether a heartbeat is due at now.
func (t *Tracker) ShouldSend(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.ShutDown {
		return false
	}
	return t.state.LastSentAt.IsZero() || now.Sub(t.state.LastSentAt) >= t.th.SendInterval
}

// RecordSent notes a successful send.
func (t *Tracker) RecordSent(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.ShutDown {
		return
	}
	t.state.LastSentAt = now
}

// RecordReceived credits evidence that the peer was alive at at. Only a
// receipt strictly after the loss declaration, and no further than one
// timeout past the last send, clears a loss. A lost peer whose traffic
// arrives while our own sends keep failing therefore stays lost: recovery
// means the channel works both ways again.
func (t *Tracker) RecordReceived(at time.Time) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.ShutDown {
		return TransitionNone
	}
	if at.After(t.state.LastReceivedAt) {
		t.state.LastReceivedAt = at
	}
	first := !t.state.FirstSeen
	t.state.FirstSeen = true

	if t.state.Lost && at.After(t.state.LostAt) &&
		(t.state.LastSentAt.IsZero() || at.Sub(t.state.LastSentAt) <= t.th.TimeoutThreshold) {
		t.state.Lost = false
		t.state.LostAt = time.Time{}
		return TransitionRecovered
	}
	if first && !t.state.Lost {
		return TransitionFirstContact
	}
	return TransitionNone
}

// CheckTimeout evaluates silence at now and declares a loss at most once per
// episode.
func (t *Tracker) CheckTimeout(now time.Time) TimeoutDecision {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.ShutDown {
		return TimeoutDecision{}
	}
	var d TimeoutDecision
	if t.state.LastReceivedAt.IsZero() {
		d.Silence = now.Sub(t.state.Start)
		d.Expired = d.Silence > t.th.InitialGrace
	} else {
		d.Silence = now.Sub(t.state.LastReceivedAt)
		d.Expired = d.Silence > t.th.TimeoutThreshold
	}
	if d.Expired && !t.state.Lost {
		t.state.Lost = true
		t.state.LostAt = now
		d.NewlyLost = true
	}
	return d
}

// MarkLost declares a loss without a timeout, as when the channel could not
// be set up. It reports whether this call opened the episode.
func (t *Tracker) MarkLost(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.ShutDown || t.state.Lost {
		return false
	}
	t.state.Lost = true
	t.state.LostAt = now
	return true
}

// Shutdown moves the tracker to its terminal phase. Every later call is a no-op.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.ShutDown = true
}

// State returns a copy of the current fields.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) Phase() Phase {
	return t.State().Phase()
}
