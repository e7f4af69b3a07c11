package liveness

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/lifeline/internal/clock"
	"github.com/danmuck/lifeline/internal/testutil/testlog"
)

var testThresholds = Thresholds{
	SendInterval:     time.Second,
	TimeoutThreshold: 3 * time.Second,
	InitialGrace:     10 * time.Second,
}

func newTestTracker() (*Tracker, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1_000, 0))
	return NewTracker(testThresholds, clk.Now()), clk
}

func TestThresholdsValidate(t *testing.T) {
	testlog.Start(t)
	if err := testThresholds.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := testThresholds
	bad.TimeoutThreshold = 500 * time.Millisecond
	if err := bad.Validate(); !errors.Is(err, ErrTimeoutBelowSend) {
		t.Fatalf("expected ErrTimeoutBelowSend, got %v", err)
	}
	bad = testThresholds
	bad.InitialGrace = bad.TimeoutThreshold
	if err := bad.Validate(); !errors.Is(err, ErrGraceNotAboveTimeout) {
		t.Fatalf("expected ErrGraceNotAboveTimeout, got %v", err)
	}
	bad = testThresholds
	bad.SendInterval = 0
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSendInterval) {
		t.Fatalf("expected ErrInvalidSendInterval, got %v", err)
	}
}

func TestShouldSendHonorsInterval(t *testing.T) {
	testlog.Start(t)
	tr, clk := newTestTracker()
	if !tr.ShouldSend(clk.Now()) {
		t.Fatalf("first send should be due")
	}
	tr.RecordSent(clk.Now())
	if tr.ShouldSend(clk.Advance(999 * time.Millisecond)) {
		t.Fatalf("send due before interval elapsed")
	}
	if !tr.ShouldSend(clk.Advance(time.Millisecond)) {
		t.Fatalf("send not due at exactly one interval")
	}
}

func TestReceiptsInsideThresholdNeverExpire(t *testing.T) {
	testlog.Start(t)
	tr, clk := newTestTracker()
	steps := []time.Duration{
		time.Second, 2900 * time.Millisecond, 3 * time.Second, 100 * time.Millisecond, 2 * time.Second,
	}
	tr.RecordReceived(clk.Now())
	for i, step := range steps {
		// check at the edge of each gap, before crediting the next receipt
		now := clk.Advance(step)
		if d := tr.CheckTimeout(now); d.Expired {
			t.Fatalf("step %d: expired after %s of silence", i, step)
		}
		tr.RecordReceived(now)
	}
	if tr.Phase() != PhaseAlive {
		t.Fatalf("unexpected phase: %s", tr.Phase())
	}
}

func TestSilenceDeclaresLossExactlyOnce(t *testing.T) {
	testlog.Start(t)
	tr, clk := newTestTracker()
	if got := tr.RecordReceived(clk.Now()); got != TransitionFirstContact {
		t.Fatalf("expected first contact, got %s", got)
	}

	if d := tr.CheckTimeout(clk.Advance(3 * time.Second)); d.Expired {
		t.Fatalf("expired at exactly the threshold")
	}
	d := tr.CheckTimeout(clk.Advance(time.Millisecond))
	if !d.Expired || !d.NewlyLost {
		t.Fatalf("expected newly lost, got %+v", d)
	}
	lostAt := clk.Now()
	for i := 0; i < 20; i++ {
		d := tr.CheckTimeout(clk.Advance(time.Second))
		if !d.Expired || d.NewlyLost {
			t.Fatalf("check %d re-reported loss: %+v", i, d)
		}
	}
	st := tr.State()
	if !st.Lost || !st.LostAt.Equal(lostAt) {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestInitialGraceBeforeFirstContact(t *testing.T) {
	testlog.Start(t)
	tr, clk := newTestTracker()
	if tr.Phase() != PhaseAwaitingFirstContact {
		t.Fatalf("unexpected phase: %s", tr.Phase())
	}
	if d := tr.CheckTimeout(clk.Advance(10 * time.Second)); d.Expired {
		t.Fatalf("expired within initial grace")
	}
	d := tr.CheckTimeout(clk.Advance(time.Millisecond))
	if !d.NewlyLost || d.Silence != 10*time.Second+time.Millisecond {
		t.Fatalf("expected loss after grace, got %+v", d)
	}
	if tr.Phase() != PhaseLost {
		t.Fatalf("unexpected phase: %s", tr.Phase())
	}
}

func TestRecoveryRequiresReceiptAfterLoss(t *testing.T) {
	testlog.Start(t)
	tr, clk := newTestTracker()
	tr.RecordReceived(clk.Now())
	tr.RecordSent(clk.Now())
	stale := clk.Advance(time.Second)
	tr.RecordSent(stale)

	lostAt := clk.Advance(4 * time.Second)
	tr.RecordSent(lostAt)
	if d := tr.CheckTimeout(lostAt); !d.NewlyLost {
		t.Fatalf("expected loss, got %+v", d)
	}

	if got := tr.RecordReceived(stale); got != TransitionNone {
		t.Fatalf("receipt before loss cleared it: %s", got)
	}
	if got := tr.RecordReceived(lostAt); got != TransitionNone {
		t.Fatalf("receipt at loss instant cleared it: %s", got)
	}
	if !tr.State().Lost {
		t.Fatalf("loss cleared by stale evidence")
	}

	fresh := clk.Advance(time.Second)
	if got := tr.RecordReceived(fresh); got != TransitionRecovered {
		t.Fatalf("expected recovery, got %s", got)
	}
	if got := tr.RecordReceived(clk.Advance(time.Second)); got != TransitionNone {
		t.Fatalf("recovery reported twice: %s", got)
	}
	if tr.Phase() != PhaseAlive {
		t.Fatalf("unexpected phase: %s", tr.Phase())
	}
}

func TestRecoveryNeedsRecentSend(t *testing.T) {
	testlog.Start(t)
	tr, clk := newTestTracker()
	tr.RecordReceived(clk.Now())
	tr.RecordSent(clk.Now())
	tr.CheckTimeout(clk.Advance(5 * time.Second))

	// the last send is older than one timeout, so this receipt is not an answer
	if got := tr.RecordReceived(clk.Advance(time.Second)); got != TransitionNone {
		t.Fatalf("expected no recovery, got %s", got)
	}
	tr.RecordSent(clk.Now())
	if got := tr.RecordReceived(clk.Advance(100 * time.Millisecond)); got != TransitionRecovered {
		t.Fatalf("expected recovery, got %s", got)
	}
}

func TestLastReceivedNeverMovesBackwards(t *testing.T) {
	testlog.Start(t)
	tr, clk := newTestTracker()
	later := clk.Advance(2 * time.Second)
	tr.RecordReceived(later)
	tr.RecordReceived(later.Add(-time.Second))
	if got := tr.State().LastReceivedAt; !got.Equal(later) {
		t.Fatalf("last received moved backwards: %s", got)
	}
}

func TestMarkLostOpensSingleEpisode(t *testing.T) {
	testlog.Start(t)
	tr, clk := newTestTracker()
	if !tr.MarkLost(clk.Now()) {
		t.Fatalf("expected mark lost to open the episode")
	}
	if tr.MarkLost(clk.Advance(time.Second)) {
		t.Fatalf("mark lost opened a second episode")
	}
	if d := tr.CheckTimeout(clk.Advance(time.Minute)); d.NewlyLost {
		t.Fatalf("timeout duplicated the setup loss")
	}
}

func TestShutdownIsTerminal(t *testing.T) {
	testlog.Start(t)
	tr, clk := newTestTracker()
	tr.Shutdown()
	if tr.ShouldSend(clk.Now()) {
		t.Fatalf("send due after shutdown")
	}
	if d := tr.CheckTimeout(clk.Advance(time.Hour)); d.Expired || d.NewlyLost {
		t.Fatalf("timeout after shutdown: %+v", d)
	}
	if got := tr.RecordReceived(clk.Now()); got != TransitionNone {
		t.Fatalf("receipt after shutdown: %s", got)
	}
	if tr.Phase() != PhaseShutDown {
		t.Fatalf("unexpected phase: %s", tr.Phase())
	}
}
