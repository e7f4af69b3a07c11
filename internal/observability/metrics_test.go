package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("lifeline", "GET", "/status", 200, 12*time.Millisecond)
	RecordTokenSent("control", "PING")
	RecordTokenReceived("control", "PONG")
	RecordMalformedToken("control")
	RecordIOError("control", "send", "transient")
	RecordPeerEvent("control", "lost", "reported")
	RecordReload("control", true)
}

func TestSetPeerPhaseIsExclusive(t *testing.T) {
	SetPeerPhase("metrics-test-peer", "lost")
	if got := testutil.ToFloat64(peerPhase.WithLabelValues("metrics-test-peer", "lost")); got != 1 {
		t.Fatalf("lost gauge got=%v", got)
	}
	SetPeerPhase("metrics-test-peer", "alive")
	if got := testutil.ToFloat64(peerPhase.WithLabelValues("metrics-test-peer", "lost")); got != 0 {
		t.Fatalf("lost gauge should reset, got=%v", got)
	}
	if got := testutil.ToFloat64(peerPhase.WithLabelValues("metrics-test-peer", "alive")); got != 1 {
		t.Fatalf("alive gauge got=%v", got)
	}
}
