package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lifeline",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
	tokensSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "heartbeat",
			Name:      "tokens_sent_total",
			Help:      "Heartbeat tokens written to a peer channel.",
		},
		[]string{"peer", "marker"},
	)
	tokensReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "heartbeat",
			Name:      "tokens_received_total",
			Help:      "Heartbeat tokens read from a peer channel.",
		},
		[]string{"peer", "marker"},
	)
	tokensMalformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "heartbeat",
			Name:      "tokens_malformed_total",
			Help:      "Discarded payloads that were not a recognized token.",
		},
		[]string{"peer"},
	)
	ioErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "heartbeat",
			Name:      "io_errors_total",
			Help:      "Channel I/O errors by operation and kind.",
		},
		[]string{"peer", "op", "kind"},
	)
	peerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "recovery",
			Name:      "events_total",
			Help:      "Loss and recovery events handled by the dispatcher.",
		},
		[]string{"peer", "event", "outcome"},
	)
	reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lifeline",
			Subsystem: "recovery",
			Name:      "reloads_total",
			Help:      "Reload actions triggered per peer.",
		},
		[]string{"peer", "success"},
	)
	peerPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lifeline",
			Subsystem: "heartbeat",
			Name:      "peer_phase",
			Help:      "Current peer phase (1 for the active phase label, 0 otherwise).",
		},
		[]string{"peer", "phase"},
	)
)

// Phases lists every label value used by the peer_phase gauge.
var Phases = []string{"awaiting_first_contact", "alive", "lost", "shut_down"}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			tokensSent,
			tokensReceived,
			tokensMalformed,
			ioErrors,
			peerEvents,
			reloads,
			peerPhase,
		)
	})
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTokenSent(peer, marker string) {
	RegisterMetrics()
	tokensSent.WithLabelValues(peer, marker).Inc()
}

func RecordTokenReceived(peer, marker string) {
	RegisterMetrics()
	tokensReceived.WithLabelValues(peer, marker).Inc()
}

func RecordMalformedToken(peer string) {
	RegisterMetrics()
	tokensMalformed.WithLabelValues(peer).Inc()
}

func RecordIOError(peer, op, kind string) {
	RegisterMetrics()
	ioErrors.WithLabelValues(peer, op, kind).Inc()
}

// RecordPeerEvent counts one dispatcher decision. outcome is "reported",
// "duplicate" or "suppressed".
func RecordPeerEvent(peer, event, outcome string) {
	RegisterMetrics()
	peerEvents.WithLabelValues(peer, event, outcome).Inc()
}

func RecordReload(peer string, success bool) {
	RegisterMetrics()
	reloads.WithLabelValues(peer, strconv.FormatBool(success)).Inc()
}

// SetPeerPhase flips the peer_phase gauge so exactly one phase label reads 1.
func SetPeerPhase(peer, phase string) {
	RegisterMetrics()
	for _, p := range Phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		peerPhase.WithLabelValues(peer, p).Set(v)
	}
}
