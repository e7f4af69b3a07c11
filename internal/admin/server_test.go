package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/lifeline/internal/heartbeat"
	"github.com/danmuck/lifeline/internal/liveness"
	"github.com/danmuck/lifeline/internal/recovery"
	"github.com/danmuck/lifeline/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	mu       sync.Mutex
	peers    []heartbeat.PeerStatus
	restarts []heartbeat.PeerID
}

func (f *fakeMonitor) Snapshot() []heartbeat.PeerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]heartbeat.PeerStatus(nil), f.peers...)
}

func (f *fakeMonitor) Peer(id heartbeat.PeerID) (heartbeat.PeerStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.peers {
		if p.ID == id {
			return p, true
		}
	}
	return heartbeat.PeerStatus{}, false
}

func (f *fakeMonitor) RestartPeer(id heartbeat.PeerID) error {
	if _, ok := f.Peer(id); !ok {
		return heartbeat.ErrUnknownPeer
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, id)
	return nil
}

func (f *fakeMonitor) setHalted(id heartbeat.PeerID, halted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.peers {
		if f.peers[i].ID == id {
			f.peers[i].Halted = halted
		}
	}
}

type fakeEpisodes []recovery.EpisodeStatus

func (f fakeEpisodes) Episodes() []recovery.EpisodeStatus { return f }

func newTestServer() (*Server, *fakeMonitor) {
	mon := &fakeMonitor{peers: []heartbeat.PeerStatus{
		{ID: heartbeat.PeerControl, Phase: liveness.PhaseAlive, RemoteAddr: "127.0.0.1:2013"},
		{ID: heartbeat.PeerWorker, Phase: liveness.PhaseLost, RemoteAddr: "127.0.0.1:2014"},
	}}
	eps := fakeEpisodes{{ID: "ep-1", Peer: heartbeat.PeerWorker, Cause: heartbeat.CauseTimeout}}
	return New(Config{App: "lifeline-test", MaxGoroutines: 100000}, mon, eps), mon
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatusListsPeersAndEpisodes(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer()
	rec := do(t, s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Peers    []heartbeat.PeerStatus   `json:"peers"`
		Episodes []recovery.EpisodeStatus `json:"episodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Peers, 2)
	assert.Equal(t, liveness.PhaseLost, body.Peers[1].Phase)
	require.Len(t, body.Episodes, 1)
	assert.Equal(t, "ep-1", body.Episodes[0].ID)
}

func TestPeerRoute(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer()
	rec := do(t, s, http.MethodGet, "/peers/control")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"phase":"alive"`)

	rec = do(t, s, http.MethodGet, "/peers/nobody")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestartRoute(t *testing.T) {
	testlog.Start(t)
	s, mon := newTestServer()
	rec := do(t, s, http.MethodPost, "/peers/worker/restart")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []heartbeat.PeerID{heartbeat.PeerWorker}, mon.restarts)

	rec = do(t, s, http.MethodPost, "/peers/nobody/restart")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadinessFollowsHaltedPeers(t *testing.T) {
	testlog.Start(t)
	s, mon := newTestServer()
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/live").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/ready").Code)

	mon.setHalted(heartbeat.PeerWorker, true)
	rec := do(t, s, http.MethodGet, "/ready?full=1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "peer-worker")
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/live").Code)
}

func TestMetricsAndHealthRoutes(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer()
	do(t, s, http.MethodGet, "/status")

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lifeline_http_requests_total")

	rec = do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"component":"lifeline-test"`)
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestRestartRequiresTokenWhenConfigured(t *testing.T) {
	testlog.Start(t)
	mon := &fakeMonitor{peers: []heartbeat.PeerStatus{{ID: heartbeat.PeerWorker}}}
	s := New(Config{Token: "s3cret"}, mon, nil)

	rec := do(t, s, http.MethodPost, "/peers/worker/restart")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, mon.restarts)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/peers/worker/restart", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []heartbeat.PeerID{heartbeat.PeerWorker}, mon.restarts)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/status").Code)
}
