package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/lifeline/internal/testutil/testlog"
	"github.com/danmuck/lifeline/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePeerFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestResolveResponderFlagsOnly(t *testing.T) {
	testlog.Start(t)
	cfg, silent, err := resolveResponder(options{
		listen:    "127.0.0.1:2014",
		network:   "tcp",
		ioTimeout: time.Second,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, transport.NetworkStream, cfg.Network)
	assert.Equal(t, "127.0.0.1:2014", cfg.ListenAddr)
	assert.Equal(t, time.Second, cfg.IOTimeout)
	assert.False(t, silent)
}

func TestResolveResponderFileUnderExplicitFlags(t *testing.T) {
	testlog.Start(t)
	path := writePeerFile(t, "listen_addr = \"127.0.0.1:2100\"\ntransport = \"tcp\"\nio_timeout = \"2s\"\nsilent = true\n")
	opts := options{
		configPath: path,
		listen:     "127.0.0.1:2013",
		network:    "udp",
		ioTimeout:  5 * time.Second,
	}

	cfg, silent, err := resolveResponder(opts, map[string]bool{"config": true})
	require.NoError(t, err)
	assert.Equal(t, transport.NetworkStream, cfg.Network)
	assert.Equal(t, "127.0.0.1:2100", cfg.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.IOTimeout)
	assert.True(t, silent)

	cfg, _, err = resolveResponder(opts, map[string]bool{"config": true, "listen": true, "transport": true})
	require.NoError(t, err)
	assert.Equal(t, transport.NetworkDatagram, cfg.Network)
	assert.Equal(t, "127.0.0.1:2013", cfg.ListenAddr)
}

func TestResolveResponderRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	_, _, err := resolveResponder(options{listen: "127.0.0.1:0", network: "carrier"}, nil)
	require.Error(t, err)

	path := writePeerFile(t, "listen_adr = \"127.0.0.1:2100\"\n")
	_, _, err = resolveResponder(options{configPath: path, network: "udp"}, map[string]bool{})
	require.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, transport.ResponderConfig{
			Network:    transport.NetworkDatagram,
			ListenAddr: "127.0.0.1:0",
			IOTimeout:  time.Second,
		}, false)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop after cancel")
	}
}
