package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/lifeline/internal/config"
	"github.com/danmuck/lifeline/internal/heartbeat"
	"github.com/danmuck/lifeline/internal/hostproc"
	"github.com/danmuck/lifeline/internal/recovery"
	"github.com/danmuck/lifeline/internal/transport"
	"github.com/rs/zerolog/log"
)

const defaultAdminAddr = "127.0.0.1:7020"

// runtimeConfig is everything lifelinectl wires together.
type runtimeConfig struct {
	Monitor  heartbeat.Config
	Recovery recovery.Config
	Reload   recovery.CommandReloader
	Host     hostproc.Config
	// AdminAddr empty disables the admin server.
	AdminAddr  string
	AdminToken string
}

func (c runtimeConfig) hostGated() bool {
	return c.Host.PID > 0 || c.Host.PIDFile != "" || c.Host.Name != ""
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		Monitor:  heartbeat.DefaultConfig(),
		Recovery: recovery.DefaultConfig(),
		Reload: recovery.CommandReloader{
			Commands: map[string]string{},
			Timeout:  30 * time.Second,
		},
		AdminAddr: defaultAdminAddr,
	}
}

// loadRuntimeConfig overlays the keys present in path onto the defaults.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	var raw config.MonitorFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load lifeline config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warn().Str("path", path).Interface("keys", undecoded).Msg("lifelinectl.config unknown keys ignored")
	}

	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(*raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(*raw.AdminToken)
	}
	if meta.IsDefined("tick") {
		if cfg.Monitor.Tick, err = parseDuration("tick", *raw.Tick); err != nil {
			return runtimeConfig{}, err
		}
	}
	if meta.IsDefined("host_pid") {
		cfg.Host.PID = *raw.HostPID
	}
	if meta.IsDefined("host_pid_file") {
		cfg.Host.PIDFile = strings.TrimSpace(*raw.HostPIDFile)
	}
	if meta.IsDefined("host_process_name") {
		cfg.Host.Name = strings.TrimSpace(*raw.HostProcessName)
	}
	if meta.IsDefined("host_recheck") {
		if cfg.Recovery.HostRecheck, err = parseDuration("host_recheck", *raw.HostRecheck); err != nil {
			return runtimeConfig{}, err
		}
	}
	if meta.IsDefined("reload_timeout") {
		if cfg.Reload.Timeout, err = parseDuration("reload_timeout", *raw.ReloadTimeout); err != nil {
			return runtimeConfig{}, err
		}
	}
	if meta.IsDefined("recovery_workers") {
		cfg.Recovery.Workers = *raw.RecoveryWorkers
	}
	if meta.IsDefined("reload_max_retries") {
		cfg.Recovery.Retry.MaxRetries = *raw.ReloadMaxRetries
	}
	if meta.IsDefined("reload_retry_initial") {
		if cfg.Recovery.Retry.InitialDelay, err = parseDuration("reload_retry_initial", *raw.ReloadRetryMin); err != nil {
			return runtimeConfig{}, err
		}
	}
	if meta.IsDefined("reload_retry_max") {
		if cfg.Recovery.Retry.MaxDelay, err = parseDuration("reload_retry_max", *raw.ReloadRetryMax); err != nil {
			return runtimeConfig{}, err
		}
	}

	if meta.IsDefined("peers") {
		cfg.Monitor.Peers = make([]heartbeat.PeerConfig, 0, len(raw.Peers))
		cfg.Recovery.Policies = make(map[heartbeat.PeerID]recovery.Policy, len(raw.Peers))
		for i, entry := range raw.Peers {
			pc, policy, err := peerFromEntry(entry, cfg.Recovery.Default)
			if err != nil {
				return runtimeConfig{}, fmt.Errorf("peers[%d]: %w", i, err)
			}
			cfg.Monitor.Peers = append(cfg.Monitor.Peers, pc)
			cfg.Recovery.Policies[pc.ID] = policy
			if entry.ReloadCommand != nil {
				cfg.Reload.Commands[string(pc.ID)] = strings.TrimSpace(*entry.ReloadCommand)
			}
		}
	}

	cfg.downgradeUnreloadable()
	return cfg, nil
}

// peerFromEntry starts from the peer's built-in defaults and applies the
// keys present in entry. Derived fields are filled by WithDefaults afterwards
// so an overridden send_interval still moves the default timeout.
func peerFromEntry(entry config.PeerEntry, fallback recovery.Policy) (heartbeat.PeerConfig, recovery.Policy, error) {
	id := heartbeat.PeerID(strings.TrimSpace(entry.ID))
	if id == "" {
		return heartbeat.PeerConfig{}, recovery.Policy{}, config.ErrMissingPeerID
	}
	tc := transport.DefaultConfig()
	tc.IOTimeout = 0
	tc.LocalAddr = "127.0.0.1:0"
	if port, ok := defaultPort(id); ok {
		tc.RemoteAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	}
	pc := heartbeat.PeerConfig{ID: id, Transport: tc}

	var err error
	if entry.Transport != nil {
		if pc.Transport.Network, err = transport.ParseNetwork(*entry.Transport); err != nil {
			return pc, recovery.Policy{}, err
		}
	}
	if entry.LocalAddr != nil {
		pc.Transport.LocalAddr = strings.TrimSpace(*entry.LocalAddr)
	}
	if entry.RemoteAddr != nil {
		pc.Transport.RemoteAddr = strings.TrimSpace(*entry.RemoteAddr)
	}
	durations := []struct {
		key string
		raw *string
		dst *time.Duration
	}{
		{"send_interval", entry.SendInterval, &pc.SendInterval},
		{"timeout_threshold", entry.TimeoutThreshold, &pc.TimeoutThreshold},
		{"initial_grace_threshold", entry.InitialGraceThreshold, &pc.InitialGrace},
		{"buffer_margin", entry.BufferMargin, &pc.BufferMargin},
		{"receive_wait", entry.ReceiveWait, &pc.ReceiveWait},
		{"io_timeout", entry.IOTimeout, &pc.Transport.IOTimeout},
		{"dial_timeout", entry.DialTimeout, &pc.Transport.DialTimeout},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		if *d.dst, err = parseDuration(d.key, *d.raw); err != nil {
			return pc, recovery.Policy{}, err
		}
	}
	if entry.SendIntervalMS != nil {
		pc.SendInterval = time.Duration(*entry.SendIntervalMS) * time.Millisecond
	}
	if entry.TimeoutThresholdMS != nil {
		pc.TimeoutThreshold = time.Duration(*entry.TimeoutThresholdMS) * time.Millisecond
	}

	policy, ok := recovery.DefaultPolicies()[id]
	if !ok {
		policy = fallback
	}
	if entry.Action != nil {
		if policy.Action, err = recovery.ParseAction(*entry.Action); err != nil {
			return pc, recovery.Policy{}, err
		}
	}
	if entry.RequireHostActive != nil {
		policy.RequireHostActive = *entry.RequireHostActive
	}
	return pc.WithDefaults(), policy, nil
}

// downgradeUnreloadable turns reload policies without a command into log
// policies, so a loss is still reported instead of failing every reload.
func (c *runtimeConfig) downgradeUnreloadable() {
	for _, pc := range c.Monitor.Peers {
		policy, ok := c.Recovery.Policies[pc.ID]
		if !ok || policy.Action != recovery.ActionReload {
			continue
		}
		if strings.TrimSpace(c.Reload.Commands[string(pc.ID)]) != "" {
			continue
		}
		log.Warn().Str("peer", string(pc.ID)).Msg("lifelinectl.config reload policy without reload_command; logging only")
		policy.Action = recovery.ActionLog
		c.Recovery.Policies[pc.ID] = policy
	}
}

func defaultPort(id heartbeat.PeerID) (int, bool) {
	switch id {
	case heartbeat.PeerControl:
		return heartbeat.DefaultControlPort, true
	case heartbeat.PeerWorker:
		return heartbeat.DefaultWorkerPort, true
	default:
		return 0, false
	}
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
