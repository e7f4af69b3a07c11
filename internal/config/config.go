// Package config owns the on-disk TOML schema for lifeline's binaries, its
// strict validation, and the starter templates written by configgen.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var (
	ErrMissingPeerID     = errors.New("config: peer id required")
	ErrDuplicatePeerID   = errors.New("config: duplicate peer id")
	ErrMissingRemoteAddr = errors.New("config: remote_addr required for custom peers")
	ErrInvalidDuration   = errors.New("config: invalid duration")
	ErrInvalidTransport  = errors.New("config: transport must be udp, tcp, datagram, or stream")
	ErrInvalidAction     = errors.New("config: action must be log or reload")
	ErrInvalidAddr       = errors.New("config: invalid address")
	ErrMissingReloadCmd  = errors.New("config: reload action requires reload_command")
)

// MonitorFile is lifelinectl's config.toml. Optional keys are pointers so
// loaders can tell absent from zero.
type MonitorFile struct {
	AdminAddr        *string     `toml:"admin_addr"`
	AdminToken       *string     `toml:"admin_token"`
	Tick             *string     `toml:"tick"`
	HostPID          *int32      `toml:"host_pid"`
	HostPIDFile      *string     `toml:"host_pid_file"`
	HostProcessName  *string     `toml:"host_process_name"`
	HostRecheck      *string     `toml:"host_recheck"`
	ReloadTimeout    *string     `toml:"reload_timeout"`
	RecoveryWorkers  *int        `toml:"recovery_workers"`
	ReloadMaxRetries *uint64     `toml:"reload_max_retries"`
	ReloadRetryMin   *string     `toml:"reload_retry_initial"`
	ReloadRetryMax   *string     `toml:"reload_retry_max"`
	Peers            []PeerEntry `toml:"peers"`
}

// PeerEntry is one [[peers]] table.
type PeerEntry struct {
	ID                    string  `toml:"id"`
	Transport             *string `toml:"transport"`
	LocalAddr             *string `toml:"local_addr"`
	RemoteAddr            *string `toml:"remote_addr"`
	SendInterval          *string `toml:"send_interval"`
	SendIntervalMS        *int64  `toml:"send_interval_ms"`
	TimeoutThreshold      *string `toml:"timeout_threshold"`
	TimeoutThresholdMS    *int64  `toml:"timeout_threshold_ms"`
	InitialGraceThreshold *string `toml:"initial_grace_threshold"`
	BufferMargin          *string `toml:"buffer_margin"`
	ReceiveWait           *string `toml:"receive_wait"`
	IOTimeout             *string `toml:"io_timeout"`
	DialTimeout           *string `toml:"dial_timeout"`
	Action                *string `toml:"action"`
	RequireHostActive     *bool   `toml:"require_host_active"`
	ReloadCommand         *string `toml:"reload_command"`
}

// PeerFile is peerctl's config.toml.
type PeerFile struct {
	ListenAddr string `toml:"listen_addr"`
	Transport  string `toml:"transport"`
	IOTimeout  string `toml:"io_timeout"`
	Silent     bool   `toml:"silent"`
}

// LoadMonitorFile strictly decodes and validates a monitor config.
func LoadMonitorFile(path string) (MonitorFile, error) {
	var cfg MonitorFile
	if err := loadToml(path, &cfg); err != nil {
		return MonitorFile{}, err
	}
	if err := ValidateMonitorFile(cfg); err != nil {
		return MonitorFile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// LoadPeerFile strictly decodes and validates a responder config.
func LoadPeerFile(path string) (PeerFile, error) {
	var cfg PeerFile
	if err := loadToml(path, &cfg); err != nil {
		return PeerFile{}, err
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if err := ValidatePeerFile(cfg); err != nil {
		return PeerFile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// loadToml rejects keys the schema does not know, so typos fail loudly.
func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config parse failed (%s): %s", path, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateMonitorFile(cfg MonitorFile) error {
	for key, v := range map[string]*string{
		"tick":                 cfg.Tick,
		"reload_timeout":       cfg.ReloadTimeout,
		"host_recheck":         cfg.HostRecheck,
		"reload_retry_initial": cfg.ReloadRetryMin,
		"reload_retry_max":     cfg.ReloadRetryMax,
	} {
		if err := checkDuration(key, v); err != nil {
			return err
		}
	}
	if cfg.AdminAddr != nil && strings.TrimSpace(*cfg.AdminAddr) != "" {
		if err := checkAddr("admin_addr", *cfg.AdminAddr); err != nil {
			return err
		}
	}
	seen := make(map[string]struct{}, len(cfg.Peers))
	for i, p := range cfg.Peers {
		if err := ValidatePeerEntry(p); err != nil {
			return fmt.Errorf("peers[%d] invalid: %w", i, err)
		}
		id := strings.TrimSpace(p.ID)
		if _, ok := seen[id]; ok {
			return fmt.Errorf("peers[%d]: %w: %q", i, ErrDuplicatePeerID, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// KnownPeer reports whether id has built-in defaults.
func KnownPeer(id string) bool {
	return id == "control" || id == "worker"
}

func ValidatePeerEntry(p PeerEntry) error {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return ErrMissingPeerID
	}
	if p.RemoteAddr == nil && !KnownPeer(id) {
		return fmt.Errorf("%w: %q", ErrMissingRemoteAddr, id)
	}
	if p.RemoteAddr != nil {
		if err := checkAddr("remote_addr", *p.RemoteAddr); err != nil {
			return err
		}
	}
	if p.LocalAddr != nil {
		if err := checkAddr("local_addr", *p.LocalAddr); err != nil {
			return err
		}
	}
	if p.Transport != nil {
		if err := checkTransport(*p.Transport); err != nil {
			return err
		}
	}
	for key, v := range map[string]*string{
		"send_interval":           p.SendInterval,
		"timeout_threshold":       p.TimeoutThreshold,
		"initial_grace_threshold": p.InitialGraceThreshold,
		"buffer_margin":           p.BufferMargin,
		"receive_wait":            p.ReceiveWait,
		"io_timeout":              p.IOTimeout,
		"dial_timeout":            p.DialTimeout,
	} {
		if err := checkDuration(key, v); err != nil {
			return err
		}
	}
	if p.Action != nil {
		switch strings.ToLower(strings.TrimSpace(*p.Action)) {
		case "log":
		case "reload":
			if p.ReloadCommand == nil || strings.TrimSpace(*p.ReloadCommand) == "" {
				return fmt.Errorf("%w: peer %q", ErrMissingReloadCmd, id)
			}
		default:
			return fmt.Errorf("%w: %q", ErrInvalidAction, *p.Action)
		}
	}
	return nil
}

func ValidatePeerFile(cfg PeerFile) error {
	if err := checkAddr("listen_addr", cfg.ListenAddr); err != nil {
		return err
	}
	if err := checkTransport(cfg.Transport); err != nil {
		return err
	}
	if cfg.IOTimeout != "" {
		return checkDuration("io_timeout", &cfg.IOTimeout)
	}
	return nil
}

func checkDuration(key string, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*v))
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalidDuration, key, *v)
	}
	if d < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidDuration, key)
	}
	return nil
}

func checkAddr(key, addr string) error {
	if _, _, err := net.SplitHostPort(strings.TrimSpace(addr)); err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalidAddr, key, addr, err)
	}
	return nil
}

func checkTransport(raw string) error {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "udp", "datagram", "tcp", "stream":
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, raw)
	}
}
