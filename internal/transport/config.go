package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrInvalidNetwork      = errors.New("transport: invalid network")
	ErrRemoteAddrRequired  = errors.New("transport: remote address required")
	ErrListenAddrRequired  = errors.New("transport: listen address required")
	ErrInvalidIOTimeout    = errors.New("transport: invalid io timeout")
	ErrInvalidDialTimeout  = errors.New("transport: invalid dial timeout")
	ErrInvalidBackoffRange = errors.New("transport: invalid backoff range")
)

// Network selects the channel transport.
type Network string

const (
	NetworkDatagram Network = "datagram"
	NetworkStream   Network = "stream"
)

// ParseNetwork accepts the configured spelling of a channel transport.
func ParseNetwork(raw string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "datagram", "udp":
		return NetworkDatagram, nil
	case "stream", "tcp":
		return NetworkStream, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidNetwork, raw)
	}
}

// BackoffConfig paces stream redial attempts after a failed reconnect.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// NewBackOff builds the exponential policy described by cfg. Elapsed time is
// unbounded; callers stop retrying by other means.
func (cfg BackoffConfig) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.Multiplier = cfg.Multiplier
	if b.Multiplier < 1.0 {
		b.Multiplier = 1.0
	}
	b.MaxInterval = cfg.MaxDelay
	b.MaxElapsedTime = 0
	if cfg.Jitter {
		b.RandomizationFactor = 0.5
	} else {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

// Config describes one peer channel.
type Config struct {
	Network    Network
	LocalAddr  string
	RemoteAddr string
	// DialTimeout bounds stream connection setup.
	DialTimeout time.Duration
	// IOTimeout bounds every single send.
	IOTimeout time.Duration
	Redial    BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Network:     NetworkDatagram,
		DialTimeout: 5 * time.Second,
		IOTimeout:   5 * time.Second,
		Redial: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(string(c.Network)) == "" {
		c.Network = def.Network
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = def.IOTimeout
	}
	if c.Redial.InitialDelay == 0 {
		c.Redial.InitialDelay = def.Redial.InitialDelay
	}
	if c.Redial.Multiplier == 0 {
		c.Redial.Multiplier = def.Redial.Multiplier
	}
	if c.Redial.MaxDelay == 0 {
		c.Redial.MaxDelay = def.Redial.MaxDelay
	}
	return c
}

func (c Config) Validate() error {
	switch c.Network {
	case NetworkDatagram, NetworkStream:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidNetwork, c.Network)
	}
	if strings.TrimSpace(c.RemoteAddr) == "" {
		return ErrRemoteAddrRequired
	}
	if c.IOTimeout <= 0 {
		return ErrInvalidIOTimeout
	}
	if c.DialTimeout <= 0 {
		return ErrInvalidDialTimeout
	}
	if c.Redial.MaxDelay > 0 && c.Redial.MaxDelay < c.Redial.InitialDelay {
		return ErrInvalidBackoffRange
	}
	return nil
}
