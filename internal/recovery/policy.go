package recovery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/lifeline/internal/heartbeat"
)

var (
	ErrInvalidAction  = errors.New("recovery: invalid action")
	ErrInvalidWorkers = errors.New("recovery: workers must be positive")
	ErrInvalidRecheck = errors.New("recovery: host recheck must be positive")
)

// Action is what a loss triggers beyond its log message.
type Action string

const (
	ActionLog    Action = "log"
	ActionReload Action = "reload"
)

func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionLog:
		return ActionLog, nil
	case ActionReload:
		return ActionReload, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
	}
}

// Policy is the per-peer reaction to a loss.
type Policy struct {
	Action Action
	// RequireHostActive silences the episode while the host process is down.
	RequireHostActive bool
}

// DefaultPolicies reloads a lost control peer and reports a lost worker only
// while the host process is running.
func DefaultPolicies() map[heartbeat.PeerID]Policy {
	return map[heartbeat.PeerID]Policy{
		heartbeat.PeerControl: {Action: ActionReload},
		heartbeat.PeerWorker:  {Action: ActionLog, RequireHostActive: true},
	}
}

// RetryConfig paces repeated reload attempts after a failed reload.
type RetryConfig struct {
	MaxRetries   uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

type Config struct {
	Policies map[heartbeat.PeerID]Policy
	// Default applies to peers without an entry in Policies.
	Default Policy
	// Workers bounds concurrently running reloads.
	Workers int
	Retry   RetryConfig
	// HostRecheck is how often suppressed episodes re-probe the host.
	HostRecheck time.Duration
}

func DefaultConfig() Config {
	return Config{
		Policies:    DefaultPolicies(),
		Default:     Policy{Action: ActionLog},
		Workers:     4,
		HostRecheck: time.Second,
		Retry: RetryConfig{
			MaxRetries:   2,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
		},
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Policies == nil {
		c.Policies = def.Policies
	}
	if c.Default.Action == "" {
		c.Default = def.Default
	}
	if c.Workers == 0 {
		c.Workers = def.Workers
	}
	if c.HostRecheck == 0 {
		c.HostRecheck = def.HostRecheck
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = def.Retry.InitialDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = def.Retry.MaxDelay
	}
	return c
}

func (c Config) Validate() error {
	if c.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if c.HostRecheck <= 0 {
		return ErrInvalidRecheck
	}
	if _, err := ParseAction(string(c.Default.Action)); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for id, p := range c.Policies {
		if _, err := ParseAction(string(p.Action)); err != nil {
			return fmt.Errorf("peer %q: %w", id, err)
		}
	}
	return nil
}

func (c Config) policyFor(id heartbeat.PeerID) Policy {
	if p, ok := c.Policies[id]; ok {
		return p
	}
	return c.Default
}
