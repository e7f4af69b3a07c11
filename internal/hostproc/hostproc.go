// Package hostproc answers whether the host process that embeds the
// companions is running, by PID, pid file, or process name.
package hostproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

var ErrNoSelector = errors.New("hostproc: one of pid, pid file, or name required")

// Always reports a fixed answer. Useful when no host process gates reporting.
type Always bool

func (a Always) IsHostProcessActive() bool {
	return bool(a)
}

// Config selects the host process. The first non-empty selector wins.
type Config struct {
	PID     int32
	PIDFile string
	Name    string
	// Timeout bounds one lookup.
	Timeout time.Duration
}

// Probe looks the host process up on every call.
type Probe struct {
	cfg Config
}

func New(cfg Config) (*Probe, error) {
	if cfg.PID <= 0 && strings.TrimSpace(cfg.PIDFile) == "" && strings.TrimSpace(cfg.Name) == "" {
		return nil, ErrNoSelector
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Probe{cfg: cfg}, nil
}

// IsHostProcessActive never fails; lookup errors count as inactive.
func (p *Probe) IsHostProcessActive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()
	active, err := p.Active(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("hostproc.Probe.IsHostProcessActive lookup failed")
		return false
	}
	return active
}

// Active is the error-returning form of IsHostProcessActive.
func (p *Probe) Active(ctx context.Context) (bool, error) {
	switch {
	case p.cfg.PID > 0:
		return process.PidExistsWithContext(ctx, p.cfg.PID)
	case strings.TrimSpace(p.cfg.PIDFile) != "":
		pid, err := readPIDFile(p.cfg.PIDFile)
		if err != nil {
			return false, err
		}
		return process.PidExistsWithContext(ctx, pid)
	default:
		return nameRunning(ctx, p.cfg.Name)
	}
}

func readPIDFile(path string) (int32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("hostproc: pid file %s missing: %w", path, err)
		}
		return 0, err
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("hostproc: pid file %s: invalid pid %q", path, strings.TrimSpace(string(raw)))
	}
	return int32(pid), nil
}

func nameRunning(ctx context.Context, name string) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}
	for _, proc := range procs {
		n, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if n == name {
			return true, nil
		}
	}
	return false, nil
}
