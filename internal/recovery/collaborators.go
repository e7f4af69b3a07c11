package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/lifeline/internal/tools"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HostProbe reports whether the host process is running. A peer's absence
// is only worth reporting while it is.
type HostProbe interface {
	IsHostProcessActive() bool
}

// Reloader forces the dependent component for peer to reload.
type Reloader interface {
	TriggerReload(peer string) error
}

// LogSink receives operator-facing messages. It must not panic.
type LogSink interface {
	LogError(message string)
}

// InfoSink is optionally implemented by a LogSink for recovery notices.
type InfoSink interface {
	LogInfo(message string)
}

type alwaysActive struct{}

func (alwaysActive) IsHostProcessActive() bool { return true }

// ZerologSink writes messages through a zerolog logger.
type ZerologSink struct {
	Logger zerolog.Logger
}

// NewZerologSink uses the global logger.
func NewZerologSink() ZerologSink {
	return ZerologSink{Logger: log.Logger}
}

func (s ZerologSink) LogError(message string) {
	s.Logger.Error().Str("component", "recovery").Msg(message)
}

func (s ZerologSink) LogInfo(message string) {
	s.Logger.Info().Str("component", "recovery").Msg(message)
}

var ErrNoReloadCommand = errors.New("recovery: no reload command configured")

// CommandReloader runs a configured command per peer. The literal {peer} in
// any argument is replaced with the peer id.
type CommandReloader struct {
	Commands map[string]string
	Timeout  time.Duration
	Runner   tools.CommandRunner
}

func (r CommandReloader) TriggerReload(peer string) error {
	line, ok := r.Commands[peer]
	if !ok || strings.TrimSpace(line) == "" {
		return fmt.Errorf("%w: peer %q", ErrNoReloadCommand, peer)
	}
	argv, err := tools.SplitCommand(line)
	if err != nil {
		return err
	}
	for i := range argv {
		argv[i] = strings.ReplaceAll(argv[i], "{peer}", peer)
	}
	runner := r.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := runner.Run(ctx, argv[0], argv[1:]...)
	if err != nil {
		return fmt.Errorf("recovery: reload %q exit=%d: %w: %s", peer, res.ExitCode, err, strings.TrimSpace(string(res.Stderr)))
	}
	log.Debug().
		Str("peer", peer).
		Str("command", argv[0]).
		Int("stdout_bytes", len(res.Stdout)).
		Msg("recovery.CommandReloader.TriggerReload done")
	return nil
}
