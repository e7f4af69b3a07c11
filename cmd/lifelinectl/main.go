package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/lifeline/internal/admin"
	"github.com/danmuck/lifeline/internal/heartbeat"
	"github.com/danmuck/lifeline/internal/hostproc"
	"github.com/danmuck/lifeline/internal/logging"
	"github.com/danmuck/lifeline/internal/observability"
	"github.com/danmuck/lifeline/internal/recovery"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "cmd/lifelinectl/config.toml"

func main() {
	path := flag.String("config", defaultConfigPath, "monitor config path")
	flag.Parse()

	logging.ConfigureRuntime("lifelinectl")
	observability.RegisterMetrics()

	cfg, err := resolveConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lifelinectl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "lifelinectl: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfig falls back to defaults when the default path is absent.
func resolveConfig(path string) (runtimeConfig, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
			log.Warn().Str("path", path).Msg("lifelinectl.config not found; using defaults")
			cfg := defaultRuntimeConfig()
			cfg.downgradeUnreloadable()
			return cfg, nil
		}
		return runtimeConfig{}, err
	}
	return loadRuntimeConfig(path)
}

func run(ctx context.Context, cfg runtimeConfig) error {
	var host recovery.HostProbe = hostproc.Always(true)
	if cfg.hostGated() {
		probe, err := hostproc.New(cfg.Host)
		if err != nil {
			return err
		}
		host = probe
	}

	dispatcher, err := recovery.New(cfg.Recovery, host, cfg.Reload, recovery.NewZerologSink())
	if err != nil {
		return err
	}
	defer func() {
		if err := dispatcher.Close(5 * time.Second); err != nil {
			log.Warn().Err(err).Msg("lifelinectl.run dispatcher close")
		}
	}()

	monitor, err := heartbeat.New(cfg.Monitor, dispatcher)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	if cfg.AdminAddr != "" {
		srv := admin.New(admin.Config{
			App:           "lifelinectl",
			Addr:          cfg.AdminAddr,
			MaxGoroutines: 10_000,
			Token:         cfg.AdminToken,
		}, monitor, dispatcher)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}
	log.Info().
		Int("peers", len(cfg.Monitor.Peers)).
		Str("admin", cfg.AdminAddr).
		Bool("host_gated", cfg.hostGated()).
		Msg("lifelinectl.run started")
	return g.Wait()
}
