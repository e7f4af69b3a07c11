// peerctl is the passive end of a lifeline channel: it answers every PING
// with a PONG. SIGUSR1 toggles silence so loss and recovery can be exercised
// by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/lifeline/internal/config"
	"github.com/danmuck/lifeline/internal/logging"
	"github.com/danmuck/lifeline/internal/protocol/frame"
	"github.com/danmuck/lifeline/internal/transport"
	"github.com/rs/zerolog/log"
)

type options struct {
	configPath string
	listen     string
	network    string
	ioTimeout  time.Duration
	silent     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "optional peer config path")
	flag.StringVar(&opts.listen, "listen", "127.0.0.1:2013", "listen address")
	flag.StringVar(&opts.network, "transport", "udp", "udp|tcp")
	flag.DurationVar(&opts.ioTimeout, "io-timeout", 5*time.Second, "reply write timeout")
	flag.BoolVar(&opts.silent, "silent", false, "start without replying")
	flag.Parse()

	logging.ConfigureRuntime("peerctl")

	cfg, silent, err := resolveResponder(opts, setFlags())
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, silent); err != nil {
		fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
		os.Exit(1)
	}
}

func setFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// resolveResponder layers explicitly set flags over the config file, and the
// file over flag defaults.
func resolveResponder(opts options, explicit map[string]bool) (transport.ResponderConfig, bool, error) {
	network, addr, timeout, silent := opts.network, opts.listen, opts.ioTimeout, opts.silent
	if opts.configPath != "" {
		file, err := config.LoadPeerFile(opts.configPath)
		if err != nil {
			return transport.ResponderConfig{}, false, err
		}
		if !explicit["transport"] {
			network = file.Transport
		}
		if !explicit["listen"] && file.ListenAddr != "" {
			addr = file.ListenAddr
		}
		if !explicit["io-timeout"] && file.IOTimeout != "" {
			if timeout, err = time.ParseDuration(file.IOTimeout); err != nil {
				return transport.ResponderConfig{}, false, fmt.Errorf("parse io_timeout: %w", err)
			}
		}
		if !explicit["silent"] {
			silent = file.Silent
		}
	}
	n, err := transport.ParseNetwork(network)
	if err != nil {
		return transport.ResponderConfig{}, false, err
	}
	return transport.ResponderConfig{Network: n, ListenAddr: addr, IOTimeout: timeout}, silent, nil
}

func serve(ctx context.Context, cfg transport.ResponderConfig, silent bool) error {
	var pings atomic.Uint64
	cfg.OnToken = func(tok frame.Token) {
		if tok.Type == frame.MarkerPing {
			pings.Add(1)
		}
	}
	r, err := transport.Listen(ctx, cfg)
	if err != nil {
		return err
	}
	r.SetSilent(silent)
	log.Info().
		Str("addr", r.Addr()).
		Str("transport", string(cfg.Network)).
		Bool("silent", silent).
		Msg("peerctl.serve listening")

	toggles := make(chan os.Signal, 1)
	signal.Notify(toggles, syscall.SIGUSR1)
	defer signal.Stop(toggles)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-toggles:
				silent = !silent
				r.SetSilent(silent)
				log.Info().Bool("silent", silent).Uint64("pings", pings.Load()).Msg("peerctl.serve silence toggled")
			}
		}
	}()

	err = r.Serve(ctx)
	log.Info().Uint64("pings", pings.Load()).Msg("peerctl.serve stopped")
	return err
}
