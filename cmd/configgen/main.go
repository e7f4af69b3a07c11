package main

import (
	"flag"
	"fmt"

	"github.com/danmuck/lifeline/internal/config"
	"github.com/danmuck/lifeline/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", "monitor", "config kind: monitor|peer")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logging.ConfigureRuntime("configgen")

	if *validate {
		path := *input
		if path == "" {
			var err error
			if path, err = defaultPath(*kind); err != nil {
				log.Fatal().Err(err).Msg("configgen")
			}
		}
		if err := validateFile(*kind, path); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("configgen validate")
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("configgen validated")
		return
	}

	target := *output
	if target == "" {
		var err error
		if target, err = defaultPath(*kind); err != nil {
			log.Fatal().Err(err).Msg("configgen")
		}
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Str("path", target).Msg("configgen write")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("configgen wrote template")
}

func defaultPath(kind string) (string, error) {
	switch kind {
	case "monitor", "lifeline":
		return "cmd/lifelinectl/config.toml", nil
	case "peer":
		return "cmd/peerctl/config.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}

func validateFile(kind, path string) error {
	switch kind {
	case "monitor", "lifeline":
		_, err := config.LoadMonitorFile(path)
		return err
	case "peer":
		_, err := config.LoadPeerFile(path)
		return err
	default:
		return fmt.Errorf("unknown kind: %s", kind)
	}
}
