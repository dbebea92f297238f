package main

import (
	"flag"

	"github.com/rs/zerolog/log"

	"github.com/jsfix-ci/edge-server-tools/internal/config"
	"github.com/jsfix-ci/edge-server-tools/internal/observability"
)

func main() {
	output := flag.String("output", "", "output path for topology template")
	validate := flag.Bool("validate", false, "validate an existing topology file")
	input := flag.String("input", "topology.toml", "topology path for validation")
	force := flag.Bool("force", false, "overwrite existing file")
	flag.Parse()

	observability.InitLogger("configgen")

	if *validate {
		if _, err := config.LoadTopology(*input); err != nil {
			log.Fatal().Err(err).Msg("topology validation failed")
		}
		log.Info().Str("path", *input).Msg("topology ok")
		return
	}

	if *output == "" {
		log.Fatal().Msg("missing -output path")
	}
	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal().Err(err).Msg("template write failed")
	}
	log.Info().Str("path", *output).Msg("wrote topology template")
}
