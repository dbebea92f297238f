package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jsfix-ci/edge-server-tools/internal/logging"
	"github.com/jsfix-ci/edge-server-tools/internal/observability"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to couchctl config")
	flag.Parse()

	observability.InitLogger("couchctl")
	logging.ConfigureRuntime()

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "couchctl: %v\n", err)
		os.Exit(1)
	}
	if err := newService(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "couchctl: %v\n", err)
		os.Exit(1)
	}
}
