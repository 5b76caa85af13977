package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/umbradev/umbra/internal/logging"
	"github.com/umbradev/umbra/internal/warden"
)

func main() {
	logging.ConfigureRuntime()

	configPath := flag.String("config", "", "path to wardend toml config")
	flag.Parse()

	cfg := warden.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "wardend: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc, err := warden.NewService(cfg, log.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wardend: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "wardend: %v\n", err)
		os.Exit(1)
	}
}
