package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/umbradev/umbra/internal/logging"
	"github.com/umbradev/umbra/internal/protocol/wire"
	"github.com/umbradev/umbra/internal/shade"
)

func main() {
	logging.ConfigureRuntime()

	boot, err := wire.BootstrapFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "shade: %v\n", err)
		os.Exit(1)
	}
	if lvl, ok := logging.ParseLevel(boot.LogLevel); ok {
		zerolog.SetGlobalLevel(lvl)
	}

	svc, err := shade.New(shade.Config{Bootstrap: boot, Logger: log.Logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "shade: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "shade: %v\n", err)
		os.Exit(1)
	}
}
