package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/gpuctl/internal/config"
	"codeberg.org/mutker/gpuctl/internal/daemon"
	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/spf13/pflag"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpuctld: %v\n", err)
		return 2
	}

	if cfg.ShowVersion {
		fmt.Println("gpuctld", version)
		return 0
	}

	log, closer, err := logger.Init(cfg.Logger(logger.IsService()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "gpuctld: %v\n", err)
		return 2
	}
	defer closer.Close()

	if cfg.File != "" {
		log.Debug().Str("file", cfg.File).Msg("Config loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, version, log)
	if err != nil {
		log.ErrorWithCode(err).Msg("Failed to initialize")
		return 1
	}

	log.Info().Str("version", version).Str("socket", cfg.Socket.Path).Msg("Starting gpuctld")
	if err := d.Run(ctx); err != nil {
		log.ErrorWithCode(err).Msg("Daemon stopped with errors")
		return 1
	}
	log.Info().Msg("Exiting...")
	return 0
}
