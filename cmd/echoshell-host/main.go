package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rbarinov/echoshell-sub000/internal/config"
	"github.com/rbarinov/echoshell-sub000/internal/hostlink"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg)

	log.Info().
		Str("env", cfg.Env).
		Str("broker_url", cfg.BrokerURL).
		Str("work_dir", cfg.WorkDir).
		Msg("Starting echoshell host")

	client := hostlink.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutting down host...")
		cancel()
		<-errCh
	case err := <-errCh:
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("Host link failed")
		}
	}

	// Destroying sessions is the only way their pty handles and
	// subprocesses get released.
	client.Engine().CloseAll()
	log.Info().Msg("Host exited")
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" && cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
