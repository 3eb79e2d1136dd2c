package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/exkrishan/rtaafin-sub011/internal/app"
	"github.com/exkrishan/rtaafin-sub011/internal/config"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	application, err := app.New(startCtx, cfg)
	cancelStart()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		application.Logger.Info().Str("signal", s.String()).Msg("Shutdown signal received")
		cancel()
	}()

	if err := application.Run(ctx); err != nil {
		application.Logger.Error().Err(err).Msg("Service stopped with error")
		os.Exit(1)
	}
}
