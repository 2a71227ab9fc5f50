package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/arbwatch/internal/app"
	"github.com/caesar-terminal/arbwatch/internal/config"
)

func main() {
	defer memguard.Purge()

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fatal(zerolog.New(os.Stderr).With().Timestamp().Logger(), err, "failed to load config")
	}

	log := newLogger(cfg)
	log.Info().Str("env", cfg.Env).Msg("arbwatch starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		fatal(log, err, "startup failed")
	}
	if err := a.Run(ctx); err != nil {
		fatal(log, err, "arbwatch failed")
	}
	log.Info().Msg("arbwatch shut down")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func fatal(log zerolog.Logger, err error, msg string) {
	log.Error().Err(err).Msg(msg)
	memguard.SafeExit(1)
}
