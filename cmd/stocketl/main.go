package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"StockETL/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath = flag.String("config", "", "config file (default $CONFIG_PATH or configs/config.yaml)")
		setup   = flag.Bool("setup", false, "create data directories and register the configured symbols")
		verify  = flag.Bool("verify", false, "print stored row counts and last download per symbol")
		refresh = flag.Bool("download", false, "download every stale symbol once and exit")
		analyze = flag.Bool("analyze", false, "run the feature and outlier analysis once and exit")
		export  = flag.String("export", "", "write the pivot table to this .csv or .xlsx file and exit")
	)
	flag.Parse()

	path := *cfgPath
	if path == "" {
		path = "configs/config.yaml"
		if v := os.Getenv("CONFIG_PATH"); v != "" {
			path = v
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Error().Err(err).Msg("load config")
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("config validation")
		return 1
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("init")
		return 1
	}
	defer app.Close()

	// Actions run in this order; any action flag makes the run one-shot.
	steps := []struct {
		name string
		on   bool
		run  func(context.Context) error
	}{
		{"setup", *setup, app.Setup},
		{"download", *refresh, app.Refresh},
		{"verify", *verify, func(ctx context.Context) error { return app.Verify(ctx, os.Stdout) }},
		{"analyze", *analyze, app.Analyze},
		{"export", *export != "", func(ctx context.Context) error { return app.Export(ctx, *export) }},
	}
	oneShot := false
	for _, s := range steps {
		if !s.on {
			continue
		}
		oneShot = true
		if err := s.run(ctx); err != nil {
			log.Error().Err(err).Str("command", s.name).Msg("command failed")
			return 1
		}
	}
	if oneShot {
		return 0
	}

	log.Info().Str("config", path).Str("source", app.Fetcher.Name()).Msg("StockETL starting")
	if err := app.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("serve")
		return 1
	}
	log.Info().Msg("StockETL stopped")
	return 0
}

func setupLogging(cfg *config.Config) {
	level, _ := zerolog.ParseLevel(cfg.Log.Level)
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n\nWith no action flag the API server, scheduler and Telegram bot run until interrupted.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
