// backtest replays recorded 15-minute windows through the manifest
// strategies with simulated fills and prints a per-strategy report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/engine"
	"github.com/strikebot/strikebot/pkg/backtest"
)

var (
	recordingsPath = flag.String("recordings", "", "JSON file of recorded windows (required)")
	manifestPath   = flag.String("manifest", "manifest.json", "Launch manifest naming the strategies to replay")
	configPath     = flag.String("config", "", "Config file (default: configs/strikebot.yaml if present)")
	envFile        = flag.String("env-file", "", "Env file loaded before configuration")
	outputFile     = flag.String("output", "", "Write the full report as JSON to this file")
	verbose        = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	// The report goes to stdout; logs stay on stderr.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *recordingsPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -recordings flag is required")
		flag.Usage()
		return 1
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Error().Err(err).Str("file", *envFile).Msg("Failed to load env file")
			return 1
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}

	root, err := os.Getwd()
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve working directory")
		return 1
	}
	manifest, err := config.LoadManifest(root, *manifestPath)
	if err != nil {
		log.Error().Err(err).Str("manifest", *manifestPath).Msg("Failed to load manifest")
		return 1
	}

	recordings, err := backtest.ReadRecordings(*recordingsPath)
	if err != nil {
		log.Error().Err(err).Str("file", *recordingsPath).Msg("Failed to read recordings")
		return 1
	}

	log.Info().
		Strs("strategies", manifest.Strategies).
		Int("windows", len(recordings)).
		Float64("starting_capital", cfg.Trading.StartingCapital).
		Msg("Starting backtest")

	ctx := context.Background()
	evals, err := engine.ComposeOffline(ctx, manifest.Strategies)
	if err != nil {
		log.Error().Err(err).Msg("Failed to compose strategies")
		return 1
	}

	runner := backtest.NewRunner(evals, backtest.Params{
		Strategies:      manifest.Strategies,
		StartingCapital: cfg.Trading.StartingCapital,
		PositionSize:    manifest.PositionSizeDollars,
		MaxExposure:     manifest.MaxExposureDollars,
		MinOrderSize:    cfg.Venue.MinOrderSize,
		FeeBps:          cfg.Venue.FeeRateBps,
		EntryLock:       cfg.Orchestrator.MinTimeRemaining(),
		StaleAfter:      time.Duration(cfg.Feeds.StaleAfterMS) * time.Millisecond,
	})

	report, err := runner.Run(ctx, recordings)
	if err != nil {
		log.Error().Err(err).Msg("Backtest failed")
		return 1
	}

	fmt.Println(report)

	if *outputFile != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode report")
			return 1
		}
		if err := os.WriteFile(*outputFile, append(data, '\n'), 0o644); err != nil {
			log.Error().Err(err).Str("file", *outputFile).Msg("Failed to write report file")
			return 1
		}
		log.Info().Str("file", *outputFile).Msg("Report written")
	}
	return 0
}
