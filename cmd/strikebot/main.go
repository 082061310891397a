// strikebot runs the trading engine: price feeds, window clocks,
// strategy evaluation, execution, safety layer and the ops server in
// a single supervised process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/engine"
	"github.com/strikebot/strikebot/internal/safety"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Config file (default: configs/strikebot.yaml if present)")
	manifestPath := flag.String("manifest", "manifest.json", "Launch manifest path, resolved inside the working directory")
	envFile := flag.String("env-file", "", "Env file loaded before configuration")
	pidFile := flag.String("pidfile", "", "Pid file path (overrides safety.pid_file)")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Error().Err(err).Str("file", *envFile).Msg("Failed to load env file")
			return 1
		}
	} else {
		// A local .env is optional.
		_ = godotenv.Load()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

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

	pidPath := cfg.Safety.PidFile
	if *pidFile != "" {
		pidPath = *pidFile
	}
	if pidPath != "" {
		if err := safety.WritePidFile(pidPath); err != nil {
			log.Error().Err(err).Str("pidfile", pidPath).Msg("Failed to write pid file")
			return 1
		}
		defer safety.RemovePidFile(pidPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, cfg, manifest)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build engine")
		return 1
	}
	defer eng.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() { errChan <- eng.Run(ctx) }()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
		err = <-errChan
	case err = <-errChan:
	}
	if err != nil {
		log.Error().Err(err).Msg("Engine stopped on error")
		return 1
	}
	return 0
}
