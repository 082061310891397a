// strikectl is the operator tool for a running engine. Its one
// subcommand, kill, stops the engine process with SIGTERM and
// escalates to SIGKILL when the graceful window expires.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/strikebot/strikebot/internal/alerts"
	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/safety"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if len(args) == 0 {
		usage()
		return 1
	}
	switch args[0] {
	case "kill":
		return runKill(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: strikectl kill [--pidfile PATH | --pid PID]")
}

func runKill(args []string) int {
	fs := flag.NewFlagSet("kill", flag.ExitOnError)
	pidFile := fs.String("pidfile", "", "Pid file path (overrides safety.pid_file)")
	pid := fs.Int("pid", 0, "Kill this pid directly instead of reading a pid file")
	envFile := fs.String("env-file", "", "Env file loaded before configuration")
	if err := fs.Parse(args); err != nil {
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

	// An unloadable configuration must never block the kill switch;
	// fall back to the stock safety timings and skip alerting.
	safetyCfg := killDefaults()
	var notifier safety.Notifier
	cfg, err := config.Load("")
	if err != nil {
		log.Warn().Err(err).Msg("Configuration unavailable, using default kill settings")
	} else {
		safetyCfg = cfg.Safety
		mgr, err := alerts.New(cfg.Alerts)
		if err != nil {
			log.Warn().Err(err).Msg("Alert notifier unavailable")
		} else {
			notifier = mgr
		}
	}
	if *pidFile != "" {
		safetyCfg.PidFile = *pidFile
	}

	ctx := context.Background()
	if *pid > 0 {
		err = safety.KillPid(ctx, safetyCfg, int32(*pid), notifier)
	} else {
		err = safety.Kill(ctx, safetyCfg, notifier)
	}
	if err != nil {
		log.Error().Err(err).Msg("Kill failed")
		return 1
	}
	return 0
}

// killDefaults mirrors the stock safety timings so the kill switch
// works even when the full configuration cannot load.
func killDefaults() config.SafetyConfig {
	return config.SafetyConfig{
		PidFile:           "state/strikebot.pid",
		GracefulTimeoutMS: 3000,
		ForcefulCeilingMS: 5000,
	}
}
