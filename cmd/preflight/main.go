// preflight validates a deployment before the engine starts: the
// configuration loads, the database answers, the migration set matches
// the schema_migrations table, and every manifest strategy resolves.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/db"
	"github.com/strikebot/strikebot/internal/engine"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Config file (default: configs/strikebot.yaml if present)")
	manifestPath := flag.String("manifest", "manifest.json", "Launch manifest path")
	migrationsDir := flag.String("migrations", "migrations", "Path to the migrations directory")
	envFile := flag.String("env-file", "", "Env file loaded before configuration")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Error().Err(err).Str("file", *envFile).Msg("Failed to load env file")
			return 1
		}
	} else {
		_ = godotenv.Load()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	allValid := true
	checksRun := 0

	// Configuration. Load validates every variable and reports the
	// full offending set in one message.
	checksRun++
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("❌ Configuration invalid")
		allValid = false
	} else {
		log.Info().
			Str("mode", cfg.Trading.Mode).
			Str("environment", cfg.App.Environment).
			Msg("✓ Configuration valid")
	}

	// Database connectivity and migration state ride on the same
	// connection; both are skipped when the config did not load.
	var database *sql.DB
	if cfg != nil {
		checksRun++
		database, err = sql.Open("postgres", cfg.Database.URL)
		if err == nil {
			err = database.PingContext(ctx)
		}
		if err != nil {
			log.Error().Err(err).Msg("❌ Database unreachable")
			allValid = false
			database = nil
		} else {
			defer database.Close()
			log.Info().Msg("✓ Database reachable")
		}
	}

	if database != nil {
		checksRun++
		db.SetMigrationsDir(*migrationsDir)
		result, err := db.NewMigrator(database).Verify(ctx)
		switch {
		case err != nil:
			log.Error().Err(err).Msg("❌ Migration check failed")
			allValid = false
		case !result.Clean():
			log.Error().
				Ints("missing_files", result.Missing).
				Ints("unapplied", result.Extra).
				Msg("❌ Migrations out of sync; run migrate")
			allValid = false
		default:
			log.Info().Msg("✓ Migrations in sync")
		}
	}

	// Manifest schema plus strategy resolution. A name resolves if the
	// engine can compose it stock or a strategies row already exists.
	checksRun++
	root, err := os.Getwd()
	if err != nil {
		log.Error().Err(err).Msg("❌ Cannot resolve working directory")
		return 1
	}
	manifest, err := config.LoadManifest(root, *manifestPath)
	if err != nil {
		log.Error().Err(err).Str("manifest", *manifestPath).Msg("❌ Manifest invalid")
		allValid = false
	} else {
		err = manifest.CheckStrategies(func(name string) bool {
			return engine.IsStockStrategy(name) || strategyRowExists(ctx, database, name)
		})
		if err != nil {
			log.Error().Err(err).Msg("❌ Manifest strategy unresolved")
			allValid = false
		} else {
			log.Info().
				Strs("strategies", manifest.Strategies).
				Strs("symbols", manifest.Symbols).
				Msg("✓ Manifest valid")
		}
	}

	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if !allValid {
		log.Error().Int("checks", checksRun).Msg("❌ Preflight failed")
		return 1
	}
	log.Info().Int("checks", checksRun).Msg("✅ Preflight passed, system is ready to start")
	return 0
}

// strategyRowExists reports whether a persisted strategy carries the
// given name. A nil or failing database counts as unresolved; the
// connectivity check has already reported the root cause.
func strategyRowExists(ctx context.Context, database *sql.DB, name string) bool {
	if database == nil {
		return false
	}
	var n int
	err := database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM strategies WHERE name = $1`, name).Scan(&n)
	if err != nil {
		log.Warn().Err(err).Str("strategy", name).Msg("Strategy lookup failed")
		return false
	}
	return n > 0
}
