// migrate applies or reports the database schema migrations.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/strikebot/strikebot/internal/db"
)

func main() {
	os.Exit(run())
}

func run() int {
	command := flag.String("command", "up", "Command to run: up or status")
	dbURL := flag.String("db", "", "Database connection URL (default: DATABASE_URL)")
	migrationsDir := flag.String("migrations", "migrations", "Path to the migrations directory")
	envFile := flag.String("env-file", "", "Env file loaded before reading DATABASE_URL")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load env file %s: %v\n", *envFile, err)
			return 1
		}
	} else {
		_ = godotenv.Load()
	}

	url := *dbURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		fmt.Fprintln(os.Stderr, "no database URL; pass -db or set DATABASE_URL")
		return 1
	}

	database, err := sql.Open("postgres", url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return 1
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping database: %v\n", err)
		return 1
	}

	db.SetMigrationsDir(*migrationsDir)
	migrator := db.NewMigrator(database)

	switch *command {
	case "up", "migrate":
		if err := migrator.Migrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
			return 1
		}
	case "status":
		if err := migrator.Status(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "status check failed: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", *command)
		fmt.Fprintln(os.Stderr, "Usage: migrate -command=[up|status]")
		return 1
	}
	return 0
}
