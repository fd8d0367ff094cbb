package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pigeon/internal/database"
)

const defaultMigrationsDir = "./internal/database/migrations"

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	// empty means the migrations compiled into the binary
	migrationsPath := os.Getenv("MIGRATIONS_PATH")

	if command == "create" {
		if len(os.Args) < 3 {
			log.Fatal().Msg("usage: migrate create <migration_name>")
		}
		dir := migrationsPath
		if dir == "" {
			dir = defaultMigrationsDir
		}
		createMigration(dir, os.Args[2])
		return
	}

	db, err := database.Open()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	switch command {
	case "up":
		log.Info().Msg("running migrations")
		if err := database.RunMigrations(db, migrationsPath); err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
		log.Info().Msg("migrations completed")

	case "down":
		log.Info().Msg("rolling back last migration")
		if err := database.RollbackMigration(db, migrationsPath); err != nil {
			log.Fatal().Err(err).Msg("rollback failed")
		}
		log.Info().Msg("rollback completed")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db, migrationsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read version")
		}
		if dirty {
			log.Warn().Uint("version", version).Msg("schema is DIRTY, needs manual intervention")
		} else {
			log.Info().Uint("version", version).Msg("current version")
		}

	default:
		db.Close()
		log.Error().Str("command", command).Msg("unknown command")
		printUsage()
		os.Exit(1)
	}
}

func createMigration(dir, name string) {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		log.Fatal().Err(err).Str("dir", dir).Msg("failed to read migrations directory")
	}
	nextVersion := len(files) + 1

	upFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.up.sql", nextVersion, name))
	downFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.down.sql", nextVersion, name))

	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(upContent), 0o644); err != nil {
		log.Fatal().Err(err).Msg("failed to create up migration")
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0o644); err != nil {
		log.Fatal().Err(err).Msg("failed to create down migration")
	}

	log.Info().Str("up", upFile).Str("down", downFile).Msg("created migration files")
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  BLUEPRINT_DB_HOST       Database host (default: localhost)")
	fmt.Println("  BLUEPRINT_DB_PORT       Database port (default: 5432)")
	fmt.Println("  BLUEPRINT_DB_DATABASE   Database name (default: crashdb)")
	fmt.Println("  BLUEPRINT_DB_USERNAME   Database user (default: postgres)")
	fmt.Println("  BLUEPRINT_DB_PASSWORD   Database password (default: postgres)")
	fmt.Println("  MIGRATIONS_PATH         Migrations directory (default: embedded)")
}
