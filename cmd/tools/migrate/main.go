package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-billing/internal/migrations"
)

func main() {
	_ = godotenv.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("tool", "migrate").Logger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}

	m, err := migrations.New(dbURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("init migrator")
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn().AnErr("source", srcErr).AnErr("database", dbErr).Msg("close migrator")
		}
	}()

	switch os.Args[1] {
	case "up":
		err := m.Up()
		switch {
		case errors.Is(err, migrate.ErrNoChange):
			logger.Info().Msg("schema already up to date")
		case err != nil:
			logger.Fatal().Err(err).Msg("apply migrations")
		default:
			logger.Info().Msg("migrations applied")
		}
	case "down":
		if err := m.Steps(-1); err != nil {
			logger.Fatal().Err(err).Msg("roll back last migration")
		}
		logger.Info().Msg("last migration rolled back")
	case "goto":
		if len(os.Args) < 3 {
			logger.Fatal().Msg("goto requires a version")
		}
		version, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid version")
		}
		if err := m.Migrate(uint(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal().Err(err).Uint64("version", version).Msg("migrate to version")
		}
		logger.Info().Uint64("version", version).Msg("schema at version")
	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info().Msg("no migrations applied")
			return
		}
		if err != nil {
			logger.Fatal().Err(err).Msg("read schema version")
		}
		logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema version")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("usage: migrate <command>")
	fmt.Println("commands:")
	fmt.Println("  up            apply all pending migrations")
	fmt.Println("  down          roll back the last migration")
	fmt.Println("  goto VERSION  migrate up or down to VERSION")
	fmt.Println("  status        print the current schema version")
}
