package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-billing/internal/catalog"
	"github.com/noah-isme/backend-billing/internal/featurestate"
)

var providers = []string{"stripe", "midtrans", "xendit", "mock"}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("tool", "seeder").Logger()
	if err := godotenv.Load(); err != nil {
		logger.Info().Msg("no .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	repo := catalog.NewPostgresRepository(pool)
	for _, item := range catalog.DefaultItems() {
		if err := repo.Upsert(ctx, item); err != nil {
			logger.Fatal().Err(err).Str("item", item.ID).Msg("seed catalog item")
		}
		logger.Info().Str("item", item.ID).Str("price", item.Price.String()).Str("currency", item.Currency).Msg("catalog item seeded")
	}

	// Existing provider toggles are left alone so operator changes survive a reseed.
	features := featurestate.NewPostgresStore(pool)
	for _, name := range providers {
		feature := featurestate.ProviderFeaturePrefix + name
		_, err := features.Get(ctx, feature)
		if err == nil {
			continue
		}
		if !errors.Is(err, featurestate.ErrNotFound) {
			logger.Fatal().Err(err).Str("feature", feature).Msg("read feature state")
		}
		if _, err := features.Put(ctx, featurestate.Record{Name: feature, Status: featurestate.StatusEnabled}); err != nil {
			logger.Fatal().Err(err).Str("feature", feature).Msg("seed feature state")
		}
		logger.Info().Str("feature", feature).Msg("feature state seeded")
	}

	logger.Info().Msg("seeding completed")
}
