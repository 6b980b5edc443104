package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/eventbus"
	"github.com/sentineliq/risk-engine/internal/outbox"
	"github.com/sentineliq/risk-engine/internal/repositories"
)

// This process runs the transactional outbox poller (spec §4.1): it never
// touches the HTTP ingress path or the risk decision pipeline, only the
// bridge between the two. Separating it from the api-server means a slow
// or down event bus never backs up request latency.
func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := configs.Load()

	// Setup logging
	setupLogging(cfg.Server.Environment)

	log.Info().Str("environment", cfg.Server.Environment).Msg("Starting outbox poller")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	producer, err := eventbus.NewProducer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to event bus")
	}
	defer producer.Close()

	outboxRepo := repositories.NewOutboxRepository(db)
	poller := outbox.New(outboxRepo, producer, cfg.Outbox)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Start(ctx)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cancel()
	poller.Stop()

	log.Info().Msg("Outbox poller shutdown complete")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
