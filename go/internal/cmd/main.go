package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sidelinehq/sideline/go/internal/control"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	database, err := setupDatabase()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	services, err := setupServices(database, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build services")
	}

	log.Info().
		Str("device_id", cfg.Device.ID).
		Str("role", cfg.Device.Role).
		Str("nats_url", cfg.NATS.URL).
		Msg("starting sideline agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := services.Worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start outbox worker")
	}

	go func() {
		if err := services.Consumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("snapshot consumer failed")
		}
	}()

	if err := services.Session.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start session")
	}
	if cfg.GameID != "" {
		if err := ensureGameSession(ctx, services.Repo, cfg.GameID); err != nil {
			log.Fatal().Err(err).Str("game_id", cfg.GameID).Msg("failed to ensure game session")
		}
		services.Session.SetGame(cfg.GameID)
		log.Info().Str("game_id", cfg.GameID).Msg("watching game")
	}

	server := setupServer(cfg, services)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("status server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("status server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("status server shutdown failed")
	}

	if err := services.Session.Close(); err != nil {
		log.Error().Err(err).Msg("session close failed")
	}
	if err := services.Worker.Stop(); err != nil {
		log.Error().Err(err).Msg("outbox worker stop failed")
	}
	cancel()
	if err := services.Consumer.Stop(); err != nil {
		log.Error().Err(err).Msg("snapshot consumer stop failed")
	}
	if err := services.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("publisher close failed")
	}
	if err := services.Trust.Close(); err != nil {
		log.Error().Err(err).Msg("trust store close failed")
	}

	log.Info().Msg("sideline agent shutdown complete")
}

// ensureGameSession creates the shared document for the configured game if it
// does not exist yet.
func ensureGameSession(ctx context.Context, repo *control.Repository, gameID string) error {
	_, err := repo.GetGameSession(ctx, gameID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, control.ErrNotFound) {
		return err
	}
	if _, err := repo.CreateGameSession(ctx, control.CreateGameSessionRequest{GameID: gameID}); err != nil {
		return err
	}
	log.Info().Str("game_id", gameID).Msg("created game session document")
	return nil
}
