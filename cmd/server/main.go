package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaykit/chatrelay/internal/auth"
	"github.com/relaykit/chatrelay/internal/history"
	"github.com/relaykit/chatrelay/internal/server"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := server.NewConfigFromEnv()

	store, cleanup, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open history store")
	}
	defer cleanup()

	verifier, err := buildVerifier(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure identity verifier")
	}

	srv := server.New(cfg, verifier, store, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			logger.Fatal().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		srv.Stop()
	}

	logger.Info().Msg("server stopped")
}

// openStore connects to MongoDB before the server accepts any connection;
// sessions assume a ready store. Development mode without a configured URI
// falls back to the in-memory store.
func openStore(cfg *server.Config, logger zerolog.Logger) (history.Store, func(), error) {
	if cfg.MongoURI == "" {
		if !cfg.DevMode {
			logger.Fatal().Msg("CHATRELAY_MONGODB_URI is required outside development mode")
		}
		logger.Warn().Msg("no MongoDB configured, using in-memory history store")
		return history.NewMemoryStore(), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := history.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("database", cfg.MongoDatabase).Str("collection", cfg.MongoCollection).Msg("connected to MongoDB")

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	}
	return store, cleanup, nil
}

func buildVerifier(cfg *server.Config) (auth.Verifier, error) {
	if cfg.JWTSecret == "" {
		if cfg.DevMode {
			return &auth.StaticVerifier{Identity: auth.Identity{Email: "dev@localhost", Name: "Developer"}}, nil
		}
		return nil, errMissingSecret
	}
	return auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTAudiences), nil
}

var errMissingSecret = &configError{"CHATRELAY_JWT_SECRET is required outside development mode"}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }
