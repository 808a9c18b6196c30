package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pomosync/internal/gateway"
	"github.com/mcdev12/pomosync/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogging(cfg)

	log.Info().
		Str("host", cfg.Host).
		Str("port", cfg.Port).
		Str("ws_port", cfg.WSPort).
		Dur("cleanup_interval", cfg.CleanupInterval).
		Str("environment", cfg.Environment).
		Msg("starting session broker")

	// Wire up: store → broker → connection manager → HTTP handler.
	clock := clockwork.NewRealClock()
	store := session.NewStore()
	broker := session.NewBroker(store, clock, cfg.CleanupInterval, cfg.SessionTimeout)
	connectionManager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), broker)
	handler := gateway.NewHandler(connectionManager, broker)

	server := setupServer(cfg, handler)
	var wsServer *http.Server
	if cfg.WSPort != cfg.Port {
		wsServer = setupWebSocketServer(cfg, handler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Periodic offline promotion and empty-session collection.
	go broker.Run(ctx)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	if wsServer != nil {
		go func() {
			log.Info().Str("addr", wsServer.Addr).Msg("WebSocket server starting")
			if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("WebSocket server failed")
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if wsServer != nil {
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("WebSocket server shutdown failed")
		}
	}

	// Stop the cleanup ticker, close sockets with a normal-closure code,
	// clear the session map. Nothing is persisted.
	cancel()
	connectionManager.Shutdown(shutdownCtx)
	broker.Shutdown()

	log.Info().Msg("session broker shutdown complete")
}

func setupLogging(cfg *Config) {
	if !cfg.LogEnabled {
		zerolog.SetGlobalLevel(zerolog.Disabled)
		return
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Environment != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
