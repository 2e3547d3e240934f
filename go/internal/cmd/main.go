package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/duowheel/duowheel/go/internal/couple"
	"github.com/duowheel/duowheel/go/internal/gateway"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := loadConfig(getEnv("WHEEL_CONFIG", "config.yaml"))
	if err != nil {
		log.Warn().Err(err).Msg("could not load config file, using defaults")
		cfg = defaultAppConfig()
		overrideFromEnv(cfg)
	}

	store, err := setupStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Backend.Kind).Msg("failed to set up session store")
	}
	defer store.Close()

	// The gateway relays its own writes back to both participants over the
	// websocket, so echoes stay on.
	engineCfg := couple.DefaultConfig()
	engineCfg.DeliverEchoes = true
	engineCfg.SpinDelay = cfg.SpinDelay()
	app := couple.NewApp(store, engineCfg)
	defer app.Close()

	connectionManager := gateway.NewConnectionManager(app, gateway.DefaultConnectionConfig())
	service := gateway.NewService(app)
	wsHandler := gateway.NewWebSocketHandler(connectionManager)

	server := setupServer(cfg, service, wsHandler)

	log.Info().
		Str("backend", cfg.Backend.Kind).
		Str("addr", server.Addr).
		Str("origin", app.Origin()).
		Msg("starting couple wheel gateway")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go connectionManager.Start(ctx)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
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
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	log.Info().Msg("couple wheel gateway shutdown complete")
}
