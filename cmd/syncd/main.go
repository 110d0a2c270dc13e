// syncd runs the reference sync hub: the websocket endpoint clients connect
// to, the authoritative time endpoint, and connection stats.
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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thef4tdaddy/chastityOS-sub001/internal/config"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/hub"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Getenv("SYNC_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Optional durable store; with it the hub mirrors relayed timer and
	// presence state on the server side.
	var st store.Store
	if cfg.Database.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.NewPostgresStore(ctx, cfg.Database.DSN())
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pg.Close()
		st = pg
		log.Info().Str("host", cfg.Database.Host).Msg("connected to database")
	}

	h := hub.New(hub.DefaultConfig(), clockwork.NewRealClock(), st)
	handler := hub.NewHandler(h)

	server := &http.Server{
		Addr:    cfg.Hub.Addr,
		Handler: handler.Mux(),
	}

	go func() {
		log.Info().Str("addr", cfg.Hub.Addr).Msg("sync hub listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}
