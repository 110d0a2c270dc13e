// syncdemo runs a complete sync client against a hub: it connects, creates
// and joins a session channel, starts a shared timer, and reports presence.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thef4tdaddy/chastityOS-sub001/internal/config"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/notify"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/presence"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/realtime"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/store"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/timer"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	cfg, err := config.Load(os.Getenv("SYNC_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	userID := cfg.Client.UserID
	if userID == "" {
		userID = "demo-user"
	}

	clock := clockwork.NewRealClock()
	registry := realtime.NewSubscriptionRegistry()

	var st store.Store = store.NewMemoryStore()
	if cfg.Database.Enabled {
		connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.NewPostgresStore(connectCtx, cfg.Database.DSN())
		connectCancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pg.Close()
		st = pg
		log.Info().Str("host", cfg.Database.Host).Msg("connected to database")
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.NATS.Enabled {
		natsCfg := notify.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		nn, err := notify.NewNATSNotifier(natsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nn.Close()
		notifier = nn
		log.Info().Str("url", cfg.NATS.URL).Msg("connected to NATS")
	}

	manager := realtime.NewConnectionManager(
		realtime.NewWebSocketDialer(cfg.Client.URL),
		userID,
		realtime.ConnectionConfig{
			HeartbeatInterval:    cfg.Client.HeartbeatInterval(),
			ReconnectInterval:    cfg.Client.ReconnectInterval(),
			MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		},
		clock,
	)
	mux := realtime.NewChannelMultiplexer(manager, registry, userID, clock)
	manager.OnMessage(mux.HandleMessage)

	baseURL := "http://" + trimScheme(cfg.Client.URL)
	engine := timer.NewEngine(timer.EngineConfig{
		UserID:            userID,
		Clock:             clock,
		Store:             st,
		TimeSource:        timer.NewHTTPTimeSource(baseURL),
		Registry:          registry,
		Publisher:         mux,
		Notifier:          notifier,
		TickInterval:      cfg.Client.SyncInterval(),
		AccuracyThreshold: cfg.Client.AccuracyThreshold(),
	})
	mux.SubscribeUpdates(timer.DataTypeTimer, engine.HandleRealtimeUpdate)

	tracker := presence.NewTracker(presence.Config{
		UserID:            userID,
		Clock:             clock,
		Store:             st,
		Publisher:         mux,
		ActivityTimeout:   cfg.Client.ActivityTimeout(),
		AutoTrackActivity: cfg.Client.AutoTrackActivity,
	})
	mux.SubscribeUpdates(presence.DataTypePresence, tracker.HandleRealtimeUpdate)
	manager.OnStateChange(tracker.HandleConnectionState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("initial connect failed")
	}
	go engine.Run(ctx)

	channel, err := mux.CreateChannel(realtime.ChannelTypeSession, []string{userID}, false)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create channel")
	}
	engine.SetChannel(channel.ID)
	tracker.SetChannel(channel.ID)
	tracker.SetOnline("")

	t, err := engine.CreateTimer(ctx, timer.CreateTimerRequest{
		Type:        timer.TypeSession,
		Title:       "demo session",
		DurationSec: 300,
		CanPause:    true,
		CanStop:     true,
		CanExtend:   true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create timer")
	}
	engine.Subscribe(t.ID, func(data any) {
		if ev, ok := data.(timer.Event); ok {
			log.Info().
				Str("kind", string(ev.Kind)).
				Int64("elapsed", ev.Timer.Elapsed).
				Int64("remaining", ev.Timer.Remaining).
				Msg("timer event")
		}
	})
	if err := engine.Start(ctx, t.ID, userID); err != nil {
		log.Fatal().Err(err).Msg("failed to start timer")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	tracker.Shutdown(shutdownCtx)
	cancel()
	manager.Disconnect()
}

// trimScheme strips the websocket scheme and path so the HTTP time source
// can target the same host.
func trimScheme(wsURL string) string {
	s := wsURL
	for _, prefix := range []string{"ws://", "wss://"} {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			s = s[len(prefix):]
			break
		}
	}
	for i := range s {
		if s[i] == '/' {
			return s[:i]
		}
	}
	return s
}
