package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Younes-bt/madrasti2-sub012/internal/agent"
	"github.com/Younes-bt/madrasti2-sub012/internal/cachestore"
	"github.com/Younes-bt/madrasti2-sub012/internal/channel"
	"github.com/Younes-bt/madrasti2-sub012/internal/config"
	"github.com/Younes-bt/madrasti2-sub012/internal/logging"
	"github.com/Younes-bt/madrasti2-sub012/internal/push"
	"github.com/Younes-bt/madrasti2-sub012/internal/router"
	"github.com/Younes-bt/madrasti2-sub012/internal/strategy"
	"github.com/Younes-bt/madrasti2-sub012/internal/syncqueue"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := logging.Setup(logging.Config{
		Level:         logging.LogLevel(cfg.Logging.Level),
		Format:        logging.LogFormat(cfg.Logging.Format),
		IncludeCaller: cfg.Logging.IncludeCaller,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	store, err := cachestore.Open(cachestore.Config{
		DataDir:       cfg.Cache.DataDir,
		Generation:    cfg.Cache.Generation,
		HotEntries:    cfg.Cache.HotEntries,
		HotExpiration: time.Duration(cfg.Cache.HotExpirationSeconds) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache store")
	}
	defer store.Close()

	queue, err := syncqueue.Open(syncqueue.Config{
		DataDir:          cfg.Queue.DataDir,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		ReplaysPerSecond: cfg.Queue.ReplaysPerSecond,
		ReplayBurst:      cfg.Queue.ReplayBurst,
	}, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open sync queue")
	}
	defer queue.Close()

	offlinePage := cfg.Agent.Upstream + cfg.Cache.OfflinePage
	engine := strategy.New(store, httpClient, offlinePage)

	pushHandler := push.New(push.Defaults{
		Title:            cfg.Push.DefaultTitle,
		Icon:             cfg.Push.DefaultIcon,
		Badge:            cfg.Push.DefaultBadge,
		MarkReadEndpoint: cfg.Agent.Upstream + cfg.Push.MarkReadEndpoint,
	}, push.LogDisplayer{}, push.LogWindowManager{}, httpClient)

	a, err := agent.New(agent.Config{
		Upstream:         cfg.Agent.Upstream,
		AllowedOrigins:   cfg.Agent.AllowedOrigins,
		PrecacheManifest: cfg.Cache.PrecacheManifest,
		OfflinePage:      offlinePage,
	}, store, engine, queue, pushHandler, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create agent")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Install may fail when starting offline; cached content still serves
	installCtx, installCancel := context.WithTimeout(ctx, time.Minute)
	if err := a.Install(installCtx); err != nil {
		log.Warn().Err(err).Msg("Install incomplete, continuing with existing cache")
	}
	installCancel()
	if err := a.Activate(); err != nil {
		log.Fatal().Err(err).Msg("Activation failed")
	}

	client := channel.New(channel.Config{
		Host:                  cfg.Channel.Host,
		Port:                  cfg.Channel.Port,
		Secure:                cfg.Channel.Secure,
		UserID:                os.Getenv("MADRASTI_USER_ID"),
		Token:                 os.Getenv("MADRASTI_TOKEN"),
		HeartbeatInterval:     time.Duration(cfg.Channel.HeartbeatSeconds) * time.Second,
		ReconnectInitialDelay: time.Duration(cfg.Channel.ReconnectInitialMs) * time.Millisecond,
		ReconnectMaxDelay:     time.Duration(cfg.Channel.ReconnectMaxMs) * time.Millisecond,
		MaxReconnectAttempts:  cfg.Channel.MaxReconnectAttempts,
	})

	r := router.New(router.LogAlerter{}, client)
	go r.Run(ctx, client.Events())

	if err := client.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial channel connect failed, retrying in background")
	}

	server := &http.Server{
		Addr:         cfg.Agent.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Agent.Addr).Msg("Offline agent listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Proxy server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	if err := client.Disconnect(); err != nil {
		log.Debug().Err(err).Msg("Channel disconnect failed")
	}
}
