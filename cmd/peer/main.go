package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-rooms/config"
	"github.com/mossy-p/webrtc-rooms/internal/handlers"
	"github.com/mossy-p/webrtc-rooms/internal/media"
	"github.com/mossy-p/webrtc-rooms/internal/redis"
	"github.com/mossy-p/webrtc-rooms/internal/rtc"
	"github.com/mossy-p/webrtc-rooms/internal/signaling"
	"github.com/mossy-p/webrtc-rooms/internal/store"
	"github.com/mossy-p/webrtc-rooms/internal/store/memory"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open signaling store")
	}
	defer closeStore()

	engine, err := rtc.NewEngine(rtc.WebRTCConfig(cfg.ICE), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create connection engine")
	}

	session := signaling.NewSession(
		st,
		engine,
		media.NewSyntheticSource(cfg.Media.Tracks, log.Logger),
		media.NewDrainSink(log.Logger),
		signaling.SessionOptions{CalleeHangupPolicy: cfg.Rooms.CalleeHangupPolicy},
		log.Logger,
	)
	hub := handlers.NewHub(session)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.SetupRouter(cfg, session, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreBackend).Msg("Starting WebRTC peer")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := session.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("session cleanup incomplete")
	}
	log.Info().Msg("Peer exited gracefully")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Environment == "production" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Caller().Logger()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.StoreBackend == "memory" {
		log.Warn().Msg("using in-process store; rooms are only visible to this process")
		return memory.New(), func() {}, nil
	}

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("host", cfg.Redis.Host).Msg("Redis connection established")

	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("closing Redis client")
		}
	}
	return redis.New(client, cfg.Rooms.TTL, log.Logger), closeFn, nil
}
