package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/proctorlink/proctorlink/internal/adapters/detect"
	"github.com/proctorlink/proctorlink/internal/config"
	"github.com/proctorlink/proctorlink/internal/relay"
	"github.com/proctorlink/proctorlink/internal/relay/storage"
	"github.com/proctorlink/proctorlink/internal/relay/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}
	defer st.Close()

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init storage")
	}

	var analyzer *relay.FrameAnalyzer
	if cfg.Detect.ObjectURL != "" && cfg.Detect.FaceURL != "" {
		analyzer = relay.NewFrameAnalyzer(
			detect.NewObjectClient(cfg.Detect.ObjectURL),
			detect.NewFaceClient(cfg.Detect.FaceURL),
			cfg.Detect.MinScore,
		)
	}

	hub := relay.NewHub(cfg.ReadLimit, cfg.PingEvery)
	r := relay.SetupRouter(cfg, hub, st, blobs, analyzer)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Relay exited gracefully")
}
