package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/proctorlink/proctorlink/internal/adapters/api"
	"github.com/proctorlink/proctorlink/internal/adapters/capture"
	"github.com/proctorlink/proctorlink/internal/adapters/detect"
	"github.com/proctorlink/proctorlink/internal/adapters/rtc"
	wsignal "github.com/proctorlink/proctorlink/internal/adapters/signal"
	appdetect "github.com/proctorlink/proctorlink/internal/app/detect"
	"github.com/proctorlink/proctorlink/internal/app/events"
	"github.com/proctorlink/proctorlink/internal/app/record"
	"github.com/proctorlink/proctorlink/internal/app/session"
	"github.com/proctorlink/proctorlink/internal/config"
	"github.com/proctorlink/proctorlink/internal/core"
	"github.com/proctorlink/proctorlink/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	role, err := domain.ParseRole(cfg.Role)
	if err != nil {
		log.Fatal().Err(err).Str("role", cfg.Role).Msg("invalid role")
	}
	if cfg.SessionID == "" {
		log.Fatal().Msg("session_id is required")
	}
	sid := domain.SessionID(cfg.SessionID)

	// local media is the interviewee's concern; failure degrades the
	// session instead of ending it
	var media core.MediaSource
	var tracks []webrtc.TrackLocal
	if role == domain.RoleInterviewee {
		src, err := capture.Open(cfg.FrameDir, cfg.VideoFile, cfg.AudioFile)
		if err != nil {
			log.Warn().Err(err).Msg("local media unavailable, continuing degraded")
		} else {
			media = src
			tracks = src.Tracks()
		}
	}

	link := rtc.NewLink(role, cfg.STUNServer, tracks)
	if role == domain.RoleInterviewee && media != nil {
		link.GatheringMedia()
	}

	ch, err := wsignal.Dial(ctx, cfg.RelayURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.RelayURL).Msg("relay unreachable")
	}

	store := api.NewClient(cfg.APIBase)
	bus := events.NewBus(ch, store)

	var pipeline *appdetect.Pipeline
	if role == domain.RoleInterviewee && media != nil &&
		cfg.Detect.ObjectURL != "" && cfg.Detect.FaceURL != "" {
		onFrame := func(frame []byte) {
			err := ch.Send(domain.MsgSnapshot, domain.SnapshotPayload{
				Name:  cfg.Name,
				Image: detect.DataURI(frame),
			})
			if err != nil {
				log.Warn().Err(err).Msg("snapshot send failed")
			}
		}
		pipeline = appdetect.NewPipeline(sid, role, cfg.Name,
			appdetect.Thresholds{
				Interval:       cfg.Detect.Interval,
				NoFaceAfter:    cfg.Detect.NoFaceAfter,
				GazeAwayAfter:  cfg.Detect.GazeAwayAfter,
				ObjectCooldown: cfg.Detect.ObjectCooldown,
				MinScore:       cfg.Detect.MinScore,
				GazeOffsetFrac: cfg.Detect.GazeOffsetFrac,
			},
			media,
			detect.NewObjectClient(cfg.Detect.ObjectURL),
			detect.NewFaceClient(cfg.Detect.FaceURL),
			bus, onFrame)
	}

	var recorder core.Recorder
	if role == domain.RoleInterviewer {
		recorder = record.NewRecorder(sid, cfg.Name, cfg.RecordSlice,
			link.ReadRemoteChunk, store, bus)
	}

	coord, err := session.New(session.Config{
		SessionID:          sid,
		Role:               role,
		Name:               cfg.Name,
		NegotiationTimeout: cfg.NegotiationTimeout,
	}, session.Deps{
		Channel:  ch,
		Link:     link,
		Media:    media,
		Pipeline: pipeline,
		Bus:      bus,
		Store:    store,
		Recorder: recorder,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("coordinator setup")
	}

	// the interviewer starts recording as soon as remote media shows up
	if role == domain.RoleInterviewer {
		link.OnRemoteTrack(func(core.TrackInfo) {
			if err := coord.StartRecording(ctx); err != nil {
				log.Warn().Err(err).Msg("start recording failed")
			}
		})
	}

	log.Info().Str("session", cfg.SessionID).Str("role", string(role)).
		Str("name", cfg.Name).Msg("agent started")

	if err := coord.Run(ctx); err != nil {
		log.Error().Err(err).Msg("session ended with error")
		os.Exit(1)
	}
	if coord.Stalled() {
		log.Warn().Msg("session ended while negotiation was stalled")
	}
	log.Info().Msg("agent exited gracefully")
}
