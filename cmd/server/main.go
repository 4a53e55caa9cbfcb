package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/MuruganandamVG/interview-room/internal/capture"
	"github.com/MuruganandamVG/interview-room/internal/config"
	"github.com/MuruganandamVG/interview-room/internal/exchange"
	"github.com/MuruganandamVG/interview-room/internal/httpserver"
	"github.com/MuruganandamVG/interview-room/internal/logger"
	"github.com/MuruganandamVG/interview-room/internal/media"
	"github.com/MuruganandamVG/interview-room/internal/playback"
	"github.com/MuruganandamVG/interview-room/internal/session"
)

func main() {
	log := logger.New()
	cfg := config.Load(log)

	recognizer := capture.NewRecognizer(cfg.SpeechWSURL, cfg.SpeechAPIKey, cfg.SpeechLanguage, log)
	client := exchange.NewClient(cfg.InterviewAPIBase, cfg.ExchangeTimeout)

	agentTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"audio", "agent",
	)
	if err != nil {
		log.WithError(err).Fatal("create agent audio track")
	}
	sink, err := playback.NewOpusSink(agentTrack)
	if err != nil {
		log.WithError(err).Fatal("create opus sink")
	}
	defer sink.Close()
	player := playback.NewPlayer(sink, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	devices := media.NewController(media.LocalDevices(), log)
	if err := devices.Acquire(ctx); err != nil {
		// recoverable: the room stays usable with placeholder tiles
		log.WithError(err).Warn("continuing without local devices")
	}

	hub := httpserver.NewHub(log)
	sess := session.New(
		recognizer,
		client,
		session.PlayerFunc(func(ctx context.Context, payload []byte) session.Playback {
			return player.Play(ctx, payload)
		}),
		cfg.CandidateContext,
		cfg.DefaultCandidateID,
		hub.Observers(),
		log,
	)

	srv := httpserver.New(ctx, sess, devices, hub, log)

	serverErrors := make(chan error, 1)
	go func() {
		log.WithField("address", cfg.HTTPAddress).Info("server listening")
		serverErrors <- srv.Echo.Start(cfg.HTTPAddress)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("shutdown signal received")
	}

	cancel()
	recognizer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Echo.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
		_ = srv.Echo.Close()
	}
}
