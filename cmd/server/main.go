package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zxc88645/AudioAssuranceSystem/internal/archive"
	"github.com/zxc88645/AudioAssuranceSystem/internal/audio"
	"github.com/zxc88645/AudioAssuranceSystem/internal/config"
	"github.com/zxc88645/AudioAssuranceSystem/internal/coordinator"
	"github.com/zxc88645/AudioAssuranceSystem/internal/hub"
	"github.com/zxc88645/AudioAssuranceSystem/internal/ingest"
	"github.com/zxc88645/AudioAssuranceSystem/internal/metrics"
	"github.com/zxc88645/AudioAssuranceSystem/internal/notify"
	"github.com/zxc88645/AudioAssuranceSystem/internal/pipeline"
	"github.com/zxc88645/AudioAssuranceSystem/internal/provider"
	"github.com/zxc88645/AudioAssuranceSystem/internal/server"
	"github.com/zxc88645/AudioAssuranceSystem/internal/transcode"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Starting audio assurance service",
		slog.String("config", *configPath),
		slog.Int("port", cfg.Server.Port),
	)

	m := metrics.NewMetrics()

	store, err := archive.Open(cfg.Storage.DataDir, logger)
	if err != nil {
		logger.Error("Failed to open archive store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	reports, err := pipeline.OpenStore(cfg.Storage.DataDir)
	if err != nil {
		logger.Error("Failed to open report store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer reports.Close()

	recordingPolicy, err := audio.ParsePolicy(cfg.Recording.MergePolicy)
	if err != nil {
		logger.Error("Invalid recording merge policy", slog.String("error", err.Error()))
		os.Exit(1)
	}
	monitoringPolicy, err := audio.ParsePolicy(cfg.Monitoring.MergePolicy)
	if err != nil {
		logger.Error("Invalid monitoring merge policy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	recordingTranscoder, err := transcode.NewFFmpeg(cfg.Audio.FFmpegPath, cfg.Audio.SampleRate, cfg.Recording.Denoise)
	if err != nil {
		logger.Error("Failed to set up recording transcoder", slog.String("error", err.Error()))
		os.Exit(1)
	}
	monitoringTranscoder, err := transcode.NewFFmpeg(cfg.Audio.FFmpegPath, cfg.Audio.SampleRate, cfg.Monitoring.Denoise)
	if err != nil {
		logger.Error("Failed to set up monitoring transcoder", slog.String("error", err.Error()))
		os.Exit(1)
	}

	progressHub := hub.New(logger)

	transcriber, err := provider.NewTranscriber(provider.TranscriberConfig{
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Model:         cfg.Transcription.Model,
		Language:      cfg.Transcription.Language,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	})
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	comparer, err := provider.NewComparer(provider.ComparerConfig{
		Endpoint:    cfg.Comparison.Endpoint,
		APIKey:      cfg.Comparison.APIKey,
		Model:       cfg.Comparison.Model,
		Timeout:     cfg.Comparison.GetTimeoutDuration(),
		MaxRetries:  cfg.Comparison.MaxRetries,
		Temperature: cfg.Comparison.Temperature,
	}, logger)
	if err != nil {
		logger.Error("Failed to create comparison client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	analysis := pipeline.New(logger, pipeline.Config{
		FetchTimeout:      cfg.Pipeline.GetFetchTimeoutDuration(),
		RunTimeout:        cfg.Pipeline.GetRunTimeoutDuration(),
		WaitingResetDelay: cfg.Pipeline.GetWaitingResetDelayDuration(),
	}, reports, store, &pipeline.HTTPFetcher{}, transcriber, comparer, progressHub, m)

	coord := coordinator.New(logger, cfg.Coordinator.GetStaleTimeoutDuration(),
		func(sessionID, localArtifactID, remoteURL string) {
			m.RecordTriggerFired()
			analysis.Trigger(sessionID, localArtifactID, remoteURL)
		})

	var notifier notify.Notifier
	switch cfg.Notify.Mode {
	case "http":
		notifier, err = notify.NewHTTPNotifier(cfg.Notify.Endpoint, cfg.Notify.GetTimeoutDuration(), logger)
		if err != nil {
			logger.Error("Failed to create notifier", slog.String("error", err.Error()))
			os.Exit(1)
		}
	default:
		notifier = notify.NewLoopbackNotifier(coord, logger)
	}

	// The monitoring side hands artifacts to the rendezvous directly; the
	// recording side announces a download URL, which in loopback mode comes
	// straight back to the same rendezvous.
	monitoringSink := func(sessionID string, artifact *archive.Artifact) {
		coord.SetLocalArtifact(sessionID, artifact.ID)
	}
	notifyTimeout := cfg.Notify.GetTimeoutDuration()
	if notifyTimeout <= 0 {
		notifyTimeout = 10 * time.Second
	}
	recordingSink := func(sessionID string, artifact *archive.Artifact) {
		fileURL := cfg.Server.PublicBaseURL + "/api/audio/" + artifact.ID
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := notifier.NotifyRecordingReady(ctx, sessionID, fileURL); err != nil {
			logger.Error("Recording-ready notification failed",
				slog.String("session_id", sessionID),
				slog.String("recording_url", fileURL),
				slog.String("error", err.Error()),
			)
		}
	}

	recording := ingest.NewService(logger, ingest.ServiceConfig{
		Channel:       "recording",
		Policy:        recordingPolicy,
		SampleRate:    cfg.Audio.SampleRate,
		DecodeTimeout: cfg.Recording.GetDecodeTimeoutDuration(),
		StaleTimeout:  cfg.Recording.GetStaleTimeoutDuration(),
		TempDir:       cfg.Storage.TempDir,
	}, recordingTranscoder, store, recordingSink, m)

	monitoring := ingest.NewService(logger, ingest.ServiceConfig{
		Channel:       "monitoring",
		Policy:        monitoringPolicy,
		SampleRate:    cfg.Audio.SampleRate,
		DecodeTimeout: cfg.Monitoring.GetDecodeTimeoutDuration(),
		StaleTimeout:  cfg.Monitoring.GetStaleTimeoutDuration(),
		TempDir:       cfg.Storage.TempDir,
	}, monitoringTranscoder, store, monitoringSink, m)

	httpServer := server.NewHTTPServer(cfg, logger, m, recording, monitoring, store, coord, reports, progressHub, transcriber)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Audio assurance service started",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.String("notify_mode", cfg.Notify.Mode),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	recording.Stop()
	monitoring.Stop()
	coord.Stop()
	analysis.Stop()

	logger.Info("Audio assurance service stopped")
}

// initLogger creates a structured logger from the logging configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}
